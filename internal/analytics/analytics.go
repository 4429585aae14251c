package analytics

import (
	"math"
	"time"

	"github.com/kalambet/leadbot/internal/profile"
	"github.com/kalambet/leadbot/internal/scoring"
)

const (
	activeWindow = 24 * time.Hour
	atRiskAfter  = 7 * 24 * time.Hour

	highValueScore = 70
)

// Report summarizes one client's audience.
type Report struct {
	Overview          Overview               `json:"overview"`
	LeadQualification map[scoring.Status]int `json:"lead_qualification"`
	Conversion        Conversion             `json:"conversion"`
	Timestamp         time.Time              `json:"timestamp"`
}

type Overview struct {
	TotalUsers             int     `json:"total_users"`
	ActiveUsers24h         int     `json:"active_users_24h"`
	TotalInteractions      int     `json:"total_interactions"`
	AvgInteractionsPerUser float64 `json:"avg_interactions_per_user"`
}

type Conversion struct {
	ConvertedUsers int     `json:"converted_users"`
	ConversionRate float64 `json:"conversion_rate"`
}

// Segments holds user ids bucketed by behavior. Buckets are disjoint.
type Segments struct {
	HighValue     []string `json:"high_value"`
	NeedNurturing []string `json:"need_nurturing"`
	AtRisk        []string `json:"at_risk"`
	New           []string `json:"new"`
}

// Summarize computes the report in a single pass. Averages and rates are
// rounded to two decimals and are zero for an empty collection.
func Summarize(profiles []profile.UserProfile, now time.Time) Report {
	r := Report{
		LeadQualification: make(map[scoring.Status]int, len(scoring.Statuses)),
		Timestamp:         now,
	}
	for _, st := range scoring.Statuses {
		r.LeadQualification[st] = 0
	}

	for _, p := range profiles {
		r.Overview.TotalUsers++
		if now.Sub(p.LastInteraction) < activeWindow {
			r.Overview.ActiveUsers24h++
		}
		r.Overview.TotalInteractions += p.InteractionCount
		r.LeadQualification[p.QualificationStatus]++
		if p.QualificationStatus == scoring.StatusCustomer {
			r.Conversion.ConvertedUsers++
		}
	}

	if n := r.Overview.TotalUsers; n > 0 {
		r.Overview.AvgInteractionsPerUser = round2(float64(r.Overview.TotalInteractions) / float64(n))
		r.Conversion.ConversionRate = round2(float64(r.Conversion.ConvertedUsers) / float64(n) * 100)
	}
	return r
}

// Segment buckets each profile by the first matching rule: no interactions
// yet, high lead score, inactive for a week, otherwise needs nurturing.
func Segment(profiles []profile.UserProfile, now time.Time) Segments {
	s := Segments{
		HighValue:     []string{},
		NeedNurturing: []string{},
		AtRisk:        []string{},
		New:           []string{},
	}
	for _, p := range profiles {
		switch {
		case p.InteractionCount == 0:
			s.New = append(s.New, p.UserID)
		case p.LeadScore.Score >= highValueScore:
			s.HighValue = append(s.HighValue, p.UserID)
		case now.Sub(p.LastInteraction) > atRiskAfter:
			s.AtRisk = append(s.AtRisk, p.UserID)
		default:
			s.NeedNurturing = append(s.NeedNurturing, p.UserID)
		}
	}
	return s
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
