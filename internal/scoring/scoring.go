package scoring

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Status is a lead's funnel stage.
type Status string

const (
	StatusNew             Status = "new"
	StatusInvestigating   Status = "investigating"
	StatusQualified       Status = "qualified"
	StatusHighlyQualified Status = "highly_qualified"
	StatusCustomer        Status = "customer"
)

// Statuses lists every funnel stage in ladder order.
var Statuses = []Status{
	StatusNew,
	StatusInvestigating,
	StatusQualified,
	StatusHighlyQualified,
	StatusCustomer,
}

// ParseStatus validates s against the known funnel stages.
func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses {
		if string(st) == strings.ToLower(strings.TrimSpace(s)) {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown qualification status %q", s)
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	st, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

const (
	MinScore = 0
	MaxScore = 100

	// Confidence is attached to every computed score. It is not adaptive.
	Confidence = 0.8

	engagementThreshold = 10
	engagementBonus     = 2
	intentBonus         = 5

	ReasonHighEngagement = "High engagement"
	ReasonBuyingIntent   = "Showing buying intent"
)

var buyingSignals = []string{"price", "cost", "buy", "purchase", "interested", "demo"}

// LeadScore is the persisted scoring state of a profile.
type LeadScore struct {
	Score      int      `json:"score"`
	Reasons    []string `json:"reasons"`
	Confidence float64  `json:"confidence"`
}

// Input carries the profile state the rules read.
type Input struct {
	InteractionCount int
	CurrentScore     int
	CurrentStatus    Status
	Message          string
}

// Result is the outcome of scoring one interaction.
type Result struct {
	LeadScore
	Status Status
}

// Score applies the additive rules to the clamped current score, clamps the sum to
// [MinScore, MaxScore] and derives the qualification status from the clamped
// value. When no threshold is reached the current status is kept.
func Score(in Input) Result {
	score := Clamp(in.CurrentScore)
	reasons := []string{}

	if in.InteractionCount > engagementThreshold {
		score += engagementBonus
		reasons = append(reasons, ReasonHighEngagement)
	}
	if HasBuyingIntent(in.Message) {
		score += intentBonus
		reasons = append(reasons, ReasonBuyingIntent)
	}

	score = Clamp(score)
	return Result{
		LeadScore: LeadScore{
			Score:      score,
			Reasons:    reasons,
			Confidence: Confidence,
		},
		Status: Qualify(score, in.CurrentStatus),
	}
}

// HasBuyingIntent reports whether message contains any buying signal,
// case-insensitively and as a substring.
func HasBuyingIntent(message string) bool {
	lower := strings.ToLower(message)
	for _, s := range buyingSignals {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// Qualify maps a score onto the threshold ladder. Below the lowest threshold
// the current status is returned unchanged.
func Qualify(score int, current Status) Status {
	switch {
	case score >= 80:
		return StatusHighlyQualified
	case score >= 60:
		return StatusQualified
	case score >= 30:
		return StatusInvestigating
	}
	if current == "" {
		return StatusNew
	}
	return current
}

func Clamp(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}
