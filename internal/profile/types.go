package profile

import (
	"time"

	"github.com/kalambet/leadbot/internal/scoring"
)

// MaxHistory is the number of most recent exchanges kept per profile.
const MaxHistory = 10

// UserProfile is the engagement record of one phone number within one client.
type UserProfile struct {
	UserID              string            `json:"user_id"`
	ClientID            string            `json:"client_id"`
	Name                string            `json:"name,omitempty"`
	InteractionCount    int               `json:"interaction_count"`
	LastInteraction     time.Time         `json:"last_interaction"`
	ConversationHistory []HistoryEntry    `json:"conversation_history"`
	ProductInterests    []string          `json:"product_interests"`
	LeadScore           scoring.LeadScore `json:"lead_score"`
	QualificationStatus scoring.Status    `json:"qualification_status"`
}

// HistoryEntry is one inbound message and the reply sent for it.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Response  string    `json:"response"`
}

// Interaction is the input of Store.Ingest.
type Interaction struct {
	ClientID string
	UserID   string
	// Name is only used when the profile does not exist yet.
	Name              string
	Message           string
	Response          string
	DetectedInterests []string
}

func newProfile(clientID, userID, name string, now time.Time) *UserProfile {
	return &UserProfile{
		UserID:              userID,
		ClientID:            clientID,
		Name:                name,
		LastInteraction:     now,
		ConversationHistory: []HistoryEntry{},
		ProductInterests:    []string{},
		LeadScore:           scoring.LeadScore{Reasons: []string{}},
		QualificationStatus: scoring.StatusNew,
	}
}

func copyProfile(p *UserProfile) UserProfile {
	cp := *p
	cp.ConversationHistory = append([]HistoryEntry(nil), p.ConversationHistory...)
	cp.ProductInterests = append([]string(nil), p.ProductInterests...)
	cp.LeadScore.Reasons = append([]string(nil), p.LeadScore.Reasons...)
	if cp.ConversationHistory == nil {
		cp.ConversationHistory = []HistoryEntry{}
	}
	if cp.ProductInterests == nil {
		cp.ProductInterests = []string{}
	}
	if cp.LeadScore.Reasons == nil {
		cp.LeadScore.Reasons = []string{}
	}
	return cp
}
