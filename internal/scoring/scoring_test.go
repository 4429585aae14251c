package scoring

import (
	"encoding/json"
	"math"
	"slices"
	"testing"
)

func TestScore_BuyingIntentFromEmpty(t *testing.T) {
	res := Score(Input{Message: "what is the price?"})

	if res.Score != 5 {
		t.Errorf("Score = %d, want 5", res.Score)
	}
	if res.Status != StatusNew {
		t.Errorf("Status = %q, want %q", res.Status, StatusNew)
	}
	if !slices.Equal(res.Reasons, []string{ReasonBuyingIntent}) {
		t.Errorf("Reasons = %v", res.Reasons)
	}
	if res.Confidence != 0.8 {
		t.Errorf("Confidence = %v, want 0.8", res.Confidence)
	}
}

func TestScore_BothBonuses(t *testing.T) {
	res := Score(Input{
		InteractionCount: 11,
		CurrentScore:     75,
		CurrentStatus:    StatusQualified,
		Message:          "I want to buy now",
	})

	if res.Score != 82 {
		t.Errorf("Score = %d, want 82", res.Score)
	}
	if res.Status != StatusHighlyQualified {
		t.Errorf("Status = %q, want %q", res.Status, StatusHighlyQualified)
	}
	want := []string{ReasonHighEngagement, ReasonBuyingIntent}
	if !slices.Equal(res.Reasons, want) {
		t.Errorf("Reasons = %v, want %v", res.Reasons, want)
	}
}

func TestScore_KeywordsCaseInsensitive(t *testing.T) {
	for _, msg := range []string{"PRICE", "Cost?", "can I BUY", "Purchase order", "I'm Interested", "book a DEMO", "priceless"} {
		res := Score(Input{CurrentScore: 10, Message: msg})
		if res.Score != 15 {
			t.Errorf("Score(%q) = %d, want 15", msg, res.Score)
		}
		if !slices.Contains(res.Reasons, ReasonBuyingIntent) {
			t.Errorf("Score(%q) reasons = %v, missing buying intent", msg, res.Reasons)
		}
	}
}

func TestScore_NoSignals(t *testing.T) {
	res := Score(Input{InteractionCount: 10, CurrentScore: 42, CurrentStatus: StatusInvestigating, Message: "hello there"})

	if res.Score != 42 {
		t.Errorf("Score = %d, want 42", res.Score)
	}
	if len(res.Reasons) != 0 {
		t.Errorf("Reasons = %v, want empty", res.Reasons)
	}
	if res.Status != StatusInvestigating {
		t.Errorf("Status = %q", res.Status)
	}
}

func TestScore_EngagementOnlyAboveTen(t *testing.T) {
	if got := Score(Input{InteractionCount: 10}).Score; got != 0 {
		t.Errorf("count=10: Score = %d, want 0", got)
	}
	if got := Score(Input{InteractionCount: 11}).Score; got != 2 {
		t.Errorf("count=11: Score = %d, want 2", got)
	}
}

func TestScore_Clamped(t *testing.T) {
	tests := []struct {
		name    string
		current int
		count   int
		want    int
		status  Status
	}{
		{"at cap", 100, 20, 100, StatusHighlyQualified},
		{"overflow", 97, 20, 100, StatusHighlyQualified},
		{"exactly 80", 73, 11, 80, StatusHighlyQualified},
		{"just below 80", 72, 11, 79, StatusQualified},
		{"negative input", -50, 0, 0, StatusNew},
		{"negative starts from zero", -3, 0, 5, StatusNew},
		{"huge input", 1 << 30, 0, 100, StatusHighlyQualified},
		{"max int", math.MaxInt, 20, 100, StatusHighlyQualified},
		{"min int", math.MinInt, 20, 7, StatusNew},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Score(Input{InteractionCount: tt.count, CurrentScore: tt.current, Message: "demo please"})
			if res.Score != tt.want {
				t.Errorf("Score = %d, want %d", res.Score, tt.want)
			}
			if res.Score < MinScore || res.Score > MaxScore {
				t.Errorf("Score %d out of range", res.Score)
			}
			if res.Status != tt.status {
				t.Errorf("Status = %q, want %q", res.Status, tt.status)
			}
		})
	}
}

func TestQualify_Ladder(t *testing.T) {
	tests := []struct {
		score   int
		current Status
		want    Status
	}{
		{0, "", StatusNew},
		{29, StatusNew, StatusNew},
		{29, StatusQualified, StatusQualified},
		{30, StatusNew, StatusInvestigating},
		{59, StatusNew, StatusInvestigating},
		{60, StatusNew, StatusQualified},
		{79, StatusNew, StatusQualified},
		{80, StatusNew, StatusHighlyQualified},
		{100, StatusNew, StatusHighlyQualified},
		{10, StatusCustomer, StatusCustomer},
	}
	for _, tt := range tests {
		if got := Qualify(tt.score, tt.current); got != tt.want {
			t.Errorf("Qualify(%d, %q) = %q, want %q", tt.score, tt.current, got, tt.want)
		}
	}
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus(" Customer ")
	if err != nil {
		t.Fatalf("ParseStatus: %v", err)
	}
	if st != StatusCustomer {
		t.Errorf("got %q", st)
	}
	if _, err := ParseStatus("vip"); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestStatus_UnmarshalRejectsUnknown(t *testing.T) {
	var st Status
	if err := json.Unmarshal([]byte(`"qualified"`), &st); err != nil || st != StatusQualified {
		t.Fatalf("unmarshal qualified: %v %q", err, st)
	}
	if err := json.Unmarshal([]byte(`"gold"`), &st); err == nil {
		t.Error("expected error for unknown status")
	}
}
