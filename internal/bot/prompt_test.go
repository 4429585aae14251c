package bot

import (
	"strings"
	"testing"
	"time"

	"github.com/kalambet/leadbot/internal/llm"
	"github.com/kalambet/leadbot/internal/profile"
	"github.com/kalambet/leadbot/internal/retrieval"
)

func TestCompose_SystemPromptOnly(t *testing.T) {
	c := NewComposer(0)
	msgs := c.Compose(PromptInput{SystemPrompt: "Be brief.", Message: "hello"})

	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != llm.RoleSystem || msgs[0].Content != "Be brief." {
		t.Errorf("system = %+v", msgs[0])
	}
	if msgs[1].Role != llm.RoleUser || msgs[1].Content != "hello" {
		t.Errorf("user = %+v", msgs[1])
	}
}

func TestCompose_InstructionsAndProfile(t *testing.T) {
	c := NewComposer(0)
	msgs := c.Compose(PromptInput{
		SystemPrompt:       "Be brief.",
		CustomInstructions: "Mention the open house on Friday.",
		ProfileSummary:     "Customer name: Ana.",
		Message:            "hi",
	})

	sys := msgs[0].Content
	for _, want := range []string{"Be brief.", "Mention the open house", "[Customer Profile]\nCustomer name: Ana."} {
		if !strings.Contains(sys, want) {
			t.Errorf("system message missing %q:\n%s", want, sys)
		}
	}
	if strings.Index(sys, "Be brief.") > strings.Index(sys, "open house") {
		t.Error("custom instructions should follow the base prompt")
	}
}

func TestCompose_ChunksOrderedByScore(t *testing.T) {
	c := NewComposer(0)
	chunks := []retrieval.ContextChunk{
		{ID: "1", DocumentID: "doc1", Text: "chunk one text", Score: 0.5},
		{ID: "2", DocumentID: "doc2", Text: "chunk two text", Score: 0.9},
	}

	sys := c.Compose(PromptInput{Chunks: chunks, Message: "q"})[0].Content
	if !strings.Contains(sys, "chunk one text") || !strings.Contains(sys, "chunk two text") {
		t.Fatalf("system message missing chunks: %s", sys)
	}
	if strings.Index(sys, "chunk two text") > strings.Index(sys, "chunk one text") {
		t.Errorf("higher-scoring chunk should appear first")
	}
}

func TestBuildEnrichment_TokenBudget(t *testing.T) {
	c := NewComposer(50)

	chunks := make([]retrieval.ContextChunk, 20)
	for i := range chunks {
		chunks[i] = retrieval.ContextChunk{
			ID:         "id",
			DocumentID: "doc",
			Text:       strings.Repeat("x", 100),
			Score:      float32(20-i) / 20.0,
		}
	}

	if tokens := EstimateTokens(c.buildEnrichment(chunks, "")); tokens > 50 {
		t.Errorf("enrichment exceeds token budget: %d tokens", tokens)
	}
}

func TestBuildEnrichment_LowestScoringChunkDropped(t *testing.T) {
	// Budget allows profile + one chunk but not two.
	c := NewComposer(60)
	chunks := []retrieval.ContextChunk{
		{ID: "a", DocumentID: "a", Text: strings.Repeat("A", 80), Score: 0.9},
		{ID: "b", DocumentID: "b", Text: strings.Repeat("B", 80), Score: 0.5},
	}

	got := c.buildEnrichment(chunks, "short")
	if !strings.Contains(got, strings.Repeat("A", 80)) {
		t.Error("expected high-scoring chunk A to be kept")
	}
	if strings.Contains(got, strings.Repeat("B", 80)) {
		t.Error("expected low-scoring chunk B to be dropped")
	}
}

func TestCompose_HistoryTrimmed(t *testing.T) {
	c := NewComposer(0)
	var history []profile.HistoryEntry
	for i := range 5 {
		history = append(history, profile.HistoryEntry{
			Timestamp: time.Unix(int64(i), 0),
			Message:   "q" + string(rune('0'+i)),
			Response:  "a" + string(rune('0'+i)),
		})
	}

	msgs := c.Compose(PromptInput{History: history, Message: "new"})
	// system + 3 exchanges + new message
	if len(msgs) != 8 {
		t.Fatalf("got %d messages, want 8", len(msgs))
	}
	if msgs[1].Content != "q2" || msgs[2].Content != "a2" || msgs[6].Content != "a4" {
		t.Errorf("history = %+v", msgs[1:7])
	}
	if msgs[7].Content != "new" {
		t.Errorf("last = %+v", msgs[7])
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		input string
		want  int
	}{
		{"hello world", 3},
		{"", 0},
		{"abcd", 1},
		{"abcde", 2},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.input); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}
