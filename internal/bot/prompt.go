package bot

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/leadbot/internal/llm"
	"github.com/kalambet/leadbot/internal/profile"
	"github.com/kalambet/leadbot/internal/retrieval"
)

const (
	defaultMaxContextTokens = 2000
	defaultHistoryTurns     = 3
)

// Composer assembles the chat messages for one reply: a system message with
// the bot persona, the client's instructions, the customer profile and the
// retrieved knowledge, then recent conversation turns and the new message.
type Composer struct {
	// MaxContextTokens bounds the profile and knowledge sections.
	MaxContextTokens int
	// HistoryTurns is how many past exchanges are replayed.
	HistoryTurns int
}

// NewComposer creates a Composer. If maxContextTokens <= 0, the default
// (2000) is used.
func NewComposer(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens, HistoryTurns: defaultHistoryTurns}
}

// PromptInput is everything a reply is conditioned on.
type PromptInput struct {
	SystemPrompt       string
	CustomInstructions string
	ProfileSummary     string
	Chunks             []retrieval.ContextChunk
	History            []profile.HistoryEntry
	Message            string
}

// Compose builds the message list for the LLM.
func (c *Composer) Compose(in PromptInput) []llm.Message {
	var sys strings.Builder
	sys.WriteString(strings.TrimSpace(in.SystemPrompt))
	if s := strings.TrimSpace(in.CustomInstructions); s != "" {
		sys.WriteString("\n\n")
		sys.WriteString(s)
	}
	if enrichment := c.buildEnrichment(in.Chunks, in.ProfileSummary); enrichment != "" {
		sys.WriteString("\n\n---\n\n")
		sys.WriteString(enrichment)
	}

	msgs := []llm.Message{{Role: llm.RoleSystem, Content: sys.String()}}

	history := in.History
	if n := c.HistoryTurns; n >= 0 && len(history) > n {
		history = history[len(history)-n:]
	}
	for _, h := range history {
		msgs = append(msgs,
			llm.Message{Role: llm.RoleUser, Content: h.Message},
			llm.Message{Role: llm.RoleAssistant, Content: h.Response},
		)
	}

	return append(msgs, llm.Message{Role: llm.RoleUser, Content: in.Message})
}

// buildEnrichment renders the profile and knowledge sections, dropping the
// lowest-scoring chunks first when over the token budget.
func (c *Composer) buildEnrichment(chunks []retrieval.ContextChunk, profileSummary string) string {
	var sb strings.Builder

	if profileSummary != "" {
		sb.WriteString("[Customer Profile]\n")
		sb.WriteString(profileSummary)
	}

	if len(chunks) == 0 {
		return sb.String()
	}

	sorted := make([]retrieval.ContextChunk, len(chunks))
	copy(sorted, chunks)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	contextHeader := "\n\n[Knowledge Base]\n"
	if sb.Len() == 0 {
		contextHeader = "[Knowledge Base]\n"
	}
	remaining := c.MaxContextTokens - EstimateTokens(sb.String()) - EstimateTokens(contextHeader)

	var selected []string
	for _, ch := range sorted {
		entry := formatChunk(ch)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			continue
		}
		selected = append(selected, entry)
		remaining -= tokens
	}

	if len(selected) > 0 {
		sb.WriteString(contextHeader)
		for _, entry := range selected {
			sb.WriteString(entry)
		}
	}

	return strings.TrimRight(sb.String(), "\n")
}

func formatChunk(ch retrieval.ContextChunk) string {
	return fmt.Sprintf("(Score: %.2f, Document: %s)\n%s\n\n", ch.Score, ch.DocumentID, ch.Text)
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
