package profile

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// maxSummaryChars caps the summary to stay under ~200 tokens (4 chars/token).
const maxSummaryChars = 800

// Summary renders a compact description of the profile for injection into a
// system prompt.
func Summary(p UserProfile) string {
	var parts []string

	if p.Name != "" {
		parts = append(parts, fmt.Sprintf("Customer name: %s.", p.Name))
	}
	if p.InteractionCount > 0 {
		parts = append(parts, fmt.Sprintf("Previous messages: %d.", p.InteractionCount))
	}
	if p.QualificationStatus != "" {
		parts = append(parts, fmt.Sprintf("Lead stage: %s (score %d).", p.QualificationStatus, p.LeadScore.Score))
	}
	if len(p.ProductInterests) > 0 {
		parts = append(parts, fmt.Sprintf("Interested in: %s.", strings.Join(p.ProductInterests, ", ")))
	}

	if len(parts) == 0 {
		return ""
	}

	summary := strings.Join(parts, " ")
	if len(summary) > maxSummaryChars {
		// Ensure we don't split a multi-byte UTF-8 character.
		end := maxSummaryChars
		for end > 0 && !utf8.RuneStart(summary[end]) {
			end--
		}
		if idx := strings.LastIndex(summary[:end], " "); idx > 0 {
			summary = summary[:idx]
		} else {
			summary = summary[:end]
		}
	}
	return summary
}
