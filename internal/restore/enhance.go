package restore

import (
	"sort"
	"strings"
)

const (
	// selectThreshold excludes kinds whose evidence is too weak to act on.
	selectThreshold = 0.3
	// maxSelected caps the instruction list so the provider prompt stays
	// focused on the dominant defects.
	maxSelected = 3

	maxPromptChars      = 1000
	truncatedPromptSize = 950

	qualitySentence  = "Preserve the subject's identity, composition and photographic character; keep textures realistic."
	severitySentence = "Severe degradation is present, prioritize faithful reconstruction over stylistic change."
	subtleSentence   = "Apply subtle overall enhancement only, without altering content or composition."
)

// Enhance composes the provider prompt from the caller's request and the
// classifier scores. The result never exceeds maxPromptChars runes.
func Enhance(userPrompt string, scores map[string]float64, tpl *Templates) string {
	type scored struct {
		kind  string
		score float64
	}
	selected := make([]scored, 0, len(scores))
	for kind, score := range scores {
		if score > selectThreshold {
			selected = append(selected, scored{kind: kind, score: score})
		}
	}
	sort.Slice(selected, func(i, j int) bool {
		if selected[i].score != selected[j].score {
			return selected[i].score > selected[j].score
		}
		return selected[i].kind < selected[j].kind
	})
	if len(selected) > maxSelected {
		selected = selected[:maxSelected]
	}

	var fragments []string
	severe := false
	for _, s := range selected {
		tier := severityTier(s.score)
		if tier == TierHigh {
			severe = true
		}
		if f, ok := tpl.Fragment(s.kind, tier); ok {
			fragments = append(fragments, f)
		}
	}

	var parts []string
	if trimmed := strings.TrimSpace(userPrompt); trimmed != "" {
		parts = append(parts, "User request: "+trimmed+".")
	}
	if len(fragments) > 0 {
		parts = append(parts, "Technical restoration: "+strings.Join(fragments, "; ")+".")
	}
	if len(parts) == 0 {
		parts = append(parts, subtleSentence)
	}
	parts = append(parts, qualitySentence)
	if severe {
		parts = append(parts, severitySentence)
	}

	out := strings.Join(parts, " ")
	if runes := []rune(out); len(runes) > maxPromptChars {
		out = string(runes[:truncatedPromptSize]) + "…"
	}
	return out
}

func severityTier(score float64) string {
	switch {
	case score < 0.5:
		return TierLow
	case score < 0.7:
		return TierMedium
	default:
		return TierHigh
	}
}
