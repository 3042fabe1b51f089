// Package textx provides small text utilities used across the project.
package textx

import (
	"strings"
	"unicode"
)

// NormalizePrompt canonicalizes a user prompt: control characters are
// dropped, whitespace runs collapse to a single space, and the result is
// trimmed. Submissions that differ only in line endings or padding therefore
// share an idempotency fingerprint.
func NormalizePrompt(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pending := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			pending = true
		case unicode.IsControl(r):
			// not even a space; nothing a prompt legitimately needs
		default:
			if pending && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pending = false
			b.WriteRune(r)
		}
	}
	return b.String()
}
