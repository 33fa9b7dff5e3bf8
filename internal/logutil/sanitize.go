package logutil

import "strings"

// Sanitize strips control characters from caller-supplied identifiers
// (project IDs, session IDs from query params) before they reach the log
// stream, so a crafted value cannot forge log lines.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 32 || r == 127 {
			b.WriteRune(' ')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
