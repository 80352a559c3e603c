package logutil

import "strings"

// SanitizeForLog strips newlines and control characters from strings that
// originate on the remote side (SOCKS5 destinations, event payload fields)
// before they reach a log line, so a hostile peer cannot forge log entries.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 {
			b.WriteRune(r)
		}
	}
	return b.String()
}
