package llm

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const DefaultRedactLimit = 200

var (
	redactURL   = regexp.MustCompile(`(?i)\b(?:https?|ftp)://[^\s"'<>]+`)
	redactEmail = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	redactToken = regexp.MustCompile(`[A-Za-z0-9_\-]{24,}`)
)

// Redact masks URLs, emails and long opaque tokens, then truncates the
// result to at most limit runes.
func Redact(s string, limit int) string {
	if limit <= 0 {
		limit = DefaultRedactLimit
	}
	out := redactURL.ReplaceAllString(s, "[url]")
	out = redactEmail.ReplaceAllString(out, "[email]")
	out = redactToken.ReplaceAllString(out, "[token]")
	out = strings.Join(strings.Fields(out), " ")
	if utf8.RuneCountInString(out) <= limit {
		return out
	}
	runes := []rune(out)
	return string(runes[:limit]) + "...[truncated]"
}
