package jsonrepair

import "strings"

// mapOutsideStrings applies fn to every region of s that is not inside a
// double-quoted JSON string literal. String literals, including their quotes
// and escapes, are copied through untouched. An unterminated literal runs to
// the end of s.
func mapOutsideStrings(s string, fn func(string) string) string {
	var out strings.Builder
	out.Grow(len(s))
	start := 0
	i := 0
	for i < len(s) {
		if s[i] != '"' {
			i++
			continue
		}
		out.WriteString(fn(s[start:i]))
		end := stringEnd(s, i)
		out.WriteString(s[i:end])
		i = end
		start = end
	}
	out.WriteString(fn(s[start:]))
	return out.String()
}

// stringEnd returns the index just past the closing quote of the literal
// opening at s[open], or len(s) when it never closes.
func stringEnd(s string, open int) int {
	for j := open + 1; j < len(s); j++ {
		switch s[j] {
		case '\\':
			j++
		case '"':
			return j + 1
		}
	}
	return len(s)
}

// ScanObject finds the first '{' and returns the substring up to its matching
// '}', ignoring braces inside string literals.
func ScanObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '"':
			i = stringEnd(s, i) - 1
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
