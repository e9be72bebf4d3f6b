package jsonrepair

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Pass is one named repair. Each pass targets a single kind of malformation
// and leaves valid JSON unchanged.
type Pass struct {
	Name    string
	Targets string
	Apply   func(string) string
}

// Passes returns the repair passes in the order Extract applies them.
func Passes() []Pass {
	return []Pass{
		{Name: "escape_string_controls", Targets: "raw control characters inside string literals, stray ones outside", Apply: escapeStringControls},
		{Name: "strip_disallowed_runes", Targets: "BOM, zero-width, C1 control and invalid UTF-8 sequences", Apply: stripDisallowedRunes},
		{Name: "trailing_commas", Targets: "a comma directly before } or ]", Apply: removeTrailingCommas},
		{Name: "quote_bare_keys", Targets: "unquoted keys such as anchors_used: [] or char_count 123", Apply: quoteBareKeys},
		{Name: "delimiter_substitution", Targets: "! or # used in place of a double quote", Apply: substituteDelimiters},
	}
}

func escapeStringControls(s string) string {
	var out strings.Builder
	out.Grow(len(s))
	inString := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case c == '\\' && i+1 < len(s):
				out.WriteByte(c)
				out.WriteByte(s[i+1])
				i++
			case c == '"':
				inString = false
				out.WriteByte(c)
			case c == '\n':
				out.WriteString(`\n`)
			case c == '\r':
				out.WriteString(`\r`)
			case c == '\t':
				out.WriteString(`\t`)
			case c < 0x20:
				fmt.Fprintf(&out, `\u%04x`, c)
			case c == 0x7f:
			default:
				out.WriteByte(c)
			}
			continue
		}
		switch {
		case c == '"':
			inString = true
			out.WriteByte(c)
		case c == '\n' || c == '\r' || c == '\t':
			out.WriteByte(c)
		case c < 0x20 || c == 0x7f:
		default:
			out.WriteByte(c)
		}
	}
	return out.String()
}

func stripDisallowedRunes(s string) string {
	var out strings.Builder
	out.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		switch {
		case r == utf8.RuneError && size == 1:
		case r == '\ufeff', r == '\u200b', r == '\u200c', r == '\u200d', r == '\u2060':
		case r >= 0x80 && r <= 0x9f:
		default:
			out.WriteRune(r)
		}
	}
	return out.String()
}

var trailingComma = regexp.MustCompile(`,(\s*[}\]])`)

func removeTrailingCommas(s string) string {
	return mapOutsideStrings(s, func(seg string) string {
		return trailingComma.ReplaceAllString(seg, "$1")
	})
}

var (
	bareKeyColon = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)
	bareKeySpace = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s+([\[{\-0-9])`)
)

func quoteBareKeys(s string) string {
	return mapOutsideStrings(s, func(seg string) string {
		seg = bareKeyColon.ReplaceAllString(seg, `$1"$2":`)
		return bareKeySpace.ReplaceAllStringFunc(seg, func(m string) string {
			sub := bareKeySpace.FindStringSubmatch(m)
			switch sub[2] {
			case "true", "false", "null":
				return m
			}
			return sub[1] + `"` + sub[2] + `": ` + sub[3]
		})
	})
}

var substitutedDelimiters = []*regexp.Regexp{
	regexp.MustCompile(`([{\[,:]\s*)!([^!"{}\[\]\n]*)!(\s*[:,}\]])`),
	regexp.MustCompile(`([{\[,:]\s*)#([^#"{}\[\]\n]*)#(\s*[:,}\]])`),
}

func substituteDelimiters(s string) string {
	return mapOutsideStrings(s, func(seg string) string {
		for _, re := range substitutedDelimiters {
			// Adjacent tokens share a delimiter character, so one pass can
			// miss every second token.
			for i := 0; i < 4; i++ {
				next := re.ReplaceAllStringFunc(seg, func(m string) string {
					sub := re.FindStringSubmatch(m)
					quoted, _ := json.Marshal(sub[2])
					return sub[1] + string(quoted) + sub[3]
				})
				if next == seg {
					break
				}
				seg = next
			}
		}
		return seg
	})
}
