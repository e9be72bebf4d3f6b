package rows

import (
	"net/url"
	"path"
	"regexp"
	"strings"
)

var lowValuePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^update\s+`),
	regexp.MustCompile(`^fix\s+`),
	regexp.MustCompile(`^bump\s+`),
	regexp.MustCompile(`^chore\s*:`),
	regexp.MustCompile(`^style\s*:`),
	regexp.MustCompile(`^refactor\s*:`),
	regexp.MustCompile(`^clean\s+`),
	regexp.MustCompile(`^remove\s+`),
	regexp.MustCompile(`^delete\s+`),
	regexp.MustCompile(`^merge\s+`),
	regexp.MustCompile(`^resolve\s+`),
	regexp.MustCompile(`^wip\b`),
	regexp.MustCompile(`^update\s+.*\.(json|md|txt|yml|yaml|lock)`),
}

var (
	numberPattern = regexp.MustCompile(`\b\d+(?:\.\d+)?(?:ms|s|x|k|kb|mb|gb)?\b%?`)
	errorPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b[A-Za-z]*(?:Error|Exception)\b(?::\s*[^\n.]{1,80})?`),
		regexp.MustCompile(`(?i)\b(?:timeout|timed out|panic|segfault|deadlock|crash(?:ed)?|failed)\b[^\n.]{0,60}`),
	}
	configPattern = regexp.MustCompile(`\b[A-Z][A-Z0-9]*_[A-Z0-9_]+(?:=[^\s,;]+)?`)
)

// IsLowValueCommit reports whether a commit message is routine noise.
func IsLowValueCommit(message string) bool {
	m := strings.ToLower(strings.TrimSpace(message))
	for _, p := range lowValuePatterns {
		if p.MatchString(m) {
			return true
		}
	}
	return false
}

// KeyCommit picks the first message that is not low-value, falling back to
// the first non-empty message.
func KeyCommit(messages []string) string {
	first := ""
	for _, m := range messages {
		m = firstLine(m)
		if m == "" {
			continue
		}
		if first == "" {
			first = m
		}
		if !IsLowValueCommit(m) {
			return m
		}
	}
	return first
}

func BuildClipRows(clips []Clip) []AnchorRow {
	out := make([]AnchorRow, 0, len(clips))
	seen := map[string]bool{}
	for _, c := range clips {
		id := clipID(c)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, AnchorRow{
			Anchor:    ClipAnchor(id),
			Kind:      KindClip,
			ID:        id,
			Title:     Truncate(c.Title, ClipTitleLimit),
			Excerpt:   Truncate(c.Transcript, ExcerptLimit),
			Quote:     clipQuote(c.Transcript),
			URL:       strings.TrimSpace(c.URL),
			Views:     c.ViewCount,
			Duration:  c.Duration,
			Numbers:   extractNumbers(c.Title + " " + c.Transcript),
			CreatedAt: c.CreatedAt,
		})
	}
	return out
}

func clipID(c Clip) string {
	if id := strings.TrimSpace(c.ID); id != "" {
		return id
	}
	if slug := strings.TrimSpace(c.Slug); slug != "" {
		return slug
	}
	raw := strings.TrimSpace(c.URL)
	if raw == "" {
		return ""
	}
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		if base := path.Base(strings.TrimSuffix(u.Path, "/")); base != "/" && base != "." {
			return base
		}
	}
	return ""
}

// clipQuote returns the first transcript sentence of 20 to 119 characters.
func clipQuote(transcript string) string {
	for _, s := range SplitSentences(transcript) {
		n := len([]rune(s))
		if n >= 20 && n < 120 {
			return s
		}
	}
	return ""
}

func BuildEventRows(events []Event) []AnchorRow {
	out := make([]AnchorRow, 0, len(events))
	seen := map[string]bool{}
	for _, e := range events {
		if !includeEvent(e) {
			continue
		}
		id := strings.TrimSpace(e.ID)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		messages := detailStrings(e.Details, "commit_messages")
		key := KeyCommit(messages)
		title := strings.TrimSpace(e.Title)
		if title == "" {
			title = detailString(e.Details, "title")
		}
		if title == "" && e.Type == EventPush {
			title = key
		}
		body := strings.TrimSpace(e.Body)
		if body == "" {
			body = detailString(e.Details, "body")
		}
		text := strings.Join(append([]string{title, body}, messages...), "\n")

		out = append(out, AnchorRow{
			Anchor:       EventAnchor(id),
			Kind:         KindEvent,
			ID:           id,
			Title:        Truncate(title, EventTitleLimit),
			Excerpt:      Truncate(body, ExcerptLimit),
			Type:         e.Type,
			Repo:         e.Repo,
			Branch:       detailString(e.Details, "branch"),
			URL:          EventURL(e),
			Numbers:      extractNumbers(text),
			Errors:       extractErrors(text),
			ConfigValues: extractConfigValues(text),
			KeyCommit:    Truncate(key, EventTitleLimit),
			CreatedAt:    e.CreatedAt,
		})
	}
	return out
}

func includeEvent(e Event) bool {
	switch e.Type {
	case EventPullRequest:
		return detailBool(e.Details, "merged")
	case EventPush, EventIssueComment, EventPullRequestReviewComment, EventPullRequestReview:
		return true
	}
	return false
}

// EventURL derives a navigable link for an event, falling back to the
// repository activity listing when no specific identifier is known.
func EventURL(e Event) string {
	repo := strings.Trim(strings.TrimSpace(e.Repo), "/")
	base := "https://github.com/" + repo
	number := detailString(e.Details, "number")
	switch e.Type {
	case EventPush:
		if sha := pushSHA(e.Details); sha != "" && repo != "" {
			return base + "/commit/" + sha
		}
	case EventPullRequest, EventPullRequestReview, EventPullRequestReviewComment:
		if number != "" && repo != "" {
			return base + "/pull/" + number
		}
	case EventIssueComment:
		if number != "" && repo != "" {
			return base + "/issues/" + number
		}
	}
	if u := strings.TrimSpace(e.URL); u != "" {
		return u
	}
	if repo == "" {
		return "https://github.com"
	}
	return base + "/activity"
}

func pushSHA(d map[string]any) string {
	for _, key := range []string{"head", "sha", "after"} {
		if v := detailString(d, key); v != "" {
			return v
		}
	}
	if shas := detailStrings(d, "commit_shas"); len(shas) > 0 {
		return shas[0]
	}
	return ""
}

func extractNumbers(text string) []string {
	return uniqueMatches([]*regexp.Regexp{numberPattern}, text, maxNumbers)
}

func extractErrors(text string) []string {
	return uniqueMatches(errorPatterns, text, maxErrors)
}

func extractConfigValues(text string) []string {
	return uniqueMatches([]*regexp.Regexp{configPattern}, text, maxConfigValues)
}

func uniqueMatches(patterns []*regexp.Regexp, text string, limit int) []string {
	var out []string
	seen := map[string]bool{}
	for _, p := range patterns {
		for _, m := range p.FindAllString(text, -1) {
			m = strings.TrimSpace(m)
			if m == "" || seen[m] {
				continue
			}
			seen[m] = true
			out = append(out, m)
			if len(out) == limit {
				return out
			}
		}
	}
	return out
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
