// Package rows turns raw clip and event records into compact anchor rows,
// the only view of the day's activity that generation prompts see.
package rows

import (
	"strconv"
	"strings"
	"time"
)

type Clip struct {
	ID              string  `json:"id"`
	Slug            string  `json:"slug,omitempty"`
	Title           string  `json:"title"`
	URL             string  `json:"url"`
	BroadcasterName string  `json:"broadcaster_name"`
	CreatedAt       string  `json:"created_at"`
	Transcript      string  `json:"transcript,omitempty"`
	Duration        float64 `json:"duration,omitempty"`
	ViewCount       int     `json:"view_count,omitempty"`
	Language        string  `json:"language,omitempty"`
}

type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Repo      string         `json:"repo"`
	Actor     string         `json:"actor"`
	CreatedAt string         `json:"created_at"`
	Details   map[string]any `json:"details,omitempty"`
	URL       string         `json:"url,omitempty"`
	Title     string         `json:"title,omitempty"`
	Body      string         `json:"body,omitempty"`
}

const (
	EventPullRequest              = "PullRequestEvent"
	EventPush                     = "PushEvent"
	EventIssueComment             = "IssueCommentEvent"
	EventPullRequestReviewComment = "PullRequestReviewCommentEvent"
	EventPullRequestReview        = "PullRequestReviewEvent"
)

type Kind string

const (
	KindEvent Kind = "event"
	KindClip  Kind = "clip"
)

// AnchorRow is the fixed-schema compact view of one event or clip. Anchor is
// unique within one generation run.
type AnchorRow struct {
	Anchor       string   `json:"anchor"`
	Kind         Kind     `json:"kind"`
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Excerpt      string   `json:"excerpt,omitempty"`
	Quote        string   `json:"quote,omitempty"`
	Type         string   `json:"type,omitempty"`
	Repo         string   `json:"repo,omitempty"`
	Branch       string   `json:"branch,omitempty"`
	URL          string   `json:"url,omitempty"`
	Views        int      `json:"views,omitempty"`
	Duration     float64  `json:"duration,omitempty"`
	Numbers      []string `json:"numbers,omitempty"`
	Errors       []string `json:"errors,omitempty"`
	ConfigValues []string `json:"config_values,omitempty"`
	KeyCommit    string   `json:"key_commit,omitempty"`
	CreatedAt    string   `json:"created_at,omitempty"`
}

const (
	ClipTitleLimit  = 120
	EventTitleLimit = 140
	ExcerptLimit    = 280
	maxNumbers      = 5
	maxErrors       = 2
	maxConfigValues = 3
)

func ClipAnchor(id string) string  { return "[CLIP:" + id + "]" }
func EventAnchor(id string) string { return "[EVENT:" + id + "]" }

// Truncate shortens s to at most limit runes, marking the cut with "...".
func Truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	if limit <= 3 {
		return string(runes[:limit])
	}
	return strings.TrimSpace(string(runes[:limit-3])) + "..."
}

// SplitSentences splits on '.', '!' or '?' followed by whitespace or the end
// of the text.
func SplitSentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		if i+1 < len(text) && !isSpace(text[i+1]) {
			continue
		}
		if s := strings.TrimSpace(text[start : i+1]); s != "" {
			out = append(out, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\t' || c == '\r'
}

func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func detailString(d map[string]any, key string) string {
	switch v := d[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	}
	return ""
}

func detailBool(d map[string]any, key string) bool {
	switch v := d[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	}
	return false
}

func detailStrings(d map[string]any, key string) []string {
	switch v := d[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			switch it := item.(type) {
			case string:
				out = append(out, it)
			case map[string]any:
				if msg, ok := it["message"].(string); ok {
					out = append(out, msg)
				} else if sha, ok := it["sha"].(string); ok {
					out = append(out, sha)
				}
			}
		}
		return out
	}
	return nil
}
