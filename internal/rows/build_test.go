package rows

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildClipRows(t *testing.T) {
	clips := []Clip{
		{ID: "abc", Title: "Timeout hunt", URL: "https://clips.twitch.tv/abc", Transcript: "Short. This is a great clip about timeouts. Another one here.", ViewCount: 12, Duration: 31},
		{Slug: "FunnySlug", Title: strings.Repeat("t", 200)},
		{URL: "https://clips.twitch.tv/UrlSuffix/?tt_medium=x"},
		{ID: "abc", Title: "duplicate"},
		{},
	}
	rows := BuildClipRows(clips)
	require.Len(t, rows, 3)

	assert.Equal(t, "[CLIP:abc]", rows[0].Anchor)
	assert.Equal(t, KindClip, rows[0].Kind)
	assert.Equal(t, "This is a great clip about timeouts.", rows[0].Quote)
	assert.Equal(t, 12, rows[0].Views)

	assert.Equal(t, "[CLIP:FunnySlug]", rows[1].Anchor)
	assert.Len(t, []rune(rows[1].Title), ClipTitleLimit)
	assert.True(t, strings.HasSuffix(rows[1].Title, "..."))

	assert.Equal(t, "[CLIP:UrlSuffix]", rows[2].Anchor)
}

func TestClipQuoteBounds(t *testing.T) {
	assert.Equal(t, "", clipQuote("Too short. Also short!"))
	long := strings.Repeat("word ", 30) + "end."
	assert.Equal(t, "", clipQuote(long))
	exactly20 := "abcdefghij klmnopqr."
	require.Len(t, exactly20, 20)
	assert.Equal(t, exactly20, clipQuote("Hi. "+exactly20))
}

func TestClipExcerptTruncated(t *testing.T) {
	rows := BuildClipRows([]Clip{{ID: "x", Transcript: strings.Repeat("a", 1000)}})
	require.Len(t, rows, 1)
	assert.Len(t, []rune(rows[0].Excerpt), ExcerptLimit)
}

func TestBuildEventRowsFiltersTypes(t *testing.T) {
	events := []Event{
		{ID: "111", Type: EventPullRequest, Repo: "me/app", Title: "Fix timeout bug", Details: map[string]any{"merged": true, "number": float64(42)}},
		{ID: "112", Type: EventPullRequest, Repo: "me/app", Title: "Unmerged", Details: map[string]any{"merged": false, "number": float64(43)}},
		{ID: "113", Type: EventPush, Repo: "me/app", Details: map[string]any{"head": "deadbeef", "branch": "main", "commit_messages": []any{"update readme.md", "Add retry budget for AI_MAX_TOKENS=4000 (3 attempts)"}}},
		{ID: "114", Type: EventIssueComment, Repo: "me/app", Body: "Still seeing TimeoutError: read deadline after 30s", Details: map[string]any{"number": "7"}},
		{ID: "115", Type: EventPullRequestReviewComment, Repo: "me/app", Details: map[string]any{"number": 9}},
		{ID: "116", Type: EventPullRequestReview, Repo: "me/app"},
		{ID: "117", Type: "WatchEvent", Repo: "me/app"},
		{ID: "118", Type: "CreateEvent", Repo: "me/app"},
	}
	rows := BuildEventRows(events)
	var anchors []string
	for _, r := range rows {
		anchors = append(anchors, r.Anchor)
	}
	assert.Equal(t, []string{"[EVENT:111]", "[EVENT:113]", "[EVENT:114]", "[EVENT:115]", "[EVENT:116]"}, anchors)

	assert.Equal(t, "https://github.com/me/app/pull/42", rows[0].URL)
	assert.Equal(t, "Fix timeout bug", rows[0].Title)

	push := rows[1]
	assert.Equal(t, "https://github.com/me/app/commit/deadbeef", push.URL)
	assert.Equal(t, "main", push.Branch)
	assert.Equal(t, "Add retry budget for AI_MAX_TOKENS=4000 (3 attempts)", push.KeyCommit)
	assert.Equal(t, push.KeyCommit, push.Title)
	assert.Contains(t, push.ConfigValues, "AI_MAX_TOKENS=4000")
	assert.Contains(t, push.Numbers, "3")

	issue := rows[2]
	assert.Equal(t, "https://github.com/me/app/issues/7", issue.URL)
	require.NotEmpty(t, issue.Errors)
	assert.Contains(t, issue.Errors[0], "TimeoutError")

	assert.Equal(t, "https://github.com/me/app/pull/9", rows[3].URL)
	assert.Equal(t, "https://github.com/me/app/activity", rows[4].URL)
}

func TestEventExtractionLimits(t *testing.T) {
	body := "1 2 3 4 5 6 7 ValueError: a. KeyError: b. TypeError: c. A_B C_D E_F G_H"
	rows := BuildEventRows([]Event{{ID: "1", Type: EventPullRequestReview, Body: body}})
	require.Len(t, rows, 1)
	assert.Len(t, rows[0].Numbers, 5)
	assert.Len(t, rows[0].Errors, 2)
	assert.Len(t, rows[0].ConfigValues, 3)
}

func TestEventTitleTruncated(t *testing.T) {
	rows := BuildEventRows([]Event{{ID: "1", Type: EventPullRequest, Title: strings.Repeat("x", 300), Details: map[string]any{"merged": true}}})
	require.Len(t, rows, 1)
	assert.Len(t, []rune(rows[0].Title), EventTitleLimit)
}

func TestEventURLFallbacks(t *testing.T) {
	assert.Equal(t, "https://example.com/e/1", EventURL(Event{Type: EventPush, URL: "https://example.com/e/1"}))
	assert.Equal(t, "https://github.com", EventURL(Event{Type: EventPush}))
	assert.Equal(t, "https://github.com/a/b/commit/c1", EventURL(Event{Type: EventPush, Repo: "a/b", Details: map[string]any{"commit_shas": []any{"c1", "c2"}}}))
}

func TestKeyCommit(t *testing.T) {
	assert.Equal(t, "Teach the outline stage to cite anchors", KeyCommit([]string{"Update deps", "fix typo", "chore: lint", "Teach the outline stage to cite anchors\n\nlong body"}))
	assert.Equal(t, "Update deps", KeyCommit([]string{"", "Update deps", "bump version"}))
	assert.Equal(t, "", KeyCommit(nil))
}

func TestIsLowValueCommit(t *testing.T) {
	for _, msg := range []string{"Update README.md", "fix lint", "Bump go to 1.24", "chore: tidy", "style: gofmt", "refactor: names", "Merge branch 'main'", "Resolve conflicts", "Remove dead code", "delete tmp", "clean build"} {
		assert.True(t, IsLowValueCommit(msg), msg)
	}
	for _, msg := range []string{"Add motif rotation", "Implement anchor closure", "Fixes #12 by adding retries"} {
		assert.False(t, IsLowValueCommit(msg), msg)
	}
}

func TestSplitSentences(t *testing.T) {
	assert.Equal(t, []string{"One.", "Two!", "Three?", "yes v1.2 ships."}, SplitSentences("One. Two! Three? yes v1.2 ships."))
	assert.Equal(t, []string{"no terminator"}, SplitSentences("no terminator"))
	assert.Empty(t, SplitSentences("   "))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate(" abc ", 10))
	assert.Equal(t, "ab...", Truncate("abcdefgh", 5))
	assert.Equal(t, "ab", Truncate("abcdefgh", 2))
}

func TestSelectClipsByViews(t *testing.T) {
	clips := []Clip{{ID: "a", ViewCount: 1}, {ID: "b", ViewCount: 50}, {ID: "c", ViewCount: 10}, {ID: "d", ViewCount: 10}}
	got := SelectClips(clips, 3)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"b", "c", "d"}, []string{got[0].ID, got[1].ID, got[2].ID})
	assert.Equal(t, "a", clips[0].ID, "input not reordered")
}

func TestSelectEventsPriority(t *testing.T) {
	events := []Event{
		{ID: "push-old", Type: EventPush, CreatedAt: "2025-01-15T08:00:00Z"},
		{ID: "comment", Type: EventIssueComment, CreatedAt: "2025-01-15T12:00:00Z"},
		{ID: "pr", Type: EventPullRequest, CreatedAt: "2025-01-15T07:00:00Z", Details: map[string]any{"merged": true}},
		{ID: "pr-open", Type: EventPullRequest, CreatedAt: "2025-01-15T09:00:00Z"},
		{ID: "push-new", Type: EventPush, CreatedAt: "2025-01-15T10:00:00Z"},
	}
	got := SelectEvents(events, 3)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"pr", "push-new", "push-old"}, []string{got[0].ID, got[1].ID, got[2].ID})
}

func TestLoadDay(t *testing.T) {
	dir := t.TempDir()
	dateDir := filepath.Join(dir, "2025-01-15")
	require.NoError(t, os.MkdirAll(dateDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dateDir, "twitch_clip_1.json"), []byte(`{"id":"abc","title":"t","url":"u","broadcaster_name":"b","created_at":"2025-01-15T10:00:00Z","view_count":3}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dateDir, "github_event_1.json"), []byte(`{"id":"111","type":"PushEvent","repo":"me/app","actor":"me","created_at":"2025-01-15T10:00:00Z","details":{"commit_messages":["Add x"]}}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dateDir, "github_event_2.json"), []byte(`{not json`), 0o644))

	day, err := LoadDay(dir, "2025-01-15")
	require.NoError(t, err)
	require.Len(t, day.Clips, 1)
	require.Len(t, day.Events, 1)
	assert.Equal(t, 3, day.Clips[0].ViewCount)
	assert.Len(t, day.Skipped, 1)

	empty, err := LoadDay(dir, "2025-01-16")
	require.NoError(t, err)
	assert.Empty(t, empty.Clips)
}
