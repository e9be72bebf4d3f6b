package devlog

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStitchKeepsBulletListIntact(t *testing.T) {
	art := Stitch(Outline{Thesis: "Shipping the list"}, map[string]SectionResult{
		SectionWhatShipped: {Content: "Features:\n\n- one\n- two"},
	})
	assert.Equal(t, "## What Shipped Today\n\nFeatures:\n\n- one\n- two", art.Content)
	assert.Equal(t, "# Shipping the list\n\n"+art.Content, art.MarkdownBody)
}

func TestCleanSectionPreservesCode(t *testing.T) {
	in := "Setup: - install\n\n```\nkey: - value\n```\n\nUse `a: - b` and see https://x.io/a: - b"
	want := "Setup:\n\n- install\n\n```\nkey: - value\n```\n\nUse `a: - b` and see https://x.io/a: - b"
	if diff := cmp.Diff(want, CleanSection(in)); diff != "" {
		t.Fatalf("CleanSection mismatch (-want +got):\n%s", diff)
	}
}

func TestCleanSectionPreservesIndentedCode(t *testing.T) {
	in := "Intro: - a\n\n    cfg: - x\n\nOutro"
	assert.Equal(t, "Intro:\n\n- a\n\n    cfg: - x\n\nOutro", CleanSection(in))
}

func TestCleanSectionUnterminatedFence(t *testing.T) {
	in := "Note: - first\n\n```go\nx := map[string]int{\"a: - b\": 1}\n"
	out := CleanSection(in)
	assert.True(t, strings.HasPrefix(out, "Note:\n\n- first"))
	assert.Contains(t, out, `"a: - b": 1`)
}

func TestCleanPasses(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"tone tags", "Hello [meta-aside]world[/META-ASIDE] and [Humor-Dry]x[dev-jargon]", "Hello world and x"},
		{"json residue", "Real text here.\nanchors_used: [\"[EVENT:1]\"]\nchar_count: 123\n}", "Real text here."},
		{"quoted residue", "Done, \"anchors_used\": [[\"x\"], []], \"char_count\": 42 for today.", "Done for today."},
		{"blank lines", "a\n\n\n\n\nb", "a\n\nb"},
		{"inline bullets", "Changes: - faster builds", "Changes:\n\n- faster builds"},
		{"bullet syntax kept", "- one\n- two", "- one\n- two"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanSection(tt.in))
		})
	}
}

func TestFixBulletsSafelyProtectsSpans(t *testing.T) {
	assert.Equal(t, "Run `x: - y` now", FixBulletsSafely("Run `x: - y` now"))
	assert.Equal(t, "see https://a.io/x: - y", FixBulletsSafely("see https://a.io/x: - y"))
	assert.Equal(t, "[docs](https://a.io/x):\n\n- y", FixBulletsSafely("[docs](https://a.io/x): - y"))
	assert.Equal(t, "Todo:\n\n- a", FixBulletsSafely("Todo: - a"))
}

func TestCleanSectionLeavesInlineCodeAlone(t *testing.T) {
	in := "The payload carries `anchors_used: []` and `char_count: 12` fields.\n\nTag it `[humor-dry]` in the prompt. [humor-dry]Done."
	want := "The payload carries `anchors_used: []` and `char_count: 12` fields.\n\nTag it `[humor-dry]` in the prompt. Done."
	if diff := cmp.Diff(want, CleanSection(in)); diff != "" {
		t.Fatalf("CleanSection mismatch (-want +got):\n%s", diff)
	}
}

func TestSectionHeadingMatchesWholeWords(t *testing.T) {
	assert.Equal(t, "What Shipped Today", SectionHeading(SectionWhatShipped, "Thanks to the author of the parser."))
	assert.Equal(t, "What Shipped Today", SectionHeading(SectionWhatShipped, "Trimmed prompt tokens by a third."))
	assert.Equal(t, "Security Implementation", SectionHeading(SectionWhatShipped, "Auth now rejects stale sessions."))
	assert.Equal(t, "Security Implementation", SectionHeading(SectionWhatShipped, "Added authentication to the webhook."))
	assert.Equal(t, "Tests and Fixes", SectionHeading(SectionWhatShipped, "More tests for the parser."))
	assert.Equal(t, "Setting the Scene", SectionHeading(SectionContext, "The relationship with upstream."))
}

func TestDeriveTagsMatchesWholeWords(t *testing.T) {
	tags := deriveTags("The author tuned the cli output and the maintainer's mail.")
	assert.Equal(t, []string{"devlog", "daily-digest"}, tags)
	tags = deriveTags("Wired AI summaries through the LLM. See [EVENT:e1].")
	assert.Equal(t, []string{"devlog", "daily-digest", "github", "ai"}, tags)
}

func TestSectionHeading(t *testing.T) {
	assert.Equal(t, "Security Implementation", SectionHeading(SectionWhatShipped, "Added HMAC security checks"))
	assert.Equal(t, "What Shipped Today", SectionHeading(SectionWhatShipped, "Features"))
	assert.Equal(t, "Today in Brief", SectionHeading(SectionHook, "anything"))
	assert.Equal(t, "Debugging Live", SectionHeading(SectionTwitchClips, "We debug on stream"))
	assert.Equal(t, "Other", SectionHeading("Other", ""))
}

func TestStitchOrderAndDerivedFields(t *testing.T) {
	long := strings.Repeat("streaming on twitch and pushing a commit to github ", 6)
	art := Stitch(Outline{Thesis: "One two three four five six seven eight nine ten."}, map[string]SectionResult{
		SectionWrapUp:  {Content: "See you tomorrow."},
		SectionHook:    {Content: long},
		SectionContext: {Content: "  "},
	})
	require.Equal(t, "One two three four five six seven eight", art.Title)
	hook := strings.Index(art.Content, "## Today in Brief")
	wrap := strings.Index(art.Content, "## Wrapping Up")
	assert.True(t, hook >= 0 && wrap > hook)
	assert.NotContains(t, art.Content, "Setting the Scene")
	assert.LessOrEqual(t, len([]rune(art.Description)), descriptionLimit)
	assert.True(t, strings.HasSuffix(art.Description, "..."))
	assert.Equal(t, []string{"devlog", "daily-digest", "streaming", "github"}, art.Tags)
	assert.Equal(t, StatusComplete, art.Status)
}

func TestDeriveTitleFallback(t *testing.T) {
	assert.Equal(t, "Daily Devlog", deriveTitle("  "))
	assert.Equal(t, "Short thesis", deriveTitle("Short thesis."))
}
