package devlog

import (
	"regexp"
	"strings"
)

// CleanPass is one named cleanup applied to the prose parts of a section.
// Fenced and indented code never reaches a pass.
type CleanPass struct {
	Name  string
	Apply func(string) string
}

func CleanPasses() []CleanPass {
	return []CleanPass{
		{Name: "strip_json_residue", Apply: stripJSONResidue},
		{Name: "strip_tone_tags", Apply: stripToneTags},
		{Name: "reformat_inline_bullets", Apply: FixBulletsSafely},
		{Name: "collapse_blank_lines", Apply: collapseBlankLines},
	}
}

var (
	jsonResidue = []*regexp.Regexp{
		regexp.MustCompile(`(?m)[ \t]*,?[ \t]*"?anchors_used"?\s*:?\s*\[(?:[^\[\]]|\[[^\[\]]*\])*\],?`),
		regexp.MustCompile(`(?m)[ \t]*,?[ \t]*"?char_count"?\s*:?[ \t]*\d+,?`),
		regexp.MustCompile(`(?m)^[ \t]*[{}\]]+[ \t]*,?[ \t]*$`),
	}
	toneTag       = regexp.MustCompile(`(?i)\[/?(?:meta-aside|humor-dry|dev-jargon)\]`)
	blankLines    = regexp.MustCompile(`\n[ \t]*\n(?:[ \t]*\n)+`)
	inlineBullet  = regexp.MustCompile(`:[ \t]+-[ \t]+`)
	protectedSpan = regexp.MustCompile("`[^`\n]+`|\\]\\([^)\\s]+\\)|https?://[^\\s)\\]>]+")
	fencePattern  = regexp.MustCompile("(?m)^[ \t]*(```|~~~)")
)

func stripJSONResidue(s string) string {
	for _, re := range jsonResidue {
		s = re.ReplaceAllString(s, "")
	}
	return s
}

func stripToneTags(s string) string {
	return toneTag.ReplaceAllString(s, "")
}

func collapseBlankLines(s string) string {
	return blankLines.ReplaceAllString(s, "\n\n")
}

// FixBulletsSafely turns "Foo: - bar" into "Foo:\n\n- bar" while leaving
// inline code spans, bare URLs and link targets untouched.
func FixBulletsSafely(s string) string {
	masked, saved := maskProtected(s)
	return unmaskProtected(inlineBullet.ReplaceAllString(masked, ":\n\n- "), saved)
}

// maskProtected swaps inline code spans, link targets and bare URLs for
// placeholders. unmaskProtected puts them back.
func maskProtected(s string) (string, []string) {
	var saved []string
	masked := protectedSpan.ReplaceAllStringFunc(s, func(m string) string {
		saved = append(saved, m)
		return placeholder(len(saved) - 1)
	})
	return masked, saved
}

func unmaskProtected(s string, saved []string) string {
	for i, orig := range saved {
		s = strings.Replace(s, placeholder(i), orig, 1)
	}
	return s
}

// placeholder uses private-use runes so it cannot collide with prose or
// match the bullet pattern.
func placeholder(i int) string {
	return "\ue000" + strings.Repeat("\ue001", i+1) + "\ue002"
}

type segment struct {
	text string
	code bool
}

// splitCode separates fenced code blocks and indented code from prose. An
// unterminated fence runs to the end of the text.
func splitCode(s string) []segment {
	var out []segment
	lines := strings.SplitAfter(s, "\n")
	var buf strings.Builder
	inFence, fence := false, ""
	flush := func(code bool) {
		if buf.Len() > 0 {
			out = append(out, segment{text: buf.String(), code: code})
			buf.Reset()
		}
	}
	prevBlank := true
	inIndented := false
	for _, line := range lines {
		if inFence {
			buf.WriteString(line)
			if m := fencePattern.FindStringSubmatch(line); m != nil && m[1] == fence {
				flush(true)
				inFence = false
			}
			continue
		}
		if m := fencePattern.FindStringSubmatch(line); m != nil {
			flush(inIndented)
			inIndented = false
			inFence, fence = true, m[1]
			buf.WriteString(line)
			continue
		}
		trimmed := strings.TrimRight(line, "\r\n")
		indented := strings.HasPrefix(trimmed, "    ") || strings.HasPrefix(trimmed, "\t")
		switch {
		case indented && (prevBlank || inIndented) && !isListContinuation(trimmed):
			if !inIndented {
				flush(false)
				inIndented = true
			}
		case inIndented && strings.TrimSpace(trimmed) != "":
			flush(true)
			inIndented = false
		}
		buf.WriteString(line)
		prevBlank = strings.TrimSpace(trimmed) == ""
	}
	flush(inFence || inIndented)
	return out
}

func isListContinuation(line string) bool {
	t := strings.TrimSpace(line)
	return strings.HasPrefix(t, "- ") || strings.HasPrefix(t, "* ")
}

// CleanSection runs every CleanPass over the prose parts of content. Inline
// code spans and URLs are masked for the duration of the passes.
func CleanSection(content string) string {
	var b strings.Builder
	for _, seg := range splitCode(content) {
		if seg.code {
			b.WriteString(seg.text)
			continue
		}
		text, saved := maskProtected(seg.text)
		for _, p := range CleanPasses() {
			text = p.Apply(text)
		}
		b.WriteString(unmaskProtected(text, saved))
	}
	return strings.TrimSpace(b.String())
}

type headingRule struct {
	section string
	match   *regexp.Regexp
	heading string
}

// Keywords match at word starts so "author" is not "auth" and "tokens" is
// not a security topic.
var headingRules = []headingRule{
	{SectionWhatShipped, keywordPattern(`security`, `auth(?:entication|orization)?\b`, `hmac\b`, `permissions?\b`, `signatures?\b`), "Security Implementation"},
	{SectionWhatShipped, keywordPattern(`cach`, `dedup`), "Deduplication & Caching"},
	{SectionWhatShipped, keywordPattern(`transcri`, `whisper`), "Transcription Pipeline"},
	{SectionWhatShipped, keywordPattern(`test`, `coverage\b`), "Tests and Fixes"},
	{SectionContext, keywordPattern(`refactor`, `cleanup\b`, `clean up\b`), "Cleaning House"},
	{SectionContext, keywordPattern(`deploy`, `release`, `ship`), "Release Day"},
	{SectionTwitchClips, keywordPattern(`bugs?\b`, `debug`, `broke`), "Debugging Live"},
}

// keywordPattern compiles case-insensitive alternatives anchored at a word
// boundary on the left. Each alternative adds its own right boundary when it
// must be a whole word.
func keywordPattern(alts ...string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(alts, "|") + `)`)
}

var defaultHeadings = map[string]string{
	SectionHook:         "Today in Brief",
	SectionContext:      "Setting the Scene",
	SectionWhatShipped:  "What Shipped Today",
	SectionTwitchClips:  "From the Stream",
	SectionWhyItMatters: "Why It Matters",
	SectionHumanStory:   "Behind the Keyboard",
	SectionWrapUp:       "Wrapping Up",
}

// SectionHeading picks a reader-facing heading for a section. The first rule
// whose keyword appears in content wins.
func SectionHeading(section, content string) string {
	for _, r := range headingRules {
		if r.section == section && r.match.MatchString(content) {
			return r.heading
		}
	}
	if h, ok := defaultHeadings[section]; ok {
		return h
	}
	return section
}

var baselineTags = []string{"devlog", "daily-digest"}

var tagKeywords = []struct {
	tag   string
	match *regexp.Regexp
}{
	{"streaming", regexp.MustCompile(`(?i)\btwitch\b|\bstream|\[clip:`)},
	{"github", regexp.MustCompile(`(?i)\bgithub\b|\bpull requests?\b|\bcommit|\[event:`)},
	{"security", keywordPattern(`security`, `auth(?:entication|orization)?\b`, `hmac\b`)},
	{"testing", keywordPattern(`test`, `coverage\b`)},
	{"ai", keywordPattern(`ai\b`, `llms?\b`, `models?\b`, `gpt`, `claude\b`)},
	{"performance", keywordPattern(`latency\b`, `performance\b`, `faster\b`, `cach`)},
	{"debugging", keywordPattern(`bugs?\b`, `debug`, `fix`)},
}

const descriptionLimit = 150

// Stitch assembles sections in canonical order, skipping absent ones, and
// derives the artifact metadata.
func Stitch(outline Outline, sections map[string]SectionResult) Artifact {
	var parts []string
	for _, name := range CanonicalOrder {
		sec, ok := sections[name]
		if !ok {
			continue
		}
		content := CleanSection(sec.Content)
		if content == "" {
			continue
		}
		parts = append(parts, "## "+SectionHeading(name, content)+"\n\n"+content)
	}
	content := strings.Join(parts, "\n\n")
	title := deriveTitle(outline.Thesis)
	return Artifact{
		Title:        title,
		Description:  deriveDescription(content),
		Tags:         deriveTags(content),
		Content:      content,
		MarkdownBody: "# " + title + "\n\n" + content,
		Status:       StatusComplete,
	}
}

func deriveTitle(thesis string) string {
	words := strings.Fields(thesis)
	if len(words) == 0 {
		return "Daily Devlog"
	}
	if len(words) > 8 {
		words = words[:8]
	}
	return strings.TrimRight(strings.Join(words, " "), ".,;:")
}

// deriveDescription uses the first prose paragraph, skipping headings and
// code blocks.
func deriveDescription(content string) string {
	for _, para := range paragraphs(content) {
		p := strings.TrimSpace(para.text)
		if para.code || p == "" || strings.HasPrefix(p, "#") {
			continue
		}
		p = anchorPattern.ReplaceAllString(p, "")
		p = strings.Join(strings.Fields(p), " ")
		r := []rune(p)
		if len(r) <= descriptionLimit {
			return p
		}
		cut := strings.TrimRight(string(r[:descriptionLimit-3]), " ")
		if i := strings.LastIndex(cut, " "); i > descriptionLimit/2 {
			cut = cut[:i]
		}
		return strings.TrimRight(cut, ".,;:") + "..."
	}
	return ""
}

func deriveTags(content string) []string {
	tags := append([]string{}, baselineTags...)
	for _, tk := range tagKeywords {
		if tk.match.MatchString(content) {
			tags = append(tags, tk.tag)
		}
	}
	return tags
}
