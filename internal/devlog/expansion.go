package devlog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/joelkehle/devlog/internal/jsonrepair"
	"github.com/joelkehle/devlog/internal/rows"
)

const fallbackAddendum = "Looking back at it, the part that sticks with me is how much of the day was spent in the gaps between the headline changes. " +
	"Most of the real progress happened in small corrections: a test that finally explained what it was guarding, a log line that made the next failure obvious, a rename that stopped the code from lying about what it did. " +
	"None of that makes for a dramatic clip, but it is the work that keeps the next session from starting in a hole. " +
	"If I had to pick one habit to keep from today, it would be stopping to write down why something broke before fixing it, because the note is usually worth more than the fix."

// WeakestSection returns the section with the fewest words. Ties go to the
// earliest section in canonical order.
func WeakestSection(sections map[string]SectionResult) string {
	best, bestWords := "", -1
	for _, name := range CanonicalOrder {
		sec, ok := sections[name]
		if !ok {
			continue
		}
		if w := WordCount(sec.Content); bestWords < 0 || w < bestWords {
			best, bestWords = name, w
		}
	}
	return best
}

// InsertAddendum places addendum before the final paragraph of content, or
// after it when the content has at most one paragraph.
func InsertAddendum(content, addendum string) string {
	addendum = strings.TrimSpace(addendum)
	if addendum == "" {
		return content
	}
	paras := splitParagraphs(content)
	if len(paras) <= 1 {
		if strings.TrimSpace(content) == "" {
			return addendum
		}
		return strings.TrimRight(content, "\n") + "\n\n" + addendum
	}
	last := len(paras) - 1
	out := append(append([]string{}, paras[:last]...), addendum, paras[last])
	return strings.Join(out, "\n\n")
}

// withAddendum merges an already closed addendum into sec. The existing
// content is kept as written.
func withAddendum(sec SectionResult, addendum string, allowed map[string]bool) SectionResult {
	sec.Content = InsertAddendum(sec.Content, addendum)
	sec.AnchorsUsed = FilterAnchors(anchorPattern.FindAllString(sec.Content, -1), allowed)
	sec.CharCount = len([]rune(sec.Content))
	return sec
}

func splitParagraphs(s string) []string {
	var out []string
	for _, p := range paragraphs(s) {
		out = append(out, p.text)
	}
	return out
}

// paragraphs splits s on blank lines. A fenced or indented code block is a
// single paragraph even when it contains blank lines.
func paragraphs(s string) []segment {
	var out []segment
	for _, seg := range splitCode(strings.Trim(s, "\n")) {
		if seg.code {
			if strings.TrimSpace(seg.text) != "" {
				out = append(out, segment{text: strings.TrimRight(strings.TrimLeft(seg.text, "\n"), " \t\n"), code: true})
			}
			continue
		}
		for _, p := range strings.Split(seg.text, "\n\n") {
			if strings.TrimSpace(p) != "" {
				out = append(out, segment{text: strings.Trim(p, "\n")})
			}
		}
	}
	return out
}

// dropRepeatedSentences removes sentences of addendum that already appear in
// existing, compared case-insensitively. Paragraph breaks in addendum survive.
func dropRepeatedSentences(existing, addendum string) string {
	seen := map[string]bool{}
	for _, s := range rows.SplitSentences(existing) {
		seen[normalizeSentence(s)] = true
	}
	var out []string
	for _, para := range paragraphs(addendum) {
		if para.code {
			out = append(out, para.text)
			continue
		}
		var kept []string
		for _, s := range rows.SplitSentences(para.text) {
			key := normalizeSentence(s)
			if seen[key] {
				continue
			}
			seen[key] = true
			kept = append(kept, s)
		}
		if len(kept) > 0 {
			out = append(out, strings.Join(kept, " "))
		}
	}
	return strings.Join(out, "\n\n")
}

func normalizeSentence(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func (r *LLMStageRunner) RunExpansion(ctx context.Context, in ExpansionInput) (ExpansionResult, StageAttemptMetrics, error) {
	m := StageAttemptMetrics{}
	target := in.Target
	if target == "" {
		target = WeakestSection(in.Sections)
		in.Target = target
	}
	if target == "" {
		return ExpansionResult{}, m, errors.New("expansion: no sections to expand")
	}

	addendum, err := r.expand(ctx, in, &m)
	if err != nil {
		if ctx.Err() != nil {
			return ExpansionResult{}, m, ctx.Err()
		}
		r.logger.Warn("expansion fell back to canned addendum", zap.String("section", target), zap.Error(err))
		return ExpansionResult{
			Section:  target,
			Addendum: dropRepeatedSentences(in.Sections[target].Content, fallbackAddendum),
			Fallback: true,
			Reason:   err.Error(),
		}, m, nil
	}
	return ExpansionResult{Section: target, Addendum: addendum}, m, nil
}

func (r *LLMStageRunner) expand(ctx context.Context, in ExpansionInput, m *StageAttemptMetrics) (string, error) {
	raw, err := r.generate(ctx, buildExpansionPrompt(in), in.MaxTokens, m)
	if err != nil {
		return "", err
	}
	res, err := jsonrepair.Extract(raw, true)
	if err != nil {
		return "", err
	}
	var out struct {
		Addendum string `json:"addendum"`
	}
	if err := res.Decode(&out); err != nil {
		return "", fmt.Errorf("expansion decode: %w", err)
	}
	addendum := dropRepeatedSentences(in.Sections[in.Target].Content, out.Addendum)
	if strings.TrimSpace(addendum) == "" {
		return "", errors.New("expansion returned no new sentences")
	}
	return addendum, nil
}
