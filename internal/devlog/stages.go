package devlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/joelkehle/devlog/internal/jsonrepair"
	"github.com/joelkehle/devlog/internal/llm"
	"github.com/joelkehle/devlog/internal/rows"
)

type OutlineInput struct {
	Date      string
	EventRows []rows.AnchorRow
	ClipRows  []rows.AnchorRow
	MaxTokens int
}

type SectionGroupInput struct {
	Date      string
	Outline   Outline
	State     GenerationState
	Group     SectionGroup
	Motif     string
	Rows      []rows.AnchorRow
	MaxTokens int
}

type SectionGroupOutput struct {
	Sections map[string]SectionResult
	// Degraded describes every requirement still unmet after the retry and
	// every section that had to be recovered or replaced.
	Degraded []string
}

type ExpansionInput struct {
	Date      string
	Sections  map[string]SectionResult
	Target    string
	MaxTokens int
}

type StageRunner interface {
	RunOutline(ctx context.Context, in OutlineInput) (Outline, StageAttemptMetrics, error)
	RunSectionGroup(ctx context.Context, in SectionGroupInput) (SectionGroupOutput, StageAttemptMetrics, error)
	RunExpansion(ctx context.Context, in ExpansionInput) (ExpansionResult, StageAttemptMetrics, error)
}

// Completer is the text completion capability the stages depend on.
type Completer interface {
	Generate(ctx context.Context, prompt, system string, maxTokens int) (llm.Completion, error)
}

type LLMStageRunner struct {
	client Completer
	cfg    Config
	system string
	logger *zap.Logger
}

func NewLLMStageRunner(client Completer, cfg Config, logger *zap.Logger) *LLMStageRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMStageRunner{client: client, cfg: cfg, system: SystemPrompt(cfg.VoicePrompt), logger: logger.Named("stages")}
}

func (r *LLMStageRunner) generate(ctx context.Context, prompt string, maxTokens int, m *StageAttemptMetrics) (string, error) {
	m.Attempts++
	out, err := r.client.Generate(ctx, prompt, r.system, maxTokens)
	if err != nil {
		return "", err
	}
	m.Usage.Add(out)
	return out.Body(), nil
}

func (r *LLMStageRunner) RunOutline(ctx context.Context, in OutlineInput) (Outline, StageAttemptMetrics, error) {
	m := StageAttemptMetrics{}
	raw, err := r.generate(ctx, buildOutlinePrompt(in.Date, in.EventRows, in.ClipRows), in.MaxTokens, &m)
	if err != nil {
		return Outline{}, m, fmt.Errorf("outline transport failure: %w", err)
	}
	res, err := jsonrepair.Extract(raw, true)
	if err != nil {
		return Outline{}, m, fmt.Errorf("outline extraction: %w", err)
	}
	if len(res.Repairs) > 0 {
		r.logger.Info("outline json repaired", zap.Strings("repairs", res.Repairs))
	}
	allowed := allowedAnchors(append(append([]rows.AnchorRow{}, in.EventRows...), in.ClipRows...))
	outline, err := decodeOutline(res, allowed)
	if err != nil {
		return Outline{}, m, err
	}
	return outline, m, nil
}

func decodeOutline(res jsonrepair.Result, allowed map[string]bool) (Outline, error) {
	var raw struct {
		Thesis          string                 `json:"thesis"`
		Tone            string                 `json:"tone"`
		SectionPlan     map[string]SectionPlan `json:"section_plan"`
		TransitionSeeds map[string]string      `json:"transition_seeds"`
	}
	if err := res.Decode(&raw); err != nil {
		return Outline{}, fmt.Errorf("outline decode: %w", err)
	}
	if strings.TrimSpace(raw.Thesis) == "" {
		return Outline{}, errors.New("outline missing thesis")
	}
	if len(raw.SectionPlan) == 0 {
		return Outline{}, errors.New("outline missing section_plan")
	}
	out := Outline{
		Thesis:          strings.TrimSpace(raw.Thesis),
		Tone:            strings.TrimSpace(raw.Tone),
		SectionPlan:     map[string]SectionPlan{},
		TransitionSeeds: raw.TransitionSeeds,
	}
	for name, plan := range raw.SectionPlan {
		canonical, ok := canonicalSection(name)
		if !ok {
			continue
		}
		plan.Uses = FilterAnchors(plan.Uses, allowed)
		out.SectionPlan[canonical] = plan
	}
	for _, name := range CanonicalOrder {
		if _, ok := out.SectionPlan[name]; !ok {
			out.SectionPlan[name] = SectionPlan{}
		}
	}
	return out, nil
}

func canonicalSection(name string) (string, bool) {
	norm := normalizeSectionName(name)
	for _, c := range CanonicalOrder {
		if normalizeSectionName(c) == norm {
			return c, true
		}
	}
	return "", false
}

func normalizeSectionName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("-", " ", "_", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

// FilterAnchors keeps the anchors present in allowed, in order, without
// duplicates.
func FilterAnchors(anchors []string, allowed map[string]bool) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, a := range anchors {
		a = strings.TrimSpace(a)
		if allowed[a] && !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out
}

func allowedAnchors(rs []rows.AnchorRow) map[string]bool {
	out := make(map[string]bool, len(rs))
	for _, r := range rs {
		out[r.Anchor] = true
	}
	return out
}

func (r *LLMStageRunner) RunSectionGroup(ctx context.Context, in SectionGroupInput) (SectionGroupOutput, StageAttemptMetrics, error) {
	m := StageAttemptMetrics{}
	allowed := allowedAnchors(in.Rows)
	prompt := buildSectionGroupPrompt(in, r.cfg)

	raw, err := r.generate(ctx, prompt, in.MaxTokens, &m)
	if err != nil {
		return SectionGroupOutput{}, m, fmt.Errorf("%s transport failure: %w", in.Group.Name, err)
	}
	sections, recovered := parseSections(raw, in.Group, allowed)
	failures := validateSections(sections, in.Group, in.Outline, allowed, r.cfg)

	if len(failures) > 0 {
		m.ContentRetries++
		r.logger.Warn("section group failed validation, retrying once",
			zap.String("group", in.Group.Name),
			zap.Strings("sections", failedNames(failures, in.Group)),
		)
		retryRaw, err := r.generate(ctx, prompt+buildRevisionRequest(failures, in.Group), in.MaxTokens, &m)
		if err != nil {
			return SectionGroupOutput{}, m, fmt.Errorf("%s revision transport failure: %w", in.Group.Name, err)
		}
		retried, retryRecovered := parseSections(retryRaw, in.Group, allowed)
		sections, recovered = mergeRetry(sections, retried, recovered, retryRecovered, in.Group)
		failures = validateSections(sections, in.Group, in.Outline, allowed, r.cfg)
	}

	out := SectionGroupOutput{Sections: sections}
	for _, name := range in.Group.Sections {
		if how, ok := recovered[name]; ok {
			out.Degraded = append(out.Degraded, fmt.Sprintf("%s: %s", name, how))
		}
		if fs := failures[name]; len(fs) > 0 {
			sec := sections[name]
			sec.Degraded = true
			sec.Failures = fs
			sections[name] = sec
			out.Degraded = append(out.Degraded, fmt.Sprintf("%s: accepted after retry with %s", name, strings.Join(fs, "; ")))
		}
	}
	return out, m, nil
}

// parseSections always returns an entry for every section in group. The
// second return maps section names to how they were recovered when the
// normal extraction path did not produce them.
func parseSections(raw string, group SectionGroup, allowed map[string]bool) (map[string]SectionResult, map[string]string) {
	out := map[string]SectionResult{}
	recovered := map[string]string{}

	var decoded map[string]SectionResult
	if res, err := jsonrepair.Extract(raw, true); err == nil {
		decoded = decodeSections(res)
	}
	for _, name := range group.Sections {
		if sec, ok := decoded[name]; ok && strings.TrimSpace(sec.Content) != "" {
			out[name] = closeSection(sec.Content, allowed)
			continue
		}
		if content, how := recoverSectionContent(raw, name); content != "" {
			out[name] = closeSection(content, allowed)
			recovered[name] = how
			continue
		}
		sec := closeSection(placeholderContent(name), allowed)
		sec.Degraded = true
		sec.Failures = []string{"no content could be extracted"}
		out[name] = sec
		recovered[name] = "placeholder used"
	}
	return out, recovered
}

func decodeSections(res jsonrepair.Result) map[string]SectionResult {
	var wrapped struct {
		Sections map[string]json.RawMessage `json:"sections"`
	}
	if err := res.Decode(&wrapped); err != nil {
		return nil
	}
	src := wrapped.Sections
	if len(src) == 0 {
		// Some responses drop the "sections" wrapper.
		if err := res.Decode(&src); err != nil {
			return nil
		}
	}
	out := map[string]SectionResult{}
	for name, blob := range src {
		canonical, ok := canonicalSection(name)
		if !ok {
			continue
		}
		var sec SectionResult
		if err := json.Unmarshal(blob, &sec); err != nil {
			var content string
			if json.Unmarshal(blob, &content) != nil {
				continue
			}
			sec.Content = content
		}
		out[canonical] = sec
	}
	return out
}

var sectionContentPattern = `"%s"\s*:\s*\{\s*"content"\s*:\s*"((?:[^"\\]|\\.)*)"`

// recoverSectionContent is the degraded path for output the extractor could
// not repair: a lenient path lookup first, then a targeted regex.
func recoverSectionContent(raw, name string) (string, string) {
	body := raw
	if i := strings.Index(body, jsonrepair.OpenSentinel); i >= 0 {
		body = body[i+len(jsonrepair.OpenSentinel):]
	}
	if i := strings.Index(body, "{"); i >= 0 {
		body = body[i:]
		for _, path := range []string{"sections." + name + ".content", name + ".content"} {
			if v := gjson.Get(body, path); v.Type == gjson.String && strings.TrimSpace(v.String()) != "" {
				return strings.TrimSpace(v.String()), "recovered by path lookup"
			}
		}
	}
	re := regexp.MustCompile(fmt.Sprintf(sectionContentPattern, regexp.QuoteMeta(name)))
	if match := re.FindStringSubmatch(raw); match != nil {
		var content string
		quoted := `"` + strings.NewReplacer("\n", `\n`, "\r", `\r`, "\t", `\t`).Replace(match[1]) + `"`
		if err := json.Unmarshal([]byte(quoted), &content); err == nil && strings.TrimSpace(content) != "" {
			return strings.TrimSpace(content), "recovered by pattern match"
		}
	}
	return "", ""
}

func placeholderContent(name string) string {
	return fmt.Sprintf("_The %s section could not be generated for this post._", name)
}

var anchorPattern = regexp.MustCompile(`\[(?:EVENT|CLIP):[^\]]+\]`)

// closeSection strips any anchor token that is not in allowed and recomputes
// the anchors actually cited and the character count.
func closeSection(content string, allowed map[string]bool) SectionResult {
	content = anchorPattern.ReplaceAllStringFunc(content, func(a string) string {
		if allowed[a] {
			return a
		}
		return ""
	})
	content = strings.TrimSpace(collapseSpaces(content))
	used := FilterAnchors(anchorPattern.FindAllString(content, -1), allowed)
	return SectionResult{
		Content:     content,
		AnchorsUsed: used,
		CharCount:   len([]rune(content)),
	}
}

var doubleSpace = regexp.MustCompile(`[ \t]{2,}([^ \t\n])`)

// collapseSpaces squeezes runs of spaces inside prose lines. Fenced and
// indented code keep their spacing.
func collapseSpaces(s string) string {
	var b strings.Builder
	for _, seg := range splitCode(s) {
		if seg.code {
			b.WriteString(seg.text)
			continue
		}
		lines := strings.Split(seg.text, "\n")
		for i, line := range lines {
			indent := len(line) - len(strings.TrimLeft(line, " \t"))
			lines[i] = line[:indent] + strings.TrimRight(doubleSpace.ReplaceAllString(line[indent:], " $1"), " \t")
		}
		b.WriteString(strings.Join(lines, "\n"))
	}
	return b.String()
}

func validateSections(sections map[string]SectionResult, group SectionGroup, outline Outline, allowed map[string]bool, cfg Config) map[string][]string {
	failures := map[string][]string{}
	for _, name := range group.Sections {
		sec := sections[name]
		if words := WordCount(sec.Content); words < cfg.MinWords(name) {
			failures[name] = append(failures[name], fmt.Sprintf("has %d words, needs at least %d", words, cfg.MinWords(name)))
		}
		required := FilterAnchors(outline.SectionPlan[name].Uses, allowed)
		if len(required) > 0 && !containsAny(sec.Content, required) {
			failures[name] = append(failures[name], fmt.Sprintf("must cite at least one of %s", strings.Join(required, ", ")))
		}
	}
	return failures
}

// mergeRetry prefers each retried section unless the retry came back empty
// or had to be replaced by a placeholder.
func mergeRetry(first, retry map[string]SectionResult, firstRecovered, retryRecovered map[string]string, group SectionGroup) (map[string]SectionResult, map[string]string) {
	out := map[string]SectionResult{}
	recovered := map[string]string{}
	for _, name := range group.Sections {
		r, ok := retry[name]
		usable := ok && strings.TrimSpace(r.Content) != "" && retryRecovered[name] != "placeholder used"
		if usable {
			out[name] = r
			if how, ok := retryRecovered[name]; ok {
				recovered[name] = how
			}
			continue
		}
		out[name] = first[name]
		if how, ok := firstRecovered[name]; ok {
			recovered[name] = how
		}
	}
	return out, recovered
}

func failedNames(failures map[string][]string, group SectionGroup) []string {
	var out []string
	for _, name := range group.Sections {
		if len(failures[name]) > 0 {
			out = append(out, name)
		}
	}
	return out
}

func containsAny(content string, anchors []string) bool {
	for _, a := range anchors {
		if strings.Contains(content, a) {
			return true
		}
	}
	return false
}

func WordCount(s string) int {
	return len(strings.Fields(s))
}
