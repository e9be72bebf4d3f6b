package devlog

import (
	"time"

	"github.com/joelkehle/devlog/internal/config"
	"github.com/joelkehle/devlog/internal/llm"
	"github.com/joelkehle/devlog/internal/rows"
)

const (
	SectionHook         = "Hook"
	SectionContext      = "Context"
	SectionWhatShipped  = "What Shipped"
	SectionTwitchClips  = "Twitch Clips"
	SectionWhyItMatters = "Why It Matters"
	SectionHumanStory   = "Human Story"
	SectionWrapUp       = "Wrap-Up"
)

// CanonicalOrder is the order sections appear in the stitched post.
var CanonicalOrder = []string{
	SectionHook,
	SectionContext,
	SectionWhatShipped,
	SectionTwitchClips,
	SectionWhyItMatters,
	SectionHumanStory,
	SectionWrapUp,
}

type SectionGroup struct {
	Name        string
	Sections    []string
	TargetWords string
}

// Groups are generated sequentially; each call is seeded with the last
// sentence of the previous one.
var Groups = []SectionGroup{
	{Name: "opening", Sections: []string{SectionHook, SectionContext}, TargetWords: "450-650"},
	{Name: "work", Sections: []string{SectionWhatShipped, SectionTwitchClips}, TargetWords: "500-750"},
	{Name: "reflection", Sections: []string{SectionWhyItMatters, SectionHumanStory, SectionWrapUp}, TargetWords: "450-650"},
}

type SectionPlan struct {
	Goal string   `json:"goal"`
	Uses []string `json:"uses"`
}

type Outline struct {
	Thesis          string                 `json:"thesis"`
	Tone            string                 `json:"tone"`
	SectionPlan     map[string]SectionPlan `json:"section_plan"`
	TransitionSeeds map[string]string      `json:"transition_seeds"`
}

type GenerationState struct {
	PrevLastSentence string          `json:"prev_last_sentence"`
	Motifs           []string        `json:"motifs"`
	MotifsUsed       []string        `json:"motifs_used"`
	UsedAnchors      map[string]bool `json:"used_anchors"`
}

type SectionResult struct {
	Content     string   `json:"content"`
	AnchorsUsed []string `json:"anchors_used"`
	CharCount   int      `json:"char_count"`
	Degraded    bool     `json:"degraded,omitempty"`
	Failures    []string `json:"failures,omitempty"`
}

type ExpansionResult struct {
	Section  string `json:"section"`
	Addendum string `json:"addendum"`
	Fallback bool   `json:"fallback"`
	Reason   string `json:"reason,omitempty"`
}

type ArtifactStatus string

const (
	StatusComplete ArtifactStatus = "complete"
	// StatusDegraded marks an artifact that was accepted after one or more
	// validations still failed; PipelineMetadata.DegradedReasons says which.
	StatusDegraded ArtifactStatus = "degraded"
)

type Artifact struct {
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	Tags         []string       `json:"tags"`
	Content      string         `json:"content"`
	MarkdownBody string         `json:"markdown_body"`
	Status       ArtifactStatus `json:"status"`
}

type Request struct {
	RunID  string       `json:"run_id,omitempty"`
	Date   string       `json:"date"`
	Clips  []rows.Clip  `json:"twitch_clips"`
	Events []rows.Event `json:"github_events"`
}

type StageAttemptMetrics struct {
	Attempts       int       `json:"attempts"`
	ContentRetries int       `json:"content_retries"`
	Usage          llm.Usage `json:"usage"`
}

func (m *StageAttemptMetrics) add(o StageAttemptMetrics) {
	m.Attempts += o.Attempts
	m.ContentRetries += o.ContentRetries
	m.Usage.Calls += o.Usage.Calls
	m.Usage.InputTokens += o.Usage.InputTokens
	m.Usage.OutputTokens += o.Usage.OutputTokens
	m.Usage.CostUSD += o.Usage.CostUSD
}

type PipelineMetadata struct {
	StartedAt           time.Time      `json:"started_at"`
	CompletedAt         time.Time      `json:"completed_at"`
	StagesExecuted      []string       `json:"stages_executed"`
	TotalLLMCalls       int            `json:"total_llm_calls"`
	TotalRetries        int            `json:"total_retries"`
	StageAttempts       map[string]int `json:"stage_attempts"`
	StageContentRetries map[string]int `json:"stage_content_retries"`
	DegradedReasons     []string       `json:"degraded_reasons,omitempty"`
	InputReduced        bool           `json:"input_reduced"`
	ClipRows            int            `json:"clip_rows"`
	EventRows           int            `json:"event_rows"`
	MotifsUsed          []string       `json:"motifs_used,omitempty"`
	Usage               llm.Usage      `json:"usage"`
}

type PipelineResult struct {
	Request   Request
	Rows      []rows.AnchorRow
	Outline   Outline
	Sections  map[string]SectionResult
	Expansion *ExpansionResult
	State     GenerationState
	Artifact  Artifact
	Attempts  map[string]StageAttemptMetrics
	Metadata  PipelineMetadata
}

// Config is read-only for the lifetime of a Pipeline.
type Config struct {
	OutlineMaxTokens   int
	SectionMaxTokens   int
	ExpansionMaxTokens int
	MinSectionWords    int
	MinWrapUpWords     int
	Motifs             []string
	VoicePrompt        string
	MaxClips           int
	MaxEvents          int
	ReducedClips       int
	ReducedEvents      int
}

func DefaultConfig() Config {
	return ConfigFrom(config.Default().Generation, "")
}

func ConfigFrom(g config.Generation, voicePrompt string) Config {
	return Config{
		OutlineMaxTokens:   g.OutlineMaxTokens,
		SectionMaxTokens:   g.SectionMaxTokens,
		ExpansionMaxTokens: g.ExpansionMaxTokens,
		MinSectionWords:    g.MinSectionWords,
		MinWrapUpWords:     g.MinWrapUpWords,
		Motifs:             dedupe(g.Motifs),
		VoicePrompt:        voicePrompt,
		MaxClips:           g.MaxClips,
		MaxEvents:          g.MaxEvents,
		ReducedClips:       g.ReducedClips,
		ReducedEvents:      g.ReducedEvents,
	}
}

// MinWords is the length floor for one section.
func (c Config) MinWords(section string) int {
	if section == SectionWrapUp {
		return c.MinWrapUpWords
	}
	return c.MinSectionWords
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
