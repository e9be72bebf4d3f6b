package devlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/joelkehle/devlog/internal/llm"
	"github.com/joelkehle/devlog/internal/rows"
	"github.com/joelkehle/devlog/internal/telemetry"
)

const (
	StageOutline   = "outline"
	StageExpansion = "expansion"
	StageStitch    = "stitch"
)

// ErrNoActivity is returned when a day has neither clips nor events worth
// writing about.
var ErrNoActivity = errors.New("no activity to write about")

type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

type StageProgressFn func(stage, message string)

type Pipeline struct {
	runner StageRunner
	cfg    Config
	logger *zap.Logger
}

func NewPipeline(runner StageRunner, cfg Config, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{runner: runner, cfg: cfg, logger: logger.Named("pipeline")}
}

func SectionStage(group SectionGroup) string {
	return "sections_" + group.Name
}

func (p *Pipeline) Run(ctx context.Context, req Request) (PipelineResult, error) {
	return p.runWithProgress(ctx, req, nil)
}

func (p *Pipeline) RunWithProgress(ctx context.Context, req Request, progress StageProgressFn) (PipelineResult, error) {
	return p.runWithProgress(ctx, req, progress)
}

func (p *Pipeline) runWithProgress(ctx context.Context, req Request, progress StageProgressFn) (PipelineResult, error) {
	if strings.TrimSpace(req.RunID) == "" {
		req.RunID = uuid.NewString()
	}
	res := PipelineResult{
		Request:  req,
		Attempts: map[string]StageAttemptMetrics{},
		Metadata: PipelineMetadata{StartedAt: time.Now()},
	}
	if _, err := time.Parse(time.DateOnly, req.Date); err != nil {
		return res, fmt.Errorf("date must be YYYY-MM-DD: %w", err)
	}

	ctx, span := telemetry.Tracer().Start(ctx, "devlog.pipeline")
	defer span.End()
	span.SetAttributes(attribute.String("devlog.run_id", req.RunID), attribute.String("devlog.date", req.Date))
	logger := p.logger.With(zap.String("run_id", req.RunID), zap.String("date", req.Date))

	eventRows, clipRows := p.buildRows(req, p.cfg.MaxEvents, p.cfg.MaxClips)
	if len(eventRows)+len(clipRows) == 0 {
		return res, ErrNoActivity
	}

	emit(progress, StageOutline, "Planning the post...")
	stageStarted := time.Now()
	outlineIn := OutlineInput{Date: req.Date, EventRows: eventRows, ClipRows: clipRows, MaxTokens: p.cfg.OutlineMaxTokens}
	outline, m, err := p.runner.RunOutline(ctx, outlineIn)
	if errors.Is(err, llm.ErrTokenLimitExceeded) {
		// One bounded retry with fewer rows and half the output budget.
		logger.Warn("outline over token budget, reducing input", zap.Error(err))
		eventRows, clipRows = p.buildRows(req, p.cfg.ReducedEvents, p.cfg.ReducedClips)
		outlineIn = OutlineInput{Date: req.Date, EventRows: eventRows, ClipRows: clipRows, MaxTokens: p.cfg.OutlineMaxTokens / 2}
		var retry StageAttemptMetrics
		outline, retry, err = p.runner.RunOutline(ctx, outlineIn)
		m.add(retry)
		res.Metadata.InputReduced = true
		res.Metadata.DegradedReasons = append(res.Metadata.DegradedReasons,
			fmt.Sprintf("outline: input reduced to %d events and %d clips after token limit", len(eventRows), len(clipRows)))
	}
	res.Attempts[StageOutline] = m
	if err != nil {
		return p.fail(span, res, StageOutline, err)
	}
	emit(progress, StageOutline, fmt.Sprintf("Outline complete in %s", time.Since(stageStarted).Round(time.Millisecond)))
	res.Outline = outline
	res.Rows = append(append([]rows.AnchorRow{}, eventRows...), clipRows...)
	res.Metadata.EventRows = len(eventRows)
	res.Metadata.ClipRows = len(clipRows)
	res.Metadata.StagesExecuted = append(res.Metadata.StagesExecuted, StageOutline)

	// res.Rows accumulates every row a group was shown so anchors stay
	// resolvable after a later group reduces its input.
	groupRows := res.Rows
	state := NewGenerationState(p.cfg.Motifs)
	sections := map[string]SectionResult{}
	for _, group := range Groups {
		stage := SectionStage(group)
		emit(progress, stage, fmt.Sprintf("Writing %s...", strings.Join(group.Sections, ", ")))
		stageStarted = time.Now()
		motif, next := NextMotif(state)
		state = next
		in := SectionGroupInput{
			Date:      req.Date,
			Outline:   outline,
			State:     state,
			Group:     group,
			Motif:     motif,
			Rows:      groupRows,
			MaxTokens: p.cfg.SectionMaxTokens,
		}
		out, m, err := p.runner.RunSectionGroup(ctx, in)
		if errors.Is(err, llm.ErrTokenLimitExceeded) {
			logger.Warn("section group over token budget, reducing input", zap.String("group", group.Name), zap.Error(err))
			if !res.Metadata.InputReduced {
				eventRows, clipRows = p.buildRows(req, p.cfg.ReducedEvents, p.cfg.ReducedClips)
				groupRows = append(append([]rows.AnchorRow{}, eventRows...), clipRows...)
				res.Rows = mergeRows(res.Rows, groupRows)
				res.Metadata.EventRows = len(eventRows)
				res.Metadata.ClipRows = len(clipRows)
				res.Metadata.InputReduced = true
			}
			in.Rows = groupRows
			in.MaxTokens = p.cfg.SectionMaxTokens / 2
			var retry StageAttemptMetrics
			out, retry, err = p.runner.RunSectionGroup(ctx, in)
			m.add(retry)
			res.Metadata.DegradedReasons = append(res.Metadata.DegradedReasons,
				fmt.Sprintf("%s: retried with %d rows after token limit", stage, len(groupRows)))
		}
		res.Attempts[stage] = m
		if err != nil {
			return p.fail(span, res, stage, err)
		}
		for name, sec := range out.Sections {
			sections[name] = sec
		}
		for _, d := range out.Degraded {
			res.Metadata.DegradedReasons = append(res.Metadata.DegradedReasons, stage+": "+d)
		}
		state = AdvanceState(state, group, out.Sections)
		emit(progress, stage, fmt.Sprintf("%s complete in %s", group.Name, time.Since(stageStarted).Round(time.Millisecond)))
		res.Metadata.StagesExecuted = append(res.Metadata.StagesExecuted, stage)
	}

	emit(progress, StageExpansion, "Expanding the thinnest section...")
	stageStarted = time.Now()
	target := WeakestSection(sections)
	exp, m, err := p.runner.RunExpansion(ctx, ExpansionInput{
		Date:      req.Date,
		Sections:  sections,
		Target:    target,
		MaxTokens: p.cfg.ExpansionMaxTokens,
	})
	res.Attempts[StageExpansion] = m
	if err != nil {
		return p.fail(span, res, StageExpansion, err)
	}
	if exp.Section != "" {
		if sec, ok := sections[exp.Section]; ok {
			allowed := allowedAnchors(res.Rows)
			sections[exp.Section] = withAddendum(sec, closeSection(exp.Addendum, allowed).Content, allowed)
		}
	}
	if exp.Fallback {
		res.Metadata.DegradedReasons = append(res.Metadata.DegradedReasons,
			fmt.Sprintf("%s: %s used fallback addendum (%s)", StageExpansion, exp.Section, exp.Reason))
	}
	res.Expansion = &exp
	emit(progress, StageExpansion, fmt.Sprintf("Expansion complete in %s", time.Since(stageStarted).Round(time.Millisecond)))
	res.Metadata.StagesExecuted = append(res.Metadata.StagesExecuted, StageExpansion)

	res.Sections = sections
	res.State = state
	res.Artifact = Stitch(outline, sections)
	res.Metadata.StagesExecuted = append(res.Metadata.StagesExecuted, StageStitch)
	emit(progress, StageStitch, "Post assembled")

	res = p.finalize(res)
	for _, reason := range res.Metadata.DegradedReasons {
		logger.Warn("accepted degraded output", zap.String("reason", reason))
	}
	span.SetAttributes(attribute.String("devlog.status", string(res.Artifact.Status)))
	return res, nil
}

func (p *Pipeline) buildRows(req Request, maxEvents, maxClips int) ([]rows.AnchorRow, []rows.AnchorRow) {
	events := rows.BuildEventRows(rows.SelectEvents(req.Events, maxEvents))
	clips := rows.BuildClipRows(rows.SelectClips(req.Clips, maxClips))
	return events, clips
}

// mergeRows appends rows from extra whose anchors are not already present.
func mergeRows(base, extra []rows.AnchorRow) []rows.AnchorRow {
	seen := make(map[string]bool, len(base))
	out := append([]rows.AnchorRow{}, base...)
	for _, r := range base {
		seen[r.Anchor] = true
	}
	for _, r := range extra {
		if !seen[r.Anchor] {
			seen[r.Anchor] = true
			out = append(out, r)
		}
	}
	return out
}

func (p *Pipeline) fail(span trace.Span, res PipelineResult, stage string, err error) (PipelineResult, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, stage+" failed")
	return res, &StageError{Stage: stage, Err: err}
}

func emit(progress StageProgressFn, stage, message string) {
	if progress != nil {
		progress(stage, message)
	}
}

func (p *Pipeline) finalize(res PipelineResult) PipelineResult {
	res.Metadata.CompletedAt = time.Now()
	res.Metadata.StageAttempts = map[string]int{}
	res.Metadata.StageContentRetries = map[string]int{}
	res.Metadata.MotifsUsed = res.State.MotifsUsed
	for stage, m := range res.Attempts {
		res.Metadata.TotalLLMCalls += m.Attempts
		if m.Attempts > 1 {
			res.Metadata.TotalRetries += m.Attempts - 1
		}
		res.Metadata.StageAttempts[stage] = m.Attempts
		res.Metadata.StageContentRetries[stage] = m.ContentRetries
		res.Metadata.Usage.Calls += m.Usage.Calls
		res.Metadata.Usage.InputTokens += m.Usage.InputTokens
		res.Metadata.Usage.OutputTokens += m.Usage.OutputTokens
		res.Metadata.Usage.CostUSD += m.Usage.CostUSD
	}
	res.Artifact.Status = StatusComplete
	if len(res.Metadata.DegradedReasons) > 0 {
		res.Artifact.Status = StatusDegraded
	}
	return res
}

func StageNameFromError(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return "pipeline"
}
