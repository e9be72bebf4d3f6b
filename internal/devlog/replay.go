package devlog

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PipelineResultFromResponseEnvelope reconstructs a PipelineResult from a
// saved envelope so the post can be stitched again without any LLM calls.
func PipelineResultFromResponseEnvelope(env ResponseEnvelope) (PipelineResult, error) {
	res := PipelineResult{
		Request:  Request{RunID: strings.TrimSpace(env.RunID), Date: strings.TrimSpace(env.Date)},
		Artifact: env.Artifact,
		Metadata: env.PipelineMetadata,
		Attempts: map[string]StageAttemptMetrics{},
	}
	if err := decodeStageOutput(env.StageOutputs, StageOutline, &res.Outline); err != nil {
		return PipelineResult{}, err
	}
	if err := decodeStageOutput(env.StageOutputs, "sections", &res.Sections); err != nil {
		return PipelineResult{}, err
	}
	if err := decodeOptionalStageOutput(env.StageOutputs, "rows", &res.Rows); err != nil {
		return PipelineResult{}, err
	}
	if err := decodeOptionalStageOutput(env.StageOutputs, "generation_state", &res.State); err != nil {
		return PipelineResult{}, err
	}
	if raw, ok := env.StageOutputs[StageExpansion]; ok && raw != nil {
		var exp ExpansionResult
		if err := decodeStageOutput(env.StageOutputs, StageExpansion, &exp); err != nil {
			return PipelineResult{}, err
		}
		res.Expansion = &exp
	}
	for stage, n := range env.PipelineMetadata.StageAttempts {
		res.Attempts[stage] = StageAttemptMetrics{Attempts: n, ContentRetries: env.PipelineMetadata.StageContentRetries[stage]}
	}
	return res, nil
}

// RebuildResponseFromEnvelope stitches the saved sections again with the
// current cleanup rules. Status is carried over from the saved run.
func RebuildResponseFromEnvelope(env ResponseEnvelope) (ResponseEnvelope, error) {
	res, err := PipelineResultFromResponseEnvelope(env)
	if err != nil {
		return ResponseEnvelope{}, err
	}
	res.Artifact = Stitch(res.Outline, res.Sections)
	res.Artifact.Status = StatusComplete
	if len(res.Metadata.DegradedReasons) > 0 {
		res.Artifact.Status = StatusDegraded
	}
	return BuildResponse(res), nil
}

func decodeStageOutput(stageOutputs map[string]any, key string, out any) error {
	raw, ok := stageOutputs[key]
	if !ok || raw == nil {
		return fmt.Errorf("stage output %q is required", key)
	}
	return remarshal(key, raw, out)
}

func decodeOptionalStageOutput(stageOutputs map[string]any, key string, out any) error {
	raw, ok := stageOutputs[key]
	if !ok || raw == nil {
		return nil
	}
	return remarshal(key, raw, out)
}

func remarshal(key string, raw, out any) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("stage output %q marshal: %w", key, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("stage output %q decode: %w", key, err)
	}
	return nil
}
