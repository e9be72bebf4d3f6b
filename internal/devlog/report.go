package devlog

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

type ResponseEnvelope struct {
	RunID            string           `json:"run_id"`
	Date             string           `json:"date"`
	Status           ArtifactStatus   `json:"status"`
	Artifact         Artifact         `json:"artifact"`
	StageOutputs     map[string]any   `json:"stage_outputs"`
	PipelineMetadata PipelineMetadata `json:"pipeline_metadata"`
	RunReport        string           `json:"run_report_markdown"`
}

func BuildResponse(result PipelineResult) ResponseEnvelope {
	env := ResponseEnvelope{
		RunID:            result.Request.RunID,
		Date:             result.Request.Date,
		Status:           result.Artifact.Status,
		Artifact:         result.Artifact,
		StageOutputs:     map[string]any{},
		PipelineMetadata: result.Metadata,
	}
	env.StageOutputs["rows"] = result.Rows
	env.StageOutputs[StageOutline] = result.Outline
	env.StageOutputs["sections"] = result.Sections
	env.StageOutputs["generation_state"] = result.State
	if result.Expansion != nil {
		env.StageOutputs[StageExpansion] = result.Expansion
	}
	env.RunReport = buildRunReport(result)
	return env
}

// buildRunReport summarizes how a run went, separate from the post itself.
func buildRunReport(result PipelineResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Devlog Run Report\n\n")
	fmt.Fprintf(&b, "- Run ID: %s\n", result.Request.RunID)
	fmt.Fprintf(&b, "- Date: %s\n", result.Request.Date)
	fmt.Fprintf(&b, "- Title: %s\n", result.Artifact.Title)
	fmt.Fprintf(&b, "- Status: **%s**\n", result.Artifact.Status)
	fmt.Fprintf(&b, "- Rows: %d events, %d clips\n", result.Metadata.EventRows, result.Metadata.ClipRows)
	if result.Metadata.InputReduced {
		b.WriteString("- Input was reduced after hitting the token budget\n")
	}
	b.WriteString("\n")

	if len(result.Metadata.DegradedReasons) > 0 {
		b.WriteString("## Degraded Output\n\n")
		for _, r := range result.Metadata.DegradedReasons {
			fmt.Fprintf(&b, "- %s\n", sanitizeLine(r))
		}
		b.WriteString("\n")
	}

	b.WriteString("## Sections\n\n")
	b.WriteString("| Section | Words | Anchors |\n|---|---|---|\n")
	for _, name := range CanonicalOrder {
		sec, ok := result.Sections[name]
		if !ok {
			continue
		}
		anchors := strings.Join(sec.AnchorsUsed, " ")
		if anchors == "" {
			anchors = "-"
		}
		fmt.Fprintf(&b, "| %s | %d | %s |\n", name, WordCount(sec.Content), anchors)
	}
	b.WriteString("\n")

	b.WriteString("## Stage Attempts\n\n")
	stages := make([]string, 0, len(result.Metadata.StageAttempts))
	for stage := range result.Metadata.StageAttempts {
		stages = append(stages, stage)
	}
	sort.Strings(stages)
	for _, stage := range stages {
		fmt.Fprintf(&b, "- %s: %d calls, %d content retries\n", stage, result.Metadata.StageAttempts[stage], result.Metadata.StageContentRetries[stage])
	}
	u := result.Metadata.Usage
	fmt.Fprintf(&b, "\nUsage: %d calls, %d input tokens, %d output tokens, $%.4f estimated.\n", u.Calls, u.InputTokens, u.OutputTokens, u.CostUSD)

	fmt.Fprintf(&b, "\n## Pipeline Metadata (JSON)\n\n```json\n%s\n```\n", prettyJSON(result.Metadata))
	return b.String()
}

func sanitizeLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func prettyJSON(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}
