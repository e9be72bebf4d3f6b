package devlog

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func savedEnvelope(t *testing.T, r *mockRunner) ResponseEnvelope {
	t.Helper()
	res, err := NewPipeline(r, DefaultConfig(), nil).Run(context.Background(), baseRequest())
	require.NoError(t, err)
	b, err := json.Marshal(BuildResponse(res))
	require.NoError(t, err)
	var env ResponseEnvelope
	require.NoError(t, json.Unmarshal(b, &env))
	return env
}

func TestRebuildResponseFromEnvelopeRestitches(t *testing.T) {
	env := savedEnvelope(t, newMockRunner())

	rebuilt, err := RebuildResponseFromEnvelope(env)
	require.NoError(t, err)
	if diff := cmp.Diff(env.Artifact, rebuilt.Artifact); diff != "" {
		t.Fatalf("artifact changed on restitch (-saved +rebuilt):\n%s", diff)
	}
	assert.Equal(t, env.RunID, rebuilt.RunID)
	assert.Equal(t, StatusComplete, rebuilt.Status)
	assert.NotNil(t, rebuilt.StageOutputs[StageExpansion])
}

func TestRebuildKeepsDegradedStatus(t *testing.T) {
	r := newMockRunner()
	r.degraded["opening"] = []string{"Hook: placeholder used"}
	env := savedEnvelope(t, r)
	require.Equal(t, StatusDegraded, env.Status)

	rebuilt, err := RebuildResponseFromEnvelope(env)
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, rebuilt.Artifact.Status)
	assert.Contains(t, rebuilt.RunReport, "## Degraded Output")
	assert.Contains(t, rebuilt.RunReport, "Hook: placeholder used")
}

func TestPipelineResultFromEnvelopeRequiresSections(t *testing.T) {
	env := savedEnvelope(t, newMockRunner())
	delete(env.StageOutputs, "sections")
	_, err := PipelineResultFromResponseEnvelope(env)
	require.Error(t, err)

	env = savedEnvelope(t, newMockRunner())
	delete(env.StageOutputs, StageOutline)
	_, err = RebuildResponseFromEnvelope(env)
	require.Error(t, err)
}

func TestBuildResponseRunReport(t *testing.T) {
	env := savedEnvelope(t, newMockRunner())
	assert.Contains(t, env.RunReport, "# Devlog Run Report")
	assert.Contains(t, env.RunReport, "- Run ID: run-1")
	assert.Contains(t, env.RunReport, "| What Shipped |")
	assert.Contains(t, env.RunReport, "- outline: 1 calls, 0 content retries")
	assert.NotContains(t, env.RunReport, "## Degraded Output")
	for _, key := range []string{"rows", StageOutline, "sections", "generation_state", StageExpansion} {
		assert.Contains(t, env.StageOutputs, key)
	}
}
