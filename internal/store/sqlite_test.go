package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joelkehle/devlog/internal/devlog"
	"github.com/joelkehle/devlog/internal/llm"
)

func newTestStore(t *testing.T) (*SQLiteStore, *time.Time) {
	t.Helper()
	now := time.Date(2026, 2, 17, 0, 0, 0, 0, time.UTC)
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	s.now = func() time.Time { return now }
	t.Cleanup(func() { s.Close() })
	return s, &now
}

func envelope(runID, date string, status devlog.ArtifactStatus) devlog.ResponseEnvelope {
	return devlog.ResponseEnvelope{
		RunID:  runID,
		Date:   date,
		Status: status,
		Artifact: devlog.Artifact{
			Title:   "Title " + runID,
			Content: "## Hook\n\nHello",
			Tags:    []string{"devlog"},
			Status:  status,
		},
		StageOutputs: map[string]any{"outline": map[string]any{"thesis": "t"}},
		PipelineMetadata: devlog.PipelineMetadata{
			TotalLLMCalls: 5,
			Usage:         llm.Usage{CostUSD: 0.25},
		},
	}
}

func TestSQLiteRunRoundTrip(t *testing.T) {
	s, now := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveRun(ctx, envelope("r1", "2026-02-16", devlog.StatusComplete)))
	*now = now.Add(time.Minute)
	require.NoError(t, s.SaveRun(ctx, envelope("r2", "2026-02-16", devlog.StatusDegraded)))
	*now = now.Add(time.Minute)
	require.NoError(t, s.SaveRun(ctx, envelope("r3", "2026-02-17", devlog.StatusComplete)))

	got, err := s.GetRun(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, "Title r2", got.Artifact.Title)
	assert.Equal(t, devlog.StatusDegraded, got.Status)
	assert.Equal(t, 5, got.PipelineMetadata.TotalLLMCalls)

	latest, found, err := s.LatestRunForDate(ctx, "2026-02-16")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "r2", latest.RunID)

	_, found, err = s.LatestRunForDate(ctx, "2020-01-01")
	require.NoError(t, err)
	assert.False(t, found)

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "r3", runs[0].RunID)
	assert.Equal(t, 0.25, runs[0].CostUSD)
	assert.True(t, now.Equal(runs[0].CreatedAt))

	runs, err = s.ListRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestSQLiteGetRunNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.GetRun(context.Background(), "missing")
	require.True(t, errors.Is(err, ErrNotFound))
	require.Error(t, s.SaveRun(context.Background(), devlog.ResponseEnvelope{}))
}

func TestSQLiteSaveRunReplaces(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveRun(ctx, envelope("r1", "2026-02-16", devlog.StatusDegraded)))
	env := envelope("r1", "2026-02-16", devlog.StatusComplete)
	env.Artifact.Title = "Rebuilt"
	require.NoError(t, s.SaveRun(ctx, env))

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "Rebuilt", runs[0].Title)
	assert.Equal(t, "complete", runs[0].Status)
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	s1, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.SaveRun(context.Background(), envelope("r1", "2026-02-16", devlog.StatusComplete)))
	require.NoError(t, s1.PutCompletion(context.Background(), "k", llm.Completion{Text: "hi"}))
	require.NoError(t, s1.Close())

	s2, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s2.Close()
	_, err = s2.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	_, found, err := s2.GetCompletion(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestSQLiteCompletionCache(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, found, err := s.GetCompletion(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	want := llm.Completion{
		Text:         "plain",
		Structured:   json.RawMessage(`{"a":1}`),
		InputTokens:  10,
		OutputTokens: 20,
		Model:        "claude-sonnet-4-20250514",
	}
	require.NoError(t, s.PutCompletion(ctx, "k1", want))
	got, found, err := s.GetCompletion(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, want, got)
}

type stubBackend struct{ calls int }

func (b *stubBackend) Name() string { return "stub" }

func (b *stubBackend) Complete(context.Context, llm.Request) (llm.Completion, error) {
	b.calls++
	return llm.Completion{Text: "fresh", InputTokens: 3, OutputTokens: 4}, nil
}

func TestSQLiteBacksCachedBackend(t *testing.T) {
	s, _ := newTestStore(t)
	next := &stubBackend{}
	cached := llm.NewCachedBackend(next, s, nil)
	req := llm.Request{Model: "m", System: "sys", Prompt: "p", MaxTokens: 10}

	first, err := cached.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	second, err := cached.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, "fresh", second.Text)
	assert.Equal(t, 1, next.calls)
}
