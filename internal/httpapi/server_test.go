package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joelkehle/devlog/internal/devlog"
	"github.com/joelkehle/devlog/internal/llm"
	"github.com/joelkehle/devlog/internal/service"
	"github.com/joelkehle/devlog/internal/store"
)

type fakeRunner struct {
	err  error
	reqs []devlog.Request
}

func (f *fakeRunner) Generate(_ context.Context, req devlog.Request) (devlog.ResponseEnvelope, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return devlog.ResponseEnvelope{}, f.err
	}
	return devlog.ResponseEnvelope{
		RunID:  "run-1",
		Date:   req.Date,
		Status: devlog.StatusComplete,
		Artifact: devlog.Artifact{
			Title:        "A good day",
			MarkdownBody: "# A good day\n\nbody",
		},
	}, nil
}

type fakeRuns struct {
	runs  map[string]devlog.ResponseEnvelope
	list  []store.RunSummary
	limit int
}

func (f *fakeRuns) GetRun(_ context.Context, id string) (devlog.ResponseEnvelope, error) {
	env, ok := f.runs[id]
	if !ok {
		return devlog.ResponseEnvelope{}, fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	return env, nil
}

func (f *fakeRuns) ListRuns(_ context.Context, limit int) ([]store.RunSummary, error) {
	f.limit = limit
	return f.list, nil
}

func newServerForTest(runner *fakeRunner, opts ...Option) (http.Handler, *fakeRuns) {
	runs := &fakeRuns{
		runs: map[string]devlog.ResponseEnvelope{
			"run-1": {RunID: "run-1", Date: "2025-01-15", Artifact: devlog.Artifact{MarkdownBody: "# Title\n\nbody"}},
		},
		list: []store.RunSummary{{RunID: "run-1", Date: "2025-01-15", Status: "complete", CreatedAt: time.Date(2025, 1, 15, 20, 0, 0, 0, time.UTC)}},
	}
	return NewServer(runner, runs, nil, opts...), runs
}

func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func postRaw(t *testing.T, h http.Handler, path string, blob []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(blob))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func postJSON(t *testing.T, h http.Handler, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	blob, err := json.Marshal(body)
	require.NoError(t, err)
	return postRaw(t, h, path, blob, headers)
}

func getWithHeaders(t *testing.T, h http.Handler, rawPath string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, rawPath, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

type errorBody struct {
	OK    bool `json:"ok"`
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Transient bool   `json:"transient"`
	} `json:"error"`
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body), rr.Body.String())
	return body
}

func TestCreateRun(t *testing.T) {
	runner := &fakeRunner{}
	h, _ := newServerForTest(runner)

	rr := postJSON(t, h, "/v1/runs", map[string]any{
		"date":          "2025-01-15",
		"github_events": []map[string]any{{"type": "PullRequestEvent", "repo": "dev/app", "details": map[string]any{"number": 111, "merged": true}}},
	}, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var body struct {
		OK  bool                    `json:"ok"`
		Run devlog.ResponseEnvelope `json:"run"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.True(t, body.OK)
	assert.Equal(t, "run-1", body.Run.RunID)
	require.Len(t, runner.reqs, 1)
	assert.Equal(t, "2025-01-15", runner.reqs[0].Date)
	assert.Len(t, runner.reqs[0].Events, 1)
}

func TestCreateRunValidation(t *testing.T) {
	runner := &fakeRunner{}
	h, _ := newServerForTest(runner)

	rr := postRaw(t, h, "/v1/runs", []byte("{not json"), nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, CodeValidation, decodeError(t, rr).Error.Code)

	rr = postJSON(t, h, "/v1/runs", map[string]any{"date": "01/15/2025"}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, runner.reqs)
}

func TestCreateRunErrorMapping(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		status    int
		code      string
		transient bool
	}{
		{"no activity", devlog.ErrNoActivity, http.StatusBadRequest, CodeValidation, false},
		{"busy", fmt.Errorf("2025-01-15: %w", service.ErrDateBusy), http.StatusConflict, CodeConflict, true},
		{"token limit", &devlog.StageError{Stage: devlog.StageOutline, Err: &llm.TokenLimitError{Reason: "input", InputTokens: 10, Limit: 5}}, http.StatusUnprocessableEntity, CodeRejected, false},
		{"upstream", &devlog.StageError{Stage: "sections_core", Err: &llm.UpstreamError{StatusCode: 503}}, http.StatusBadGateway, CodeUpstream, true},
		{"timeout", fmt.Errorf("%w: slow", llm.ErrTimeout), http.StatusGatewayTimeout, CodeTimeout, true},
		{"other", errors.New("disk full"), http.StatusInternalServerError, CodeInternal, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, _ := newServerForTest(&fakeRunner{err: tc.err})
			rr := postJSON(t, h, "/v1/runs", map[string]any{"date": "2025-01-15"}, nil)
			assert.Equal(t, tc.status, rr.Code)
			body := decodeError(t, rr)
			assert.False(t, body.OK)
			assert.Equal(t, tc.code, body.Error.Code)
			assert.Equal(t, tc.transient, body.Error.Transient)
		})
	}
}

func TestCreateRunSignature(t *testing.T) {
	runner := &fakeRunner{}
	h, _ := newServerForTest(runner, WithWebhookSecret("s3cret"))
	payload := []byte(`{"date":"2025-01-15"}`)

	rr := postRaw(t, h, "/v1/runs", payload, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = postRaw(t, h, "/v1/runs", payload, map[string]string{signatureHeader: sign("wrong", payload)})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = postRaw(t, h, "/v1/runs", payload, map[string]string{signatureHeader: "zz-not-hex"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "invalid signature encoding", decodeError(t, rr).Error.Message)
	assert.Empty(t, runner.reqs)

	rr = postRaw(t, h, "/v1/runs", payload, map[string]string{signatureHeader: "sha256=" + sign("s3cret", payload)})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Len(t, runner.reqs, 1)
}

func TestListRuns(t *testing.T) {
	h, runs := newServerForTest(&fakeRunner{})

	rr := getWithHeaders(t, h, "/v1/runs?limit=5", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 5, runs.limit)

	var body struct {
		Runs []store.RunSummary `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	assert.Equal(t, "run-1", body.Runs[0].RunID)

	getWithHeaders(t, h, "/v1/runs?limit=abc", nil)
	assert.Equal(t, 20, runs.limit)
}

func TestGetRun(t *testing.T) {
	h, _ := newServerForTest(&fakeRunner{})

	rr := getWithHeaders(t, h, "/v1/runs/run-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"run_id":"run-1"`)

	rr = getWithHeaders(t, h, "/v1/runs/run-1?format=markdown", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "# Title\n\nbody", rr.Body.String())
	assert.Contains(t, rr.Header().Get("Content-Type"), "text/markdown")

	rr = getWithHeaders(t, h, "/v1/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, CodeNotFound, decodeError(t, rr).Error.Code)
}

func TestMethodsAndHealth(t *testing.T) {
	h, _ := newServerForTest(&fakeRunner{})

	rr := postJSON(t, h, "/v1/health", map[string]any{}, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr = postJSON(t, h, "/v1/runs/run-1", map[string]any{}, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr = getWithHeaders(t, h, "/v1/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"ok":true`)
}
