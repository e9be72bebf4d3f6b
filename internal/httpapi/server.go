package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/joelkehle/devlog/internal/devlog"
	"github.com/joelkehle/devlog/internal/llm"
	"github.com/joelkehle/devlog/internal/service"
	"github.com/joelkehle/devlog/internal/store"
)

const (
	CodeValidation   = "validation"
	CodeUnauthorized = "unauthorized"
	CodeNotFound     = "not_found"
	CodeConflict     = "conflict"
	CodeRejected     = "rejected"
	CodeUpstream     = "upstream"
	CodeTimeout      = "timeout"
	CodeInternal     = "internal"

	signatureHeader = "X-Devlog-Signature"
	maxBodyBytes    = 8 << 20
)

type RunService interface {
	Generate(ctx context.Context, req devlog.Request) (devlog.ResponseEnvelope, error)
}

type RunStore interface {
	GetRun(ctx context.Context, runID string) (devlog.ResponseEnvelope, error)
	ListRuns(ctx context.Context, limit int) ([]store.RunSummary, error)
}

// Error is the payload shape every non-2xx response carries.
type Error struct {
	Code      string
	Message   string
	Status    int
	Transient bool
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

type Option func(*Server)

// WithWebhookSecret requires POST bodies to carry an HMAC-SHA256 signature
// in X-Devlog-Signature.
func WithWebhookSecret(secret string) Option {
	return func(s *Server) { s.secret = strings.TrimSpace(secret) }
}

type Server struct {
	runner  RunService
	runs    RunStore
	logger  *zap.Logger
	secret  string
	started time.Time
}

func NewServer(runner RunService, runs RunStore, logger *zap.Logger, opts ...Option) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		runner:  runner,
		runs:    runs,
		logger:  logger.Named("httpapi"),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/runs", s.handleCreateRun)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleRun)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(started)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	ae := classify(err)
	writeJSON(w, ae.Status, map[string]any{
		"ok": false,
		"error": map[string]any{
			"code":      ae.Code,
			"message":   ae.Message,
			"transient": ae.Transient,
		},
	})
}

func classify(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	msg := err.Error()
	switch {
	case errors.Is(err, devlog.ErrNoActivity):
		return &Error{Code: CodeValidation, Message: msg, Status: http.StatusBadRequest}
	case errors.Is(err, store.ErrNotFound):
		return &Error{Code: CodeNotFound, Message: msg, Status: http.StatusNotFound}
	case errors.Is(err, service.ErrDateBusy):
		return &Error{Code: CodeConflict, Message: msg, Status: http.StatusConflict, Transient: true}
	case errors.Is(err, llm.ErrTokenLimitExceeded):
		return &Error{Code: CodeRejected, Message: msg, Status: http.StatusUnprocessableEntity}
	case errors.Is(err, llm.ErrUpstream):
		return &Error{Code: CodeUpstream, Message: msg, Status: http.StatusBadGateway, Transient: true}
	case errors.Is(err, llm.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return &Error{Code: CodeTimeout, Message: msg, Status: http.StatusGatewayTimeout, Transient: true}
	}
	return &Error{Code: CodeInternal, Message: msg, Status: http.StatusInternalServerError, Transient: true}
}

func validationError(msg string) *Error {
	return &Error{Code: CodeValidation, Message: msg, Status: http.StatusBadRequest}
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte("{}"), nil
	}
	blob, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if len(blob) == 0 {
		blob = []byte("{}")
	}
	return blob, nil
}

func decodeJSONBytes(blob []byte, dst any) error {
	return json.Unmarshal(blob, dst)
}

func parseInt(value string, def int) int {
	if strings.TrimSpace(value) == "" {
		return def
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return v
}

func (s *Server) verifySignature(signature string, payload []byte) error {
	if s.secret == "" {
		return nil
	}
	sig := strings.TrimSpace(signature)
	if sig == "" {
		return &Error{Code: CodeUnauthorized, Message: signatureHeader + " required", Status: http.StatusUnauthorized}
	}
	if strings.HasPrefix(strings.ToLower(sig), "sha256=") {
		sig = sig[len("sha256="):]
	}
	provided, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return &Error{Code: CodeUnauthorized, Message: "invalid signature encoding", Status: http.StatusUnauthorized}
	}
	mac := hmac.New(sha256.New, []byte(s.secret))
	_, _ = mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), provided) {
		return &Error{Code: CodeUnauthorized, Message: "invalid signature", Status: http.StatusUnauthorized}
	}
	return nil
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	blob, err := readBody(r)
	if err != nil {
		writeError(w, validationError("read body: "+err.Error()))
		return
	}
	if err := s.verifySignature(r.Header.Get(signatureHeader), blob); err != nil {
		writeError(w, err)
		return
	}
	var req devlog.Request
	if err := decodeJSONBytes(blob, &req); err != nil {
		writeError(w, validationError("invalid json: "+err.Error()))
		return
	}
	req.Date = strings.TrimSpace(req.Date)
	if _, err := time.Parse(time.DateOnly, req.Date); err != nil {
		writeError(w, validationError("date must be YYYY-MM-DD"))
		return
	}

	env, err := s.runner.Generate(r.Context(), req)
	if err != nil {
		s.logger.Warn("run request failed",
			zap.String("date", req.Date),
			zap.String("stage", devlog.StageNameFromError(err)),
			zap.Error(err),
		)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "run": env})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 20)
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	runs, err := s.runs.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []store.RunSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "runs": runs})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		writeError(w, validationError("run id required"))
		return
	}
	env, err := s.runs.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if r.URL.Query().Get("format") == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, env.Artifact.MarkdownBody)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "run": env})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":             true,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}
