// Package store persists run envelopes and cached completions in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/joelkehle/devlog/internal/devlog"
	"github.com/joelkehle/devlog/internal/llm"
)

// ErrNotFound is returned when a requested run does not exist.
var ErrNotFound = errors.New("not found")

type SQLiteStore struct {
	db  *sqlx.DB
	now func() time.Time
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id       TEXT PRIMARY KEY,
	date         TEXT NOT NULL,
	status       TEXT NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	llm_calls    INTEGER NOT NULL DEFAULT 0,
	cost_usd     REAL NOT NULL DEFAULT 0,
	envelope     TEXT NOT NULL,
	created_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS runs_date ON runs (date, created_at);

CREATE TABLE IF NOT EXISTS completion_cache (
	cache_key     TEXT PRIMARY KEY,
	model         TEXT NOT NULL DEFAULT '',
	body          TEXT NOT NULL,
	structured    TEXT NOT NULL DEFAULT '',
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL
);
`

// RunSummary is one row of the runs table without the envelope.
type RunSummary struct {
	RunID     string    `db:"run_id" json:"run_id"`
	Date      string    `db:"date" json:"date"`
	Status    string    `db:"status" json:"status"`
	Title     string    `db:"title" json:"title"`
	LLMCalls  int       `db:"llm_calls" json:"llm_calls"`
	CostUSD   float64   `db:"cost_usd" json:"cost_usd"`
	CreatedAt time.Time `db:"-" json:"created_at"`

	CreatedAtText string `db:"created_at" json:"-"`
}

type completionRow struct {
	Model        string `db:"model"`
	Body         string `db:"body"`
	Structured   string `db:"structured"`
	InputTokens  int    `db:"input_tokens"`
	OutputTokens int    `db:"output_tokens"`
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveRun inserts or replaces the envelope for env.RunID.
func (s *SQLiteStore) SaveRun(ctx context.Context, env devlog.ResponseEnvelope) error {
	if env.RunID == "" {
		return errors.New("run_id is required")
	}
	blob, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	_, err = s.db.NamedExecContext(ctx, `INSERT OR REPLACE INTO runs
		(run_id, date, status, title, llm_calls, cost_usd, envelope, created_at)
		VALUES (:run_id, :date, :status, :title, :llm_calls, :cost_usd, :envelope, :created_at)`,
		map[string]any{
			"run_id":     env.RunID,
			"date":       env.Date,
			"status":     string(env.Status),
			"title":      env.Artifact.Title,
			"llm_calls":  env.PipelineMetadata.TotalLLMCalls,
			"cost_usd":   env.PipelineMetadata.Usage.CostUSD,
			"envelope":   string(blob),
			"created_at": s.now().UTC().Format(time.RFC3339Nano),
		})
	if err != nil {
		return fmt.Errorf("save run %s: %w", env.RunID, err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (devlog.ResponseEnvelope, error) {
	var blob string
	err := s.db.GetContext(ctx, &blob, "SELECT envelope FROM runs WHERE run_id = ?", runID)
	if errors.Is(err, sql.ErrNoRows) {
		return devlog.ResponseEnvelope{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return devlog.ResponseEnvelope{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	return decodeEnvelope(blob)
}

// LatestRunForDate returns the most recent run for date. found is false when
// the date has never been generated.
func (s *SQLiteStore) LatestRunForDate(ctx context.Context, date string) (devlog.ResponseEnvelope, bool, error) {
	var blob string
	err := s.db.GetContext(ctx, &blob, "SELECT envelope FROM runs WHERE date = ? ORDER BY created_at DESC LIMIT 1", date)
	if errors.Is(err, sql.ErrNoRows) {
		return devlog.ResponseEnvelope{}, false, nil
	}
	if err != nil {
		return devlog.ResponseEnvelope{}, false, fmt.Errorf("latest run for %s: %w", date, err)
	}
	env, err := decodeEnvelope(blob)
	return env, err == nil, err
}

// ListRuns returns summaries newest first. limit <= 0 means no limit.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	query := "SELECT run_id, date, status, title, llm_calls, cost_usd, created_at FROM runs ORDER BY created_at DESC"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	var out []RunSummary
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	for i := range out {
		out[i].CreatedAt, _ = time.Parse(time.RFC3339Nano, out[i].CreatedAtText)
	}
	return out, nil
}

func (s *SQLiteStore) GetCompletion(ctx context.Context, key string) (llm.Completion, bool, error) {
	var row completionRow
	err := s.db.GetContext(ctx, &row, "SELECT model, body, structured, input_tokens, output_tokens FROM completion_cache WHERE cache_key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return llm.Completion{}, false, nil
	}
	if err != nil {
		return llm.Completion{}, false, fmt.Errorf("get completion: %w", err)
	}
	c := llm.Completion{
		Text:         row.Body,
		Model:        row.Model,
		InputTokens:  row.InputTokens,
		OutputTokens: row.OutputTokens,
	}
	if row.Structured != "" {
		c.Structured = json.RawMessage(row.Structured)
	}
	return c, true, nil
}

func (s *SQLiteStore) PutCompletion(ctx context.Context, key string, c llm.Completion) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO completion_cache
		(cache_key, model, body, structured, input_tokens, output_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key, c.Model, c.Text, string(c.Structured), c.InputTokens, c.OutputTokens, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put completion: %w", err)
	}
	return nil
}

func decodeEnvelope(blob string) (devlog.ResponseEnvelope, error) {
	var env devlog.ResponseEnvelope
	if err := json.Unmarshal([]byte(blob), &env); err != nil {
		return devlog.ResponseEnvelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

var _ llm.CompletionCache = (*SQLiteStore)(nil)
