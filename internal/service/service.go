// Package service ties the generation pipeline to storage and publishing.
// Both the CLI and the HTTP API drive runs through it.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/joelkehle/devlog/internal/devlog"
	"github.com/joelkehle/devlog/internal/publish"
)

// ErrDateBusy is returned when another run holds the lock for the same date.
var ErrDateBusy = errors.New("a run for this date is already in progress")

type Generator interface {
	Run(ctx context.Context, req devlog.Request) (devlog.PipelineResult, error)
}

type RunRecorder interface {
	SaveRun(ctx context.Context, env devlog.ResponseEnvelope) error
	GetRun(ctx context.Context, runID string) (devlog.ResponseEnvelope, error)
}

type Publisher interface {
	Publish(ctx context.Context, env devlog.ResponseEnvelope) (publish.Paths, error)
}

type Service struct {
	generator Generator
	runs      RunRecorder
	publisher Publisher
	lockDir   string
	logger    *zap.Logger
}

// New builds a Service. publisher may be nil to skip writing files. Lock
// files live in lockDir, one per date.
func New(generator Generator, runs RunRecorder, publisher Publisher, lockDir string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		generator: generator,
		runs:      runs,
		publisher: publisher,
		lockDir:   lockDir,
		logger:    logger.Named("service"),
	}
}

// Generate runs the pipeline for one date, stores the envelope and publishes
// it. Runs for the same date are serialized across processes.
func (s *Service) Generate(ctx context.Context, req devlog.Request) (devlog.ResponseEnvelope, error) {
	if _, err := time.Parse(time.DateOnly, req.Date); err != nil {
		return devlog.ResponseEnvelope{}, fmt.Errorf("date must be YYYY-MM-DD: %w", err)
	}
	unlock, err := s.lockDate(req.Date)
	if err != nil {
		return devlog.ResponseEnvelope{}, err
	}
	defer unlock()

	started := time.Now()
	res, err := s.generator.Run(ctx, req)
	if err != nil {
		s.logger.Error("run failed",
			zap.String("date", req.Date),
			zap.String("stage", devlog.StageNameFromError(err)),
			zap.Error(err),
		)
		return devlog.ResponseEnvelope{}, err
	}
	env := devlog.BuildResponse(res)
	if err := s.runs.SaveRun(ctx, env); err != nil {
		return env, err
	}
	if err := s.publish(ctx, env); err != nil {
		return env, err
	}
	s.logger.Info("run complete",
		zap.String("run_id", env.RunID),
		zap.String("date", env.Date),
		zap.String("status", string(env.Status)),
		zap.Int("llm_calls", env.PipelineMetadata.TotalLLMCalls),
		zap.Float64("cost_usd", env.PipelineMetadata.Usage.CostUSD),
		zap.Duration("elapsed", time.Since(started)),
	)
	return env, nil
}

// Restitch rebuilds a stored run's artifact without calling the model, then
// stores and publishes the result.
func (s *Service) Restitch(ctx context.Context, runID string) (devlog.ResponseEnvelope, error) {
	saved, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return devlog.ResponseEnvelope{}, err
	}
	unlock, err := s.lockDate(saved.Date)
	if err != nil {
		return devlog.ResponseEnvelope{}, err
	}
	defer unlock()

	env, err := devlog.RebuildResponseFromEnvelope(saved)
	if err != nil {
		return devlog.ResponseEnvelope{}, fmt.Errorf("restitch %s: %w", runID, err)
	}
	if err := s.runs.SaveRun(ctx, env); err != nil {
		return env, err
	}
	if err := s.publish(ctx, env); err != nil {
		return env, err
	}
	s.logger.Info("run restitched", zap.String("run_id", runID), zap.String("date", env.Date))
	return env, nil
}

func (s *Service) publish(ctx context.Context, env devlog.ResponseEnvelope) error {
	if s.publisher == nil {
		return nil
	}
	if _, err := s.publisher.Publish(ctx, env); err != nil {
		return fmt.Errorf("publish %s: %w", env.Date, err)
	}
	return nil
}

func (s *Service) lockDate(date string) (func(), error) {
	if s.lockDir == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(s.lockDir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	lk := flock.New(filepath.Join(s.lockDir, date+".lock"))
	locked, err := lk.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", date, err)
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w", date, ErrDateBusy)
	}
	return func() {
		if err := lk.Unlock(); err != nil {
			s.logger.Warn("unlock failed", zap.String("date", date), zap.Error(err))
		}
	}, nil
}
