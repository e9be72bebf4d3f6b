package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/joelkehle/devlog/internal/config"
	"github.com/joelkehle/devlog/internal/devlog"
	"github.com/joelkehle/devlog/internal/llm"
	"github.com/joelkehle/devlog/internal/logging"
	"github.com/joelkehle/devlog/internal/publish"
	"github.com/joelkehle/devlog/internal/service"
	"github.com/joelkehle/devlog/internal/store"
	"github.com/joelkehle/devlog/internal/telemetry"
)

type commandContext struct {
	configFlag *string
	verbose    *bool

	cfg    *config.Config
	logger *zap.Logger
}

func newCommandContext(configFlag *string, verbose *bool) *commandContext {
	return &commandContext{configFlag: configFlag, verbose: verbose}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	path := ""
	if c.configFlag != nil {
		path = *c.configFlag
	}
	cfg, _, _, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	c.cfg = cfg
	return cfg, nil
}

func (c *commandContext) ensureLogger() (*zap.Logger, error) {
	if c.logger != nil {
		return c.logger, nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging, c.verbose != nil && *c.verbose)
	if err != nil {
		return nil, err
	}
	c.logger = logger
	return logger, nil
}

// app is everything a generating command needs, built from config.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   *store.SQLiteStore
	service *service.Service

	shutdownTracing telemetry.ShutdownFunc
}

func (c *commandContext) openStore() (*store.SQLiteStore, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return store.NewSQLiteStore(cfg.Storage.DBPath)
}

func (c *commandContext) buildApp(ctx context.Context) (*app, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := c.ensureLogger()
	if err != nil {
		return nil, err
	}
	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	st, err := store.NewSQLiteStore(cfg.Storage.DBPath)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	backend, err := newBackend(cfg.LLM)
	if err != nil {
		_ = st.Close()
		_ = shutdown(ctx)
		return nil, err
	}
	if cfg.LLM.CacheEnabled {
		backend = llm.NewCachedBackend(backend, st, logger)
	}
	client := llm.NewClient(backend, llm.ClientOptions{
		Model:           cfg.LLM.Model,
		MaxInputTokens:  cfg.LLM.MaxInputTokens,
		ContextWindow:   cfg.LLM.ContextWindow,
		MaxOutputTokens: cfg.LLM.MaxOutputTokens,
		Timeout:         cfg.LLM.Timeout.Duration,
		Temperature:     cfg.LLM.Temperature,
		Counter:         llm.NewTokenCounter(cfg.LLM.TokenizerEncoding),
		Logger:          logger,
	})

	voice, ok, err := config.LoadVoicePrompt(cfg.Generation.VoicePromptPath)
	if err != nil {
		_ = st.Close()
		_ = shutdown(ctx)
		return nil, err
	}
	if !ok && cfg.Generation.VoicePromptPath != "" {
		logger.Warn("voice prompt not found, using default voice", zap.String("path", cfg.Generation.VoicePromptPath))
	}
	genCfg := devlog.ConfigFrom(cfg.Generation, voice)
	pipeline := devlog.NewPipeline(devlog.NewLLMStageRunner(client, genCfg, logger), genCfg, logger)

	var renderer publish.CardRenderer
	if cfg.Publish.RenderCard {
		renderer = publish.NewChromiumCardRenderer(cfg.Publish.ChromePath, cfg.Publish.Author)
	}
	writer := publish.NewWriter(cfg.Publish, renderer, logger)
	lockDir := filepath.Join(filepath.Dir(cfg.Storage.DBPath), ".locks")

	return &app{
		cfg:             cfg,
		logger:          logger,
		store:           st,
		service:         service.New(pipeline, st, writer, lockDir, logger),
		shutdownTracing: shutdown,
	}, nil
}

func (a *app) Close(ctx context.Context) {
	if err := a.shutdownTracing(ctx); err != nil {
		a.logger.Warn("tracing shutdown failed", zap.Error(err))
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func newBackend(cfg config.LLM) (llm.Backend, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		return llm.NewOpenAIBackend(cfg.APIKey, cfg.BaseURL, true)
	case "anthropic":
		return llm.NewAnthropicBackend(cfg.APIKey, cfg.BaseURL)
	}
	return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
}
