package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/joelkehle/devlog/internal/telemetry"
)

type Request struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Completion is either plain text or, for backends with schema-constrained
// output, a pre-parsed JSON value in Structured. Callers accept both.
type Completion struct {
	Text         string          `json:"text"`
	Structured   json.RawMessage `json:"structured,omitempty"`
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
	Model        string          `json:"model"`
	Cached       bool            `json:"-"`
}

// Body returns the structured value when present, otherwise the text.
func (c Completion) Body() string {
	if len(c.Structured) > 0 {
		return string(c.Structured)
	}
	return c.Text
}

type Backend interface {
	Name() string
	Complete(ctx context.Context, req Request) (Completion, error)
}

type ClientOptions struct {
	Model           string
	MaxInputTokens  int
	ContextWindow   int
	MaxOutputTokens int
	Timeout         time.Duration
	Temperature     float64
	Counter         TokenCounter
	Logger          *zap.Logger
}

// Usage accumulates token and cost totals across calls on one Client.
type Usage struct {
	Calls        int     `json:"calls"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

func (u *Usage) Add(c Completion) {
	u.Calls++
	u.InputTokens += c.InputTokens
	u.OutputTokens += c.OutputTokens
	u.CostUSD += EstimateCost(c.Model, c.InputTokens, c.OutputTokens)
}

type Client struct {
	backend Backend
	opts    ClientOptions
	logger  *zap.Logger
}

func NewClient(backend Backend, opts ClientOptions) *Client {
	if opts.Counter == nil {
		opts.Counter = estimateCounter{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{backend: backend, opts: opts, logger: logger.Named("llm")}
}

// ValidateTokenLimits checks the request against the configured limits and
// returns the counted input tokens. It never touches the network.
func (c *Client) ValidateTokenLimits(system, prompt string, maxTokens int) (int, error) {
	input := c.opts.Counter.Count(system + "\n\n" + prompt)
	switch {
	case maxTokens <= 0:
		return input, &TokenLimitError{Reason: "max_tokens must be positive", InputTokens: input, MaxTokens: maxTokens}
	case c.opts.MaxInputTokens > 0 && input > c.opts.MaxInputTokens:
		return input, &TokenLimitError{Reason: fmt.Sprintf("input tokens %d exceed model limit %d", input, c.opts.MaxInputTokens), InputTokens: input, MaxTokens: maxTokens, Limit: c.opts.MaxInputTokens}
	case c.opts.ContextWindow > 0 && input+maxTokens > c.opts.ContextWindow:
		return input, &TokenLimitError{Reason: fmt.Sprintf("total tokens %d exceed context window %d", input+maxTokens, c.opts.ContextWindow), InputTokens: input, MaxTokens: maxTokens, Limit: c.opts.ContextWindow}
	case c.opts.MaxOutputTokens > 0 && maxTokens > c.opts.MaxOutputTokens:
		return input, &TokenLimitError{Reason: fmt.Sprintf("output tokens %d exceed model limit %d", maxTokens, c.opts.MaxOutputTokens), InputTokens: input, MaxTokens: maxTokens, Limit: c.opts.MaxOutputTokens}
	}
	return input, nil
}

func (c *Client) Generate(ctx context.Context, prompt, system string, maxTokens int) (Completion, error) {
	estimated, err := c.ValidateTokenLimits(system, prompt, maxTokens)
	if err != nil {
		c.logger.Warn("completion rejected before send", zap.Error(err))
		return Completion{}, err
	}

	ctx, span := telemetry.Tracer().Start(ctx, "llm.generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.backend", c.backend.Name()),
		attribute.String("llm.model", c.opts.Model),
		attribute.Int("llm.max_tokens", maxTokens),
		attribute.Int("llm.estimated_input_tokens", estimated),
	)

	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	started := time.Now()
	out, err := c.backend.Complete(ctx, Request{
		Model:       c.opts.Model,
		System:      system,
		Prompt:      prompt,
		MaxTokens:   maxTokens,
		Temperature: c.opts.Temperature,
	})
	latency := time.Since(started)
	if err == nil && strings.TrimSpace(out.Body()) == "" {
		err = fmt.Errorf("%w: empty completion", ErrClient)
	}
	if err != nil {
		err = classifyError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		c.logger.Error("completion failed",
			zap.String("backend", c.backend.Name()),
			zap.Duration("latency", latency),
			zap.String("error", Redact(err.Error(), DefaultRedactLimit)),
		)
		return Completion{}, err
	}
	if out.InputTokens == 0 {
		out.InputTokens = estimated
	}
	if out.Model == "" {
		out.Model = c.opts.Model
	}

	cost := EstimateCost(out.Model, out.InputTokens, out.OutputTokens)
	span.SetAttributes(
		attribute.Int("llm.input_tokens", out.InputTokens),
		attribute.Int("llm.output_tokens", out.OutputTokens),
		attribute.Bool("llm.cached", out.Cached),
	)
	c.logger.Info("completion",
		zap.String("backend", c.backend.Name()),
		zap.String("model", out.Model),
		zap.Int("input_tokens", out.InputTokens),
		zap.Int("output_tokens", out.OutputTokens),
		zap.Duration("latency", latency),
		zap.Float64("cost_usd", cost),
		zap.Bool("cached", out.Cached),
		zap.String("response", Redact(out.Body(), DefaultRedactLimit)),
	)
	return out, nil
}
