package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"
)

// CompletionCache persists completions by request key. Get reports found=false
// for a miss.
type CompletionCache interface {
	GetCompletion(ctx context.Context, key string) (Completion, bool, error)
	PutCompletion(ctx context.Context, key string, c Completion) error
}

// CachedBackend serves repeated identical requests from a CompletionCache.
// It wraps a Backend, so token validation in Client still runs first.
type CachedBackend struct {
	next   Backend
	cache  CompletionCache
	logger *zap.Logger
}

func NewCachedBackend(next Backend, cache CompletionCache, logger *zap.Logger) *CachedBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedBackend{next: next, cache: cache, logger: logger.Named("llm.cache")}
}

func (b *CachedBackend) Name() string { return b.next.Name() + "+cache" }

func (b *CachedBackend) Complete(ctx context.Context, req Request) (Completion, error) {
	key := CacheKey(b.next.Name(), req)
	if c, ok, err := b.cache.GetCompletion(ctx, key); err != nil {
		b.logger.Warn("cache read failed", zap.Error(err))
	} else if ok {
		c.Cached = true
		return c, nil
	}
	c, err := b.next.Complete(ctx, req)
	if err != nil {
		return c, err
	}
	if err := b.cache.PutCompletion(ctx, key, c); err != nil {
		b.logger.Warn("cache write failed", zap.Error(err))
	}
	return c, nil
}

func CacheKey(backend string, req Request) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00%g\x00", backend, req.Model, req.MaxTokens, req.Temperature)
	h.Write([]byte(req.System))
	h.Write([]byte{0})
	h.Write([]byte(req.Prompt))
	return hex.EncodeToString(h.Sum(nil))
}
