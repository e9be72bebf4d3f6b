package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

type TokenCounter interface {
	Count(text string) int
}

// EstimateTokens is the length-based fallback: four characters per token.
func EstimateTokens(text string) int {
	return len(text) / 4
}

type estimateCounter struct{}

func (estimateCounter) Count(text string) int { return EstimateTokens(text) }

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c tiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

var (
	encodingMu    sync.Mutex
	encodingCache = map[string]*tiktoken.Tiktoken{}
)

// NewTokenCounter returns a subword tokenizer for encoding, or the length
// estimate when the encoding cannot be loaded (for example offline).
func NewTokenCounter(encoding string) TokenCounter {
	if encoding == "" {
		return estimateCounter{}
	}
	encodingMu.Lock()
	defer encodingMu.Unlock()
	if enc, ok := encodingCache[encoding]; ok {
		return tiktokenCounter{enc: enc}
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil || enc == nil {
		return estimateCounter{}
	}
	encodingCache[encoding] = enc
	return tiktokenCounter{enc: enc}
}
