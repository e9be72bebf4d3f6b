package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
)

var (
	// ErrTokenLimitExceeded is the caller's fault and is never retried here.
	ErrTokenLimitExceeded = errors.New("token limit exceeded")
	ErrTimeout            = errors.New("completion timed out")
	ErrUpstream           = errors.New("upstream returned non-2xx status")
	ErrClient             = errors.New("completion client error")
)

type TokenLimitError struct {
	Reason      string
	InputTokens int
	MaxTokens   int
	Limit       int
}

func (e *TokenLimitError) Error() string {
	return fmt.Sprintf("%s: %s (input_tokens=%d max_tokens=%d limit=%d)", ErrTokenLimitExceeded, e.Reason, e.InputTokens, e.MaxTokens, e.Limit)
}

func (e *TokenLimitError) Is(target error) bool { return target == ErrTokenLimitExceeded }

type UpstreamError struct {
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream status %d: %v", e.StatusCode, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Is(target error) bool { return target == ErrUpstream }

var statusCodePattern = regexp.MustCompile(`(?i)status(?:[ _]code)?\s*[:=]?\s*([1-5][0-9]{2})\b`)

// classifyError maps a backend failure onto the sentinel taxonomy. Errors
// already classified by a backend pass through unchanged.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTokenLimitExceeded) || errors.Is(err, ErrUpstream) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrClient) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	if m := statusCodePattern.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		if code >= 300 {
			return &UpstreamError{StatusCode: code, Err: err}
		}
	}
	return fmt.Errorf("%w: %w", ErrClient, err)
}
