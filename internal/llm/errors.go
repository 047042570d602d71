package llm

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Sentinel errors of the closed LLM error taxonomy. Scorers surface their
// messages as Unavailable rule results.
var (
	ErrTokensPerPeriod  = errors.New("llm: token budget for the current period is exhausted")
	ErrMaxRequestTokens = errors.New("llm: request exceeds the model's maximum context length")
	ErrContentFilter    = errors.New("llm: request or response was blocked by the provider content filter")
	ErrNoTargets        = errors.New("llm: no LLM targets are configured")
)

// ExecutionKind classifies an ExecutionError.
type ExecutionKind string

const (
	KindRateLimit  ExecutionKind = "rate_limit"
	KindQuota      ExecutionKind = "quota"
	KindConnection ExecutionKind = "connection"
	KindProvider   ExecutionKind = "provider"
)

// ExecutionError is a provider failure that is not one of the sentinels.
type ExecutionError struct {
	Kind ExecutionKind
	Err  error
}

func (e *ExecutionError) Error() string {
	switch e.Kind {
	case KindRateLimit:
		return "llm: provider rate limit exceeded, try again later"
	case KindQuota:
		return "llm: provider quota exceeded"
	case KindConnection:
		return "llm: could not connect to the provider"
	default:
		return fmt.Sprintf("llm: provider error: %v", e.Err)
	}
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// IsRateLimited reports whether err means the target was throttled, in which
// case another target may succeed.
func IsRateLimited(err error) bool {
	var ee *ExecutionError
	return errors.As(err, &ee) && ee.Kind == KindRateLimit
}

// translate maps provider and transport errors to the closed taxonomy.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTokensPerPeriod) || errors.Is(err, ErrMaxRequestTokens) ||
		errors.Is(err, ErrContentFilter) || errors.Is(err, ErrNoTargets) {
		return err
	}
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := strings.ToLower(fmt.Sprint(apiErr.Code))
		typ := strings.ToLower(apiErr.Type)
		switch {
		case code == "context_length_exceeded" || strings.Contains(strings.ToLower(apiErr.Message), "maximum context length"):
			return fmt.Errorf("%w: %s", ErrMaxRequestTokens, apiErr.Message)
		case code == "content_filter" || typ == "content_filter":
			return ErrContentFilter
		case code == "insufficient_quota" || typ == "insufficient_quota":
			return &ExecutionError{Kind: KindQuota, Err: err}
		case code == "rate_limit_exceeded" || typ == "rate_limit_exceeded" || apiErr.HTTPStatusCode == 429:
			return &ExecutionError{Kind: KindRateLimit, Err: err}
		}
		return &ExecutionError{Kind: KindProvider, Err: err}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == 429 {
			return &ExecutionError{Kind: KindRateLimit, Err: err}
		}
		if reqErr.Err != nil && isConnectionError(reqErr.Err) {
			return &ExecutionError{Kind: KindConnection, Err: err}
		}
		return &ExecutionError{Kind: KindProvider, Err: err}
	}

	if isConnectionError(err) {
		return &ExecutionError{Kind: KindConnection, Err: err}
	}
	return &ExecutionError{Kind: KindProvider, Err: err}
}

func isConnectionError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
