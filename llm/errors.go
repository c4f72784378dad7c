package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Kind categorizes provider errors for retry decisions and user messaging.
type Kind string

const (
	KindAuthMissing      Kind = "auth-missing"
	KindAuthFailed       Kind = "auth-failed"
	KindRateLimited      Kind = "rate-limited"
	KindTransientNetwork Kind = "transient-network"
	KindBadRequest       Kind = "bad-request"
	KindFormat           Kind = "format-error"
	KindModelUnavailable Kind = "model-unavailable"
	KindCancelled        Kind = "cancelled"
	KindDeadline         Kind = "deadline"
	KindUnknown          Kind = "unknown"
)

// Error is a classified provider error.
type Error struct {
	Kind     Kind
	Provider string
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(provider string, kind Kind, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Err: err}
}

// KindOf extracts the kind of a classified error, or KindUnknown.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// Retryable reports whether the retry driver should re-attempt after err.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindTransientNetwork:
		return true
	default:
		return false
	}
}

// classifyCall classifies an error from a single provider call. The parent
// context distinguishes caller-driven cancellation and dialogue deadlines
// from the per-call timeout cap, which counts as a transient network
// timeout and stays retryable.
func classifyCall(parent context.Context, provider string, err error) error {
	if err == nil {
		return nil
	}
	if parent.Err() != nil {
		if errors.Is(parent.Err(), context.DeadlineExceeded) {
			return newError(provider, KindDeadline, err)
		}
		return newError(provider, KindCancelled, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(provider, KindTransientNetwork, err)
	}
	return Classify(provider, err)
}

// Classify wraps err with a Kind. Already-classified errors pass through.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}

	var ce *Error
	if errors.As(err, &ce) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return newError(provider, KindDeadline, err)
	}
	if errors.Is(err, context.Canceled) {
		return newError(provider, KindCancelled, err)
	}

	if kind, ok := classifyStatus(statusCodeOf(err)); ok {
		return newError(provider, kind, err)
	}

	if isNetworkError(err) || isTimeoutError(err) {
		return newError(provider, KindTransientNetwork, err)
	}

	return newError(provider, KindUnknown, err)
}

// classifyHTTP maps an HTTP status to a Kind for hand-rolled wire clients.
func classifyHTTP(provider string, status int, err error) error {
	if kind, ok := classifyStatus(status); ok {
		return newError(provider, kind, err)
	}
	return newError(provider, KindUnknown, err)
}

func classifyStatus(status int) (Kind, bool) {
	switch {
	case status == 0:
		return KindUnknown, false
	case status == 401 || status == 403:
		return KindAuthFailed, true
	case status == 404:
		return KindModelUnavailable, true
	case status == 429:
		return KindRateLimited, true
	case status >= 500:
		return KindTransientNetwork, true
	case status >= 400:
		return KindBadRequest, true
	default:
		return KindUnknown, false
	}
}

func statusCodeOf(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// isNetworkError checks if an error is network-related (transient).
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"network is unreachable",
		"no such host",
		"temporary failure",
		"dial tcp",
		"unexpected eof",
		"connection lost",
	}
	for _, pattern := range networkPatterns {
		if strings.Contains(errMsg, pattern) {
			return true
		}
	}
	return false
}

// isTimeoutError checks if an error is timeout-related (transient).
func isTimeoutError(err error) bool {
	errMsg := strings.ToLower(err.Error())
	timeoutPatterns := []string{
		"timeout",
		"deadline exceeded",
		"i/o timeout",
		"operation timed out",
	}
	for _, pattern := range timeoutPatterns {
		if strings.Contains(errMsg, pattern) {
			return true
		}
	}
	return false
}
