package run

import (
	"errors"
	"fmt"
)

// Request-scoped failures. Fatal to the request, never to the connection
// or the session.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionDeleted  = errors.New("session deleted")
	ErrEmptyInput      = errors.New("empty input")
	ErrNoActiveRun     = errors.New("no active run")
)

// ErrProvider wraps transient upstream failures. Callers should surface
// it with a retryable hint.
var ErrProvider = errors.New("provider failure")

// RateLimitedError reports an over-budget submission with a computed
// retry-after.
type RateLimitedError struct {
	RetryAfterMs int64
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry in %dms", e.RetryAfterMs)
}
