package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// FailureClass buckets provider failures for the retry policy.
type FailureClass string

const (
	// FailureTransient covers timeouts and 5xx responses; the batch is retried.
	FailureTransient FailureClass = "transient"
	// FailureRateLimited is transient but may carry a retry-after hint.
	FailureRateLimited FailureClass = "rate_limited"
	// FailurePermanent covers auth errors and invalid input; no retry.
	FailurePermanent FailureClass = "permanent"
)

// ProviderError is a classified embedding-provider failure. Message is safe
// to surface to callers; the raw provider error stays wrapped underneath.
type ProviderError struct {
	Class      FailureClass
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("embedding provider: %s (%s)", e.Message, e.Class)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the retry policy applies to err.
func Retryable(err error) bool {
	return Classify(err) != FailurePermanent
}

// Classify maps an error onto the failure taxonomy. Unclassified errors are
// treated as transient so that connectivity blips feed the retry policy
// rather than failing jobs outright.
func Classify(err error) FailureClass {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Class
	}
	if errors.Is(err, ErrDimensionMismatch) || errors.Is(err, ErrCountMismatch) {
		return FailurePermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTransient
	}
	return FailureTransient
}

// RetryAfterHint extracts a provider-declared retry-after delay, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) && pe.RetryAfter > 0 {
		return pe.RetryAfter, true
	}
	return 0, false
}

// ErrDimensionMismatch and ErrCountMismatch are invariant violations: the
// provider returned vectors that do not line up with the request. They are
// never retried.
var (
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrCountMismatch     = errors.New("embedding count mismatch")
)
