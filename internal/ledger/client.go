package ledger

import (
	"context"
	"fmt"

	"github.com/podping/hivedispatch/internal/domain"
)

// Client submits one write operation for a batch to a specific endpoint.
// Implementations own signing and wire encoding; the dispatcher only decides
// where and when to submit.
type Client interface {
	// Submit returns the accepted transaction id, or a classified failure:
	// *RetryableError for transient endpoint trouble, *FatalError for
	// permanent rejection.
	Submit(ctx context.Context, batch *domain.Batch, endpoint string) (string, error)
}

// RetryableError marks an endpoint-level transient failure: timeouts,
// connection errors, rate-limit pushback. The dispatcher retries these on
// another endpoint.
type RetryableError struct {
	Reason string
	Err    error
}

func (e *RetryableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("retryable: %s: %v", e.Reason, e.Err)
	}
	return "retryable: " + e.Reason
}

func (e *RetryableError) Unwrap() error { return e.Err }

// FatalError marks a permanent rejection: malformed operation, payload over
// the ledger's limit, missing authority. Never retried.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal: %s: %v", e.Reason, e.Err)
	}
	return "fatal: " + e.Reason
}

func (e *FatalError) Unwrap() error { return e.Err }
