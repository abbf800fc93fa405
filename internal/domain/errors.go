package domain

import "errors"

// Sentinel errors used throughout the application.
// Handlers translate these to HTTP status codes via a single mapError function.
var (
	ErrInvalidIRI       = errors.New("invalid IRI: must be an absolute resource identifier")
	ErrInvalidMedium    = errors.New("invalid medium")
	ErrInvalidReason    = errors.New("invalid reason")
	ErrInvalidMode      = errors.New("invalid mode: must be fire_and_forget or await")
	ErrQueueFull        = errors.New("queue is at capacity, try again later")
	ErrQueueClosed      = errors.New("queue is shut down")
	ErrNoEndpoints      = errors.New("no endpoints available: all quarantined")
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrAwaitTimeout     = errors.New("await timed out, outcome still pending")
)
