package domain

import "time"

// Batch is one ledger write unit: the deduplicated IRIs collected during a
// single queue epoch, in insertion order. Immutable after the queue snapshot;
// consumed exactly once by the broadcaster.
type Batch struct {
	// Seq is the monotonically increasing flush sequence number, starting at 1.
	Seq uint64
	// ID is a correlation id for logs only; Seq is the caller-facing key.
	ID        string
	IRIs      []string
	CreatedAt time.Time
}

// OutcomeStatus is the terminal state of a batch dispatch.
type OutcomeStatus string

const (
	StatusCommitted OutcomeStatus = "committed"
	StatusExhausted OutcomeStatus = "exhausted"
	StatusPending   OutcomeStatus = "pending"
)

// Outcome is the terminal result of dispatching one batch, delivered to every
// caller awaiting any IRI in that batch.
type Outcome struct {
	Seq           uint64        `json:"sequence"`
	Status        OutcomeStatus `json:"status"`
	TransactionID string        `json:"transaction_id,omitempty"`
	Reason        string        `json:"reason,omitempty"`
}
