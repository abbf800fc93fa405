package dispatch

import (
	"sync"

	"github.com/podping/hivedispatch/internal/domain"
)

// Registry tracks awaiting callers and terminal batch outcomes.
//
// Before a flush, a waiter is keyed by its IRI (the batch it will belong to
// is not yet known). Bind moves the waiters of a freshly flushed batch under
// its sequence number; Deliver resolves them and records the outcome for
// later status queries.
//
// Waiter channels are buffered, and every batch that is bound is eventually
// delivered exactly once, so a caller that times out can simply abandon its
// channel: Deliver never blocks on it and the map entry is cleaned up with
// the rest of the batch.
type Registry struct {
	mu       sync.Mutex
	byIRI    map[string][]chan domain.Outcome
	bySeq    map[uint64][]chan domain.Outcome
	outcomes map[uint64]domain.Outcome
	recent   []uint64
	retain   int
}

func NewRegistry(retain int) *Registry {
	if retain <= 0 {
		retain = 1024
	}
	return &Registry{
		byIRI:    make(map[string][]chan domain.Outcome),
		bySeq:    make(map[uint64][]chan domain.Outcome),
		outcomes: make(map[uint64]domain.Outcome),
		retain:   retain,
	}
}

// Register adds an awaiting caller for an IRI that is pending (or about to be
// enqueued). The returned channel receives the terminal outcome of whichever
// batch the IRI ends up in.
func (r *Registry) Register(iri string) <-chan domain.Outcome {
	ch := make(chan domain.Outcome, 1)
	r.mu.Lock()
	r.byIRI[iri] = append(r.byIRI[iri], ch)
	r.mu.Unlock()
	return ch
}

// Discard removes a pre-flush registration whose enqueue failed. After the
// IRI has been bound to a batch, Discard is a no-op and the channel is
// resolved (and ignored) normally.
func (r *Registry) Discard(iri string, ch <-chan domain.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	waiters := r.byIRI[iri]
	for i, w := range waiters {
		if w == ch {
			r.byIRI[iri] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(r.byIRI[iri]) == 0 {
		delete(r.byIRI, iri)
	}
}

// Bind resolves identifier-keyed registrations to the batch's sequence
// number. Called by the broadcaster before the first dispatch attempt.
func (r *Registry) Bind(batch *domain.Batch) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, iri := range batch.IRIs {
		if waiters, ok := r.byIRI[iri]; ok {
			r.bySeq[batch.Seq] = append(r.bySeq[batch.Seq], waiters...)
			delete(r.byIRI, iri)
		}
	}
}

// Deliver records a batch's terminal outcome and resolves every waiter bound
// to its sequence number.
func (r *Registry) Deliver(outcome domain.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.outcomes[outcome.Seq] = outcome
	r.recent = append(r.recent, outcome.Seq)
	if len(r.recent) > r.retain {
		delete(r.outcomes, r.recent[0])
		r.recent = r.recent[1:]
	}

	for _, ch := range r.bySeq[outcome.Seq] {
		ch <- outcome // buffered, single delivery: never blocks
	}
	delete(r.bySeq, outcome.Seq)
}

// Status returns the recorded terminal outcome for a sequence number, or a
// pending outcome if none has been delivered (or it has aged out of the
// retention window).
func (r *Registry) Status(seq uint64) domain.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	if o, ok := r.outcomes[seq]; ok {
		return o
	}
	return domain.Outcome{Seq: seq, Status: domain.StatusPending}
}
