package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/podping/hivedispatch/internal/dispatch"
	"github.com/podping/hivedispatch/internal/domain"
	"github.com/podping/hivedispatch/internal/queue"
)

// Mode selects the submission behaviour.
type Mode string

const (
	// ModeFireAndForget acknowledges as soon as the IRI is admitted to the
	// queue; the caller polls status if it cares about the outcome.
	ModeFireAndForget Mode = "fire_and_forget"
	// ModeAwait blocks the request until the IRI's batch reaches a terminal
	// outcome, or the await timeout elapses.
	ModeAwait Mode = "await"
)

// ParseMode validates a request's mode field. An empty mode defaults to
// fire-and-forget.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFireAndForget, "":
		return ModeFireAndForget, nil
	case ModeAwait:
		return ModeAwait, nil
	}
	return "", domain.ErrInvalidMode
}

// SubmitResult is what a submit call resolves to.
type SubmitResult struct {
	// Duplicate is true when the IRI was already pending; the caller shares
	// the original enqueue's outcome.
	Duplicate bool
	// Outcome is non-nil only in await mode after the batch resolved.
	Outcome *domain.Outcome
}

// PingService coordinates validation, the batching queue, and the await
// registry. HTTP handlers depend on this service, not on each other.
type PingService struct {
	q            *queue.BatchingQueue
	reg          *dispatch.Registry
	awaitTimeout time.Duration
	logger       *zap.Logger

	// onRejected is fired when a submission is refused before reaching the
	// queue. Defaults to a no-op; main wires it to the rejection counter.
	onRejected func(reason string)
}

func NewPingService(
	q *queue.BatchingQueue,
	reg *dispatch.Registry,
	awaitTimeout time.Duration,
	logger *zap.Logger,
) *PingService {
	return &PingService{
		q:            q,
		reg:          reg,
		awaitTimeout: awaitTimeout,
		logger:       logger,
		onRejected:   func(string) {},
	}
}

// OnRejected registers a hook fired on every refused submission.
func (s *PingService) OnRejected(fn func(reason string)) {
	s.onRejected = fn
}

// Submit validates and enqueues an IRI.
//
// In await mode the caller is registered before the enqueue so a flush racing
// the registration cannot strand it, then the request blocks until the
// batch's terminal outcome arrives. On timeout the waiter is abandoned (the
// registry's buffered delivery makes that leak-free) and ErrAwaitTimeout is
// returned; the underlying dispatch always proceeds to completion.
func (s *PingService) Submit(ctx context.Context, iri string, mode Mode) (*SubmitResult, error) {
	if !domain.ValidIRI(iri) {
		s.onRejected("invalid_iri")
		return nil, domain.ErrInvalidIRI
	}

	if mode == ModeFireAndForget {
		res, err := s.q.Enqueue(iri)
		if err != nil {
			s.onRejected(rejectReason(err))
			return nil, err
		}
		return &SubmitResult{Duplicate: res == queue.Duplicate}, nil
	}

	ch := s.reg.Register(iri)
	res, err := s.q.Enqueue(iri)
	if err != nil {
		s.reg.Discard(iri, ch)
		s.onRejected(rejectReason(err))
		return nil, err
	}

	timer := time.NewTimer(s.awaitTimeout)
	defer timer.Stop()

	select {
	case outcome := <-ch:
		return &SubmitResult{
			Duplicate: res == queue.Duplicate,
			Outcome:   &outcome,
		}, nil
	case <-timer.C:
		return nil, domain.ErrAwaitTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, domain.ErrQueueClosed):
		return "queue_closed"
	}
	return "other"
}

// Status reports the terminal outcome of a batch sequence number, or pending
// if it has not resolved (or is unknown).
func (s *PingService) Status(seq uint64) domain.Outcome {
	return s.reg.Status(seq)
}

// QueueDepth exposes the pending count for the metrics snapshot.
func (s *PingService) QueueDepth() int { return s.q.Depth() }

// Counters exposes the queue's receive totals for the metrics snapshot and
// status reporter.
func (s *PingService) Counters() (received, duplicates uint64) {
	return s.q.Counters()
}
