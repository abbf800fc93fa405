package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/podping/hivedispatch/internal/domain"
)

// Result reports how an enqueue was absorbed.
type Result int

const (
	// Accepted means the IRI entered the pending set.
	Accepted Result = iota
	// Duplicate means the IRI was already pending in the current unflushed
	// epoch; the original enqueue's eventual outcome is shared.
	Duplicate
)

// Config controls flush behaviour. A flush fires on whichever trigger is hit
// first: pending count, oldest-item age, or accumulated payload size.
type Config struct {
	// BatchSize is the pending count that triggers an immediate flush.
	BatchSize int
	// MaxBatchItems caps the size of a single batch. When a flush would
	// exceed it, the remainder stays pending for the next batch.
	MaxBatchItems int
	// MaxWait bounds how long the oldest pending item waits before a flush.
	MaxWait time.Duration
	// MaxPayloadBytes triggers a flush when the serialized IRI list would
	// approach the ledger's payload ceiling.
	MaxPayloadBytes int
	// Capacity bounds the pending set; Enqueue fails with ErrQueueFull beyond it.
	Capacity int
}

// BatchingQueue collects deduplicated IRIs and periodically snapshots them
// into batches on its output channel. All mutation happens under a single
// mutex; the snapshot is the only work done while holding it, so enqueues are
// never blocked behind a ledger write.
type BatchingQueue struct {
	cfg    Config
	logger *zap.Logger

	mu           sync.Mutex
	pending      map[string]struct{}
	order        []domain.Ping
	payloadBytes int
	seq          uint64
	closed       bool

	out  chan *domain.Batch
	kick chan struct{}
	arm  chan struct{}

	received   uint64
	duplicates uint64
}

func New(cfg Config, logger *zap.Logger) *BatchingQueue {
	return &BatchingQueue{
		cfg:     cfg,
		logger:  logger,
		pending: make(map[string]struct{}),
		out:     make(chan *domain.Batch, 16),
		kick:    make(chan struct{}, 1),
		arm:     make(chan struct{}, 1),
	}
}

// Out is the channel of flushed batches. It is closed after the final flush
// when Run's context is cancelled.
func (q *BatchingQueue) Out() <-chan *domain.Batch { return q.out }

// Enqueue admits an IRI into the pending set.
// Returns Duplicate when the IRI is already pending in the current epoch and
// ErrInvalidIRI / ErrQueueFull / ErrQueueClosed on rejection.
func (q *BatchingQueue) Enqueue(iri string) (Result, error) {
	if !domain.ValidIRI(iri) {
		return 0, domain.ErrInvalidIRI
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0, domain.ErrQueueClosed
	}
	if _, ok := q.pending[iri]; ok {
		q.received++
		q.duplicates++
		q.mu.Unlock()
		return Duplicate, nil
	}
	if len(q.order) >= q.cfg.Capacity {
		q.mu.Unlock()
		return 0, domain.ErrQueueFull
	}
	q.received++

	wasEmpty := len(q.order) == 0
	q.pending[iri] = struct{}{}
	q.order = append(q.order, domain.Ping{IRI: iri, EnqueuedAt: time.Now().UTC()})
	// Serialized size of the IRI list: each IRI plus two quotes, a comma
	// between entries, and the surrounding brackets.
	q.payloadBytes += len(iri) + 2
	full := len(q.order) >= q.cfg.BatchSize ||
		q.payloadBytes+len(q.order)-1+2 >= q.cfg.MaxPayloadBytes
	q.mu.Unlock()

	if wasEmpty {
		signal(q.arm)
	}
	if full {
		signal(q.kick)
	}
	return Accepted, nil
}

// Depth returns the current pending count.
func (q *BatchingQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Counters returns the totals of enqueue calls absorbed so far.
func (q *BatchingQueue) Counters() (received, duplicates uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.received, q.duplicates
}

// Run drives the flush loop until ctx is cancelled, then performs a final
// flush of anything still pending and closes the output channel.
func (q *BatchingQueue) Run(ctx context.Context) {
	timer := time.NewTimer(q.cfg.MaxWait)
	stopTimer(timer)
	defer timer.Stop()

	q.logger.Info("batching queue started",
		zap.Int("batch_size", q.cfg.BatchSize),
		zap.Duration("max_wait", q.cfg.MaxWait),
	)

	for {
		select {
		case <-ctx.Done():
			q.shutdown()
			return
		case <-q.arm:
			stopTimer(timer)
			timer.Reset(q.cfg.MaxWait)
		case <-timer.C:
			q.flush(timer)
		case <-q.kick:
			stopTimer(timer)
			q.flush(timer)
		}
	}
}

// flush snapshots the pending IRIs into one bounded batch and emits it. The
// remainder, if any, stays pending and the timer is re-armed against the age
// of its oldest item.
func (q *BatchingQueue) flush(timer *time.Timer) {
	q.mu.Lock()
	batch, remaining, oldest := q.snapshotLocked()
	pendingBytes := q.payloadBytes
	q.mu.Unlock()

	if batch == nil {
		return
	}
	q.emit(batch)

	if remaining > 0 {
		wait := q.cfg.MaxWait - time.Since(oldest)
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
		if remaining >= q.cfg.BatchSize ||
			pendingBytes+remaining-1+2 >= q.cfg.MaxPayloadBytes {
			signal(q.kick)
		}
	}
}

// snapshotLocked is the atomic cut: nothing enqueued after it can appear in
// the returned batch. The cut stops at MaxBatchItems or where the next IRI
// would push the serialized list past MaxPayloadBytes, whichever comes first;
// enqueues racing the flush therefore never inflate a batch past the ledger's
// ceiling. A single IRI is always cut even if oversized on its own, so the
// size rejection surfaces downstream instead of wedging the queue.
// Caller holds q.mu.
func (q *BatchingQueue) snapshotLocked() (batch *domain.Batch, remaining int, oldest time.Time) {
	if len(q.order) == 0 {
		return nil, 0, time.Time{}
	}

	n := len(q.order)
	if n > q.cfg.MaxBatchItems {
		n = q.cfg.MaxBatchItems
	}

	size := 2 // brackets
	cut := 0
	for _, p := range q.order[:n] {
		item := len(p.IRI) + 2
		if cut > 0 {
			item++ // comma separator
		}
		if cut > 0 && size+item > q.cfg.MaxPayloadBytes {
			break
		}
		size += item
		cut++
	}
	n = cut

	iris := make([]string, n)
	for i, p := range q.order[:n] {
		iris[i] = p.IRI
		delete(q.pending, p.IRI)
		q.payloadBytes -= len(p.IRI) + 2
	}
	rest := make([]domain.Ping, len(q.order)-n)
	copy(rest, q.order[n:])
	q.order = rest

	q.seq++
	batch = &domain.Batch{
		Seq:       q.seq,
		ID:        uuid.New().String(),
		IRIs:      iris,
		CreatedAt: time.Now().UTC(),
	}
	if len(rest) > 0 {
		return batch, len(rest), rest[0].EnqueuedAt
	}
	return batch, 0, time.Time{}
}

func (q *BatchingQueue) emit(batch *domain.Batch) {
	q.out <- batch
	q.logger.Info("batch flushed",
		zap.Uint64("seq", batch.Seq),
		zap.String("batch_id", batch.ID),
		zap.Int("iris", len(batch.IRIs)),
	)
}

// shutdown drains everything still pending into final batches, refuses
// further enqueues, and closes the output channel.
func (q *BatchingQueue) shutdown() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	for {
		q.mu.Lock()
		batch, _, _ := q.snapshotLocked()
		q.mu.Unlock()
		if batch == nil {
			break
		}
		q.emit(batch)
	}
	close(q.out)
	q.logger.Info("batching queue stopped")
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
