package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/podping/hivedispatch/internal/domain"
	"github.com/podping/hivedispatch/internal/ledger"
	"github.com/podping/hivedispatch/internal/pool"
)

// Hooks carries metric callbacks injected by main. Using a struct keeps the
// broadcaster constructor signature clean and the package metrics-agnostic.
type Hooks struct {
	OnCommitted func(iris, attempts int, latency time.Duration)
	OnExhausted func(iris int, reason string)
}

// Config controls the retry/failover policy.
type Config struct {
	// Workers bounds how many batches may be in flight concurrently.
	// Retries within one batch are always sequential.
	Workers int
	// MaxRetries is the number of retries after the initial attempt; a batch
	// that keeps failing retryably makes MaxRetries+1 submit calls in total.
	MaxRetries int
	// Backoff is the delay ladder between attempts: index 0 after the first
	// failure, clamped to the last entry beyond that.
	Backoff []time.Duration
	// MaxBackoffTotal caps the cumulative backoff spent on one batch; once
	// the next delay would cross it, the batch is exhausted.
	MaxBackoffTotal time.Duration
}

// Broadcaster consumes flushed batches and drives each one through the
// attempt state machine: select an endpoint, submit, classify, and either
// commit, back off and fail over, or exhaust.
type Broadcaster struct {
	cfg    Config
	client ledger.Client
	pool   *pool.Pool
	reg    *Registry
	logger *zap.Logger
	hooks  Hooks
	wg     sync.WaitGroup

	pingsSent        atomic.Uint64
	batchesCommitted atomic.Uint64
	batchesExhausted atomic.Uint64
}

func New(
	cfg Config,
	client ledger.Client,
	p *pool.Pool,
	reg *Registry,
	logger *zap.Logger,
	hooks Hooks,
) *Broadcaster {
	if hooks.OnCommitted == nil {
		hooks.OnCommitted = func(int, int, time.Duration) {}
	}
	if hooks.OnExhausted == nil {
		hooks.OnExhausted = func(int, string) {}
	}
	return &Broadcaster{
		cfg:    cfg,
		client: client,
		pool:   p,
		reg:    reg,
		logger: logger,
		hooks:  hooks,
	}
}

// Start launches the dispatch workers. They drain the batch channel until it
// is closed; ctx only interrupts in-flight network waits and backoff sleeps,
// so a graceful shutdown (close the channel, keep ctx alive) lets in-flight
// batches finish.
func (b *Broadcaster) Start(ctx context.Context, batches <-chan *domain.Batch) {
	for i := 0; i < b.cfg.Workers; i++ {
		b.wg.Add(1)
		go func(id int) {
			defer b.wg.Done()
			log := b.logger.With(zap.Int("worker_id", id))
			log.Info("dispatch worker started")
			for batch := range batches {
				b.dispatch(ctx, batch)
			}
			log.Info("dispatch worker stopping")
		}(i)
	}
}

// Wait blocks until every worker has returned after the batch channel closes.
func (b *Broadcaster) Wait() {
	b.wg.Wait()
}

// Counters returns dispatch totals for the status reporter.
func (b *Broadcaster) Counters() (sent, committed, exhausted uint64) {
	return b.pingsSent.Load(), b.batchesCommitted.Load(), b.batchesExhausted.Load()
}

// dispatch runs one batch to a terminal outcome. Exactly one worker processes
// a given batch; attempts are strictly sequential so the same identifiers are
// never in flight on two endpoints at once.
func (b *Broadcaster) dispatch(ctx context.Context, batch *domain.Batch) {
	b.reg.Bind(batch)

	log := b.logger.With(
		zap.Uint64("seq", batch.Seq),
		zap.String("batch_id", batch.ID),
		zap.Int("iris", len(batch.IRIs)),
	)

	start := time.Now()
	var attempts int
	var totalBackoff time.Duration

	for {
		ep, err := b.pool.Select()
		if err != nil {
			// Total endpoint exhaustion is fatal for this batch; it does not
			// consume a retry.
			b.exhaust(batch, domain.ErrNoEndpoints.Error(), log)
			return
		}

		if err := b.pool.Wait(ctx, ep); err != nil {
			b.exhaust(batch, "shut down before dispatch completed", log)
			return
		}

		attempts++
		txID, err := b.client.Submit(ctx, batch, ep.URL)
		b.pool.Report(ep, err)

		if err == nil {
			b.commit(batch, txID, attempts, time.Since(start), log)
			return
		}

		var fatal *ledger.FatalError
		if errors.As(err, &fatal) {
			log.Error("fatal dispatch failure", zap.String("endpoint", ep.URL), zap.Error(err))
			b.exhaust(batch, fatal.Reason, log)
			return
		}

		retries := attempts - 1
		if retries >= b.cfg.MaxRetries {
			log.Warn("retries exhausted",
				zap.Int("attempts", attempts),
				zap.String("endpoint", ep.URL),
				zap.Error(err),
			)
			b.exhaust(batch, domain.ErrRetriesExhausted.Error()+": "+err.Error(), log)
			return
		}

		delay := backoffFor(b.cfg.Backoff, retries)
		if totalBackoff+delay > b.cfg.MaxBackoffTotal {
			b.exhaust(batch, "backoff ceiling reached: "+err.Error(), log)
			return
		}
		totalBackoff += delay

		log.Warn("retryable dispatch failure, backing off",
			zap.String("endpoint", ep.URL),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if !sleep(ctx, delay) {
			b.exhaust(batch, "shut down before dispatch completed", log)
			return
		}
	}
}

func (b *Broadcaster) commit(batch *domain.Batch, txID string, attempts int, latency time.Duration, log *zap.Logger) {
	b.pingsSent.Add(uint64(len(batch.IRIs)))
	b.batchesCommitted.Add(1)
	b.reg.Deliver(domain.Outcome{
		Seq:           batch.Seq,
		Status:        domain.StatusCommitted,
		TransactionID: txID,
	})
	b.hooks.OnCommitted(len(batch.IRIs), attempts, latency)
	log.Info("batch committed",
		zap.String("tx_id", txID),
		zap.Int("attempts", attempts),
		zap.Duration("latency", latency),
	)
}

func (b *Broadcaster) exhaust(batch *domain.Batch, reason string, log *zap.Logger) {
	b.batchesExhausted.Add(1)
	b.reg.Deliver(domain.Outcome{
		Seq:    batch.Seq,
		Status: domain.StatusExhausted,
		Reason: reason,
	})
	b.hooks.OnExhausted(len(batch.IRIs), reason)
	log.Error("batch exhausted", zap.String("reason", reason))
}

// backoffFor returns the delay before retry n (0-based), clamped to the last
// ladder entry.
func backoffFor(ladder []time.Duration, n int) time.Duration {
	if n >= len(ladder) {
		n = len(ladder) - 1
	}
	return ladder[n]
}

// sleep waits for d or until ctx is cancelled; reports whether the full
// delay elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
