package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/podping/hivedispatch/internal/dispatch"
	"github.com/podping/hivedispatch/internal/domain"
	"github.com/podping/hivedispatch/internal/pool"
	"github.com/podping/hivedispatch/internal/queue"
	"github.com/podping/hivedispatch/internal/service"
)

// recordingClient returns txID for every batch and remembers what it saw.
type recordingClient struct {
	mu      sync.Mutex
	txID    string
	err     error
	batches []*domain.Batch
}

func (c *recordingClient) Submit(_ context.Context, b *domain.Batch, _ string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, b)
	if c.err != nil {
		return "", c.err
	}
	return c.txID, nil
}

func (c *recordingClient) seen() []*domain.Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*domain.Batch, len(c.batches))
	copy(out, c.batches)
	return out
}

type fixture struct {
	svc    *service.PingService
	client *recordingClient
	cancel context.CancelFunc
	bcast  *dispatch.Broadcaster
}

// newFixture wires a real queue, pool, registry, and broadcaster around a
// stub ledger client, mirroring the production wiring in main.
func newFixture(t *testing.T, qcfg queue.Config, client *recordingClient, awaitTimeout time.Duration) *fixture {
	t.Helper()
	logger := zap.NewNop()

	q := queue.New(qcfg, logger)
	p := pool.New([]string{"a", "b"}, pool.Config{
		RatePerSec:          10000,
		Burst:               10000,
		QuarantineThreshold: 3,
		QuarantineCooldown:  time.Minute,
	}, logger)
	reg := dispatch.NewRegistry(64)
	b := dispatch.New(dispatch.Config{
		Workers:         2,
		MaxRetries:      2,
		Backoff:         []time.Duration{time.Millisecond},
		MaxBackoffTotal: time.Second,
	}, client, p, reg, logger, dispatch.Hooks{})

	ctx, cancel := context.WithCancel(context.Background())
	go q.Run(ctx)
	b.Start(context.Background(), q.Out())

	f := &fixture{
		svc:    service.NewPingService(q, reg, awaitTimeout, logger),
		client: client,
		cancel: cancel,
		bcast:  b,
	}
	t.Cleanup(func() {
		cancel()
		b.Wait()
	})
	return f
}

// TestSubmit_ExampleScenario is the canonical flow: three submits (one a
// duplicate) with batch-size threshold 2 produce exactly one two-IRI batch,
// and both awaiting callers resolve to the same transaction id.
func TestSubmit_ExampleScenario(t *testing.T) {
	client := &recordingClient{txID: "tx123"}
	f := newFixture(t, queue.Config{
		BatchSize:       2,
		MaxBatchItems:   10,
		MaxWait:         time.Hour,
		MaxPayloadBytes: 1 << 16,
		Capacity:        100,
	}, client, 2*time.Second)

	type result struct {
		res *service.SubmitResult
		err error
	}
	results := make(chan result, 2)
	submitAwait := func(iri string) {
		res, err := f.svc.Submit(context.Background(), iri, service.ModeAwait)
		results <- result{res, err}
	}

	go submitAwait("https://a.example/feed.xml")
	// Give the first await a moment to register and enqueue, so the third
	// submit is recognized as its duplicate.
	time.Sleep(20 * time.Millisecond)
	go submitAwait("https://a.example/feed.xml") // duplicate
	time.Sleep(20 * time.Millisecond)
	go submitAwait("https://b.example/feed.xml") // second unique IRI, triggers flush

	var txIDs []string
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			if r.err != nil {
				t.Fatalf("submit failed: %v", r.err)
			}
			if r.res.Outcome == nil || r.res.Outcome.Status != domain.StatusCommitted {
				t.Fatalf("unexpected outcome: %+v", r.res.Outcome)
			}
			txIDs = append(txIDs, r.res.Outcome.TransactionID)
		case <-time.After(3 * time.Second):
			t.Fatal("await submit did not resolve")
		}
	}
	// Drain the third result too.
	r := <-results
	if r.err != nil || r.res.Outcome.TransactionID != "tx123" {
		t.Fatalf("third submit: res=%+v err=%v", r.res, r.err)
	}

	for _, id := range txIDs {
		if id != "tx123" {
			t.Fatalf("expected shared tx123, got %v", txIDs)
		}
	}

	batches := client.seen()
	if len(batches) != 1 {
		t.Fatalf("expected exactly one batch, got %d", len(batches))
	}
	if len(batches[0].IRIs) != 2 {
		t.Fatalf("expected two unique IRIs in the batch, got %v", batches[0].IRIs)
	}
	if batches[0].IRIs[0] != "https://a.example/feed.xml" || batches[0].IRIs[1] != "https://b.example/feed.xml" {
		t.Fatalf("insertion order not preserved: %v", batches[0].IRIs)
	}
}

func TestSubmit_FireAndForget(t *testing.T) {
	client := &recordingClient{txID: "tx1"}
	f := newFixture(t, queue.Config{
		BatchSize:       10,
		MaxBatchItems:   10,
		MaxWait:         10 * time.Millisecond,
		MaxPayloadBytes: 1 << 16,
		Capacity:        100,
	}, client, time.Second)

	res, err := f.svc.Submit(context.Background(), "https://a.example/feed.xml", service.ModeFireAndForget)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != nil || res.Duplicate {
		t.Fatalf("fire-and-forget must return immediately: %+v", res)
	}

	// The batch still dispatches in the background; status becomes queryable.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if o := f.svc.Status(1); o.Status == domain.StatusCommitted {
			if o.TransactionID != "tx1" {
				t.Fatalf("unexpected tx id: %+v", o)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("batch never committed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSubmit_InvalidIRI(t *testing.T) {
	f := newFixture(t, queue.Config{
		BatchSize: 10, MaxBatchItems: 10, MaxWait: time.Hour,
		MaxPayloadBytes: 1 << 16, Capacity: 100,
	}, &recordingClient{txID: "t"}, time.Second)

	if _, err := f.svc.Submit(context.Background(), "not an iri", service.ModeAwait); err != domain.ErrInvalidIRI {
		t.Fatalf("expected ErrInvalidIRI, got %v", err)
	}
}

// TestSubmit_AwaitTimeout: the caller's wait times out, but the dispatch
// still completes and the outcome remains queryable by sequence.
func TestSubmit_AwaitTimeout(t *testing.T) {
	client := &recordingClient{txID: "tx-late"}
	f := newFixture(t, queue.Config{
		BatchSize:       10,
		MaxBatchItems:   10,
		MaxWait:         150 * time.Millisecond, // flush after the await deadline
		MaxPayloadBytes: 1 << 16,
		Capacity:        100,
	}, client, 20*time.Millisecond)

	_, err := f.svc.Submit(context.Background(), "https://a.example/feed.xml", service.ModeAwait)
	if !errors.Is(err, domain.ErrAwaitTimeout) {
		t.Fatalf("expected ErrAwaitTimeout, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if o := f.svc.Status(1); o.Status == domain.StatusCommitted {
			if o.TransactionID != "tx-late" {
				t.Fatalf("unexpected tx id: %+v", o)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("dispatch did not proceed after caller timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestParseMode(t *testing.T) {
	if m, err := service.ParseMode(""); err != nil || m != service.ModeFireAndForget {
		t.Fatalf("empty mode should default to fire-and-forget: %v %v", m, err)
	}
	if m, err := service.ParseMode("await"); err != nil || m != service.ModeAwait {
		t.Fatalf("await mode: %v %v", m, err)
	}
	if _, err := service.ParseMode("later"); err != domain.ErrInvalidMode {
		t.Fatalf("expected ErrInvalidMode, got %v", err)
	}
}
