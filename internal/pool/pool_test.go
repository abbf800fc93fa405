package pool_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/podping/hivedispatch/internal/domain"
	"github.com/podping/hivedispatch/internal/pool"
)

var errBoom = errors.New("boom")

func testPool(urls ...string) *pool.Pool {
	return pool.New(urls, pool.Config{
		RatePerSec:          1000,
		Burst:               1000,
		QuarantineThreshold: 3,
		QuarantineCooldown:  50 * time.Millisecond,
	}, zap.NewNop())
}

func TestSelect_RoundRobin(t *testing.T) {
	p := testPool("a", "b", "c")

	seen := make(map[string]int)
	for i := 0; i < 6; i++ {
		e, err := p.Select()
		if err != nil {
			t.Fatal(err)
		}
		seen[e.URL]++
	}
	for _, u := range []string{"a", "b", "c"} {
		if seen[u] != 2 {
			t.Fatalf("expected 2 selections of %q, got %d (all: %v)", u, seen[u], seen)
		}
	}
}

func TestSelect_PrefersHealthyOverDegraded(t *testing.T) {
	p := testPool("a", "b")

	// Demote "a" with a single failure.
	e, _ := p.Select()
	for e.URL != "a" {
		e, _ = p.Select()
	}
	p.Report(e, errBoom)

	for i := 0; i < 4; i++ {
		got, err := p.Select()
		if err != nil {
			t.Fatal(err)
		}
		if got.URL != "b" {
			t.Fatalf("expected healthy endpoint b, got %q", got.URL)
		}
	}
}

func TestReport_HealthTransitions(t *testing.T) {
	p := testPool("a")
	e, _ := p.Select()

	p.Report(e, errBoom)
	if e.Health() != pool.Degraded {
		t.Fatalf("expected degraded after one failure, got %v", e.Health())
	}

	p.Report(e, nil)
	if e.Health() != pool.Healthy {
		t.Fatalf("expected healthy after success on degraded, got %v", e.Health())
	}
}

func TestReport_QuarantineAfterThreshold(t *testing.T) {
	p := testPool("a", "b")
	var a *pool.Endpoint
	for {
		e, _ := p.Select()
		if e.URL == "a" {
			a = e
			break
		}
	}

	p.Report(a, errBoom)
	p.Report(a, errBoom)
	if a.Health() != pool.Degraded {
		t.Fatalf("expected degraded below threshold, got %v", a.Health())
	}
	p.Report(a, errBoom)
	if a.Health() != pool.Quarantined {
		t.Fatalf("expected quarantined at threshold, got %v", a.Health())
	}

	// Quarantined endpoints must never be selected.
	for i := 0; i < 4; i++ {
		e, err := p.Select()
		if err != nil {
			t.Fatal(err)
		}
		if e.URL == "a" {
			t.Fatal("quarantined endpoint was selected")
		}
	}
}

func TestSelect_NoEndpointsWhenAllQuarantined(t *testing.T) {
	p := testPool("a")
	e, _ := p.Select()
	for i := 0; i < 3; i++ {
		p.Report(e, errBoom)
	}

	if _, err := p.Select(); err != domain.ErrNoEndpoints {
		t.Fatalf("expected ErrNoEndpoints, got %v", err)
	}
}

// TestQuarantine_CooldownReprobe verifies a quarantined endpoint re-enters the
// degraded tier after its cooldown, and that one more failure re-quarantines
// it while one success fully clears it.
func TestQuarantine_CooldownReprobe(t *testing.T) {
	p := testPool("a")
	e, _ := p.Select()
	for i := 0; i < 3; i++ {
		p.Report(e, errBoom)
	}
	if _, err := p.Select(); err == nil {
		t.Fatal("expected quarantine to block selection")
	}

	time.Sleep(60 * time.Millisecond)

	got, err := p.Select()
	if err != nil {
		t.Fatalf("expected endpoint back after cooldown, got %v", err)
	}
	if got.Health() != pool.Degraded {
		t.Fatalf("expected degraded re-probe state, got %v", got.Health())
	}

	t.Run("probe failure re-quarantines", func(t *testing.T) {
		p.Report(got, errBoom)
		if got.Health() != pool.Quarantined {
			t.Fatalf("expected re-quarantine on probe failure, got %v", got.Health())
		}
	})

	t.Run("probe success clears", func(t *testing.T) {
		time.Sleep(60 * time.Millisecond)
		e, err := p.Select()
		if err != nil {
			t.Fatal(err)
		}
		p.Report(e, nil)
		if e.Health() != pool.Healthy {
			t.Fatalf("expected healthy after probe success, got %v", e.Health())
		}
	})
}

func TestWait_RespectsContext(t *testing.T) {
	p := pool.New([]string{"a"}, pool.Config{
		RatePerSec:          0.001, // effectively never grants a second token
		Burst:               1,
		QuarantineThreshold: 3,
		QuarantineCooldown:  time.Minute,
	}, zap.NewNop())

	e, _ := p.Select()
	if err := p.Wait(context.Background(), e); err != nil {
		t.Fatalf("first token should be immediate: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Wait(ctx, e); err == nil {
		t.Fatal("expected context deadline while waiting for a token")
	}
}

func TestProbe_OrdersFastestFirst(t *testing.T) {
	p := testPool("slow", "fast", "broken")

	probe := func(_ context.Context, url string) (time.Duration, error) {
		switch url {
		case "fast":
			return 5 * time.Millisecond, nil
		case "slow":
			return 50 * time.Millisecond, nil
		default:
			return 0, errBoom
		}
	}
	p.Probe(context.Background(), probe)

	e, err := p.Select()
	if err != nil {
		t.Fatal(err)
	}
	if e.URL != "fast" {
		t.Fatalf("expected fastest endpoint first, got %q", e.URL)
	}

	snap := p.Snapshot()
	if snap[0].URL != "fast" || snap[1].URL != "slow" {
		t.Fatalf("unexpected probe ordering: %+v", snap)
	}
	if snap[2].URL != "broken" || snap[2].Health != "degraded" {
		t.Fatalf("probe failure should degrade the endpoint: %+v", snap[2])
	}
}
