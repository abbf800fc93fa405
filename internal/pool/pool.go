package pool

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/podping/hivedispatch/internal/domain"
)

// Health is the selection tier of an endpoint.
type Health int

const (
	Healthy Health = iota
	Degraded
	Quarantined
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Quarantined:
		return "quarantined"
	}
	return "unknown"
}

// Endpoint is one remote write endpoint plus its mutable health state.
// All state transitions happen under the pool's mutex.
type Endpoint struct {
	URL string

	health           Health
	consecutiveFails int
	lastFailure      time.Time
	quarantinedUntil time.Time
	limiter          *rate.Limiter
}

// Health returns the endpoint's current tier. Callers outside the pool only
// use this for display; selection decisions stay inside the pool.
func (e *Endpoint) Health() Health { return e.health }

// Status is a read-only view of one endpoint for diagnostics and metrics.
type Status struct {
	URL              string    `json:"url"`
	Health           string    `json:"health"`
	ConsecutiveFails int       `json:"consecutive_failures"`
	LastFailure      time.Time `json:"last_failure,omitempty"`
}

// Config controls health-state transitions and the per-endpoint rate gate.
type Config struct {
	// RatePerSec and Burst feed one token bucket per endpoint; a dispatch
	// attempt waits on the selected endpoint's bucket before submitting.
	RatePerSec float64
	Burst      int
	// QuarantineThreshold is the consecutive-failure count that quarantines.
	QuarantineThreshold int
	// QuarantineCooldown is how long a quarantined endpoint sits out before
	// re-entering the degraded tier for re-probing.
	QuarantineCooldown time.Duration
}

// Pool is an ordered set of write endpoints with failover selection.
// Selection prefers healthy endpoints over degraded ones and rotates
// round-robin within a tier so no single endpoint is hammered.
type Pool struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	endpoints []*Endpoint
	rr        uint64

	// onTransition is called (outside selection hot paths but under the pool
	// lock) whenever an endpoint changes tier. Used to keep metrics current.
	onTransition func(url string, h Health)
}

func New(urls []string, cfg Config, logger *zap.Logger) *Pool {
	endpoints := make([]*Endpoint, len(urls))
	for i, u := range urls {
		endpoints[i] = &Endpoint{
			URL:     u,
			health:  Healthy,
			limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		}
	}
	return &Pool{cfg: cfg, logger: logger, endpoints: endpoints}
}

// OnTransition registers a hook fired on every health-tier change.
func (p *Pool) OnTransition(fn func(url string, h Health)) {
	p.mu.Lock()
	p.onTransition = fn
	p.mu.Unlock()
}

// Select picks the next endpoint to try: healthy tier first, then degraded,
// round-robin within the tier. Quarantined endpoints whose cooldown has
// elapsed drop back to degraded before the tiers are considered.
// Fails with ErrNoEndpoints when everything is quarantined.
func (p *Pool) Select() (*Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for _, e := range p.endpoints {
		if e.health == Quarantined && now.After(e.quarantinedUntil) {
			// Re-probe: a single failure re-quarantines, a success clears.
			e.health = Degraded
			e.consecutiveFails = p.cfg.QuarantineThreshold - 1
			p.transitionLocked(e)
		}
	}

	candidates := p.tierLocked(Healthy)
	if len(candidates) == 0 {
		candidates = p.tierLocked(Degraded)
	}
	if len(candidates) == 0 {
		return nil, domain.ErrNoEndpoints
	}

	e := candidates[p.rr%uint64(len(candidates))]
	p.rr++
	return e, nil
}

func (p *Pool) tierLocked(h Health) []*Endpoint {
	var out []*Endpoint
	for _, e := range p.endpoints {
		if e.health == h {
			out = append(out, e)
		}
	}
	return out
}

// Report feeds a dispatch attempt's result back into the endpoint's health
// state. A success promotes degraded to healthy; a failure demotes healthy to
// degraded and quarantines after QuarantineThreshold consecutive failures.
func (p *Pool) Report(e *Endpoint, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err == nil {
		e.consecutiveFails = 0
		if e.health != Healthy {
			e.health = Healthy
			p.transitionLocked(e)
			p.logger.Info("endpoint recovered", zap.String("endpoint", e.URL))
		}
		return
	}

	e.consecutiveFails++
	e.lastFailure = time.Now().UTC()

	switch {
	case e.consecutiveFails >= p.cfg.QuarantineThreshold:
		e.health = Quarantined
		e.quarantinedUntil = time.Now().Add(p.cfg.QuarantineCooldown)
		p.transitionLocked(e)
		p.logger.Warn("endpoint quarantined",
			zap.String("endpoint", e.URL),
			zap.Int("consecutive_failures", e.consecutiveFails),
			zap.Duration("cooldown", p.cfg.QuarantineCooldown),
		)
	case e.health == Healthy:
		e.health = Degraded
		p.transitionLocked(e)
		p.logger.Warn("endpoint degraded", zap.String("endpoint", e.URL), zap.Error(err))
	}
}

func (p *Pool) transitionLocked(e *Endpoint) {
	if p.onTransition != nil {
		p.onTransition(e.URL, e.health)
	}
}

// Wait blocks until the endpoint's rate limiter grants a token, or ctx is
// cancelled. Called immediately before every submit attempt.
func (p *Pool) Wait(ctx context.Context, e *Endpoint) error {
	return e.limiter.Wait(ctx)
}

// Snapshot returns the current health view of every endpoint.
func (p *Pool) Snapshot() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Status, len(p.endpoints))
	for i, e := range p.endpoints {
		out[i] = Status{
			URL:              e.URL,
			Health:           e.health.String(),
			ConsecutiveFails: e.consecutiveFails,
			LastFailure:      e.lastFailure,
		}
	}
	return out
}

// ProbeFunc measures one endpoint's round-trip latency.
type ProbeFunc func(ctx context.Context, url string) (time.Duration, error)

// HTTPProbe is the default ProbeFunc: a HEAD request timed end to end.
func HTTPProbe(client *http.Client) ProbeFunc {
	return func(ctx context.Context, url string) (time.Duration, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return 0, err
		}
		start := time.Now()
		resp, err := client.Do(req)
		if err != nil {
			return 0, err
		}
		resp.Body.Close()
		return time.Since(start), nil
	}
}

// Probe measures every endpoint once and reorders the pool fastest-first, so
// round-robin starts from the quickest node. Endpoints that fail the probe
// are reported as failures and sort last.
func (p *Pool) Probe(ctx context.Context, probe ProbeFunc) {
	type result struct {
		e   *Endpoint
		rtt time.Duration
		err error
	}

	p.mu.Lock()
	endpoints := make([]*Endpoint, len(p.endpoints))
	copy(endpoints, p.endpoints)
	p.mu.Unlock()

	results := make([]result, len(endpoints))
	var wg sync.WaitGroup
	for i, e := range endpoints {
		wg.Add(1)
		go func(i int, e *Endpoint) {
			defer wg.Done()
			rtt, err := probe(ctx, e.URL)
			results[i] = result{e: e, rtt: rtt, err: err}
		}(i, e)
	}
	wg.Wait()

	sort.SliceStable(results, func(i, j int) bool {
		if (results[i].err == nil) != (results[j].err == nil) {
			return results[i].err == nil
		}
		return results[i].rtt < results[j].rtt
	})

	p.mu.Lock()
	for i, r := range results {
		p.endpoints[i] = r.e
	}
	p.mu.Unlock()

	for _, r := range results {
		if r.err != nil {
			p.Report(r.e, r.err)
			continue
		}
		p.logger.Info("endpoint probed", zap.String("endpoint", r.e.URL), zap.Duration("rtt", r.rtt))
	}
}
