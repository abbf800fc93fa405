package handler

import (
	"net/http"

	"github.com/podping/hivedispatch/internal/pool"
	"github.com/podping/hivedispatch/internal/service"
)

// DispatchCounters supplies the broadcaster's running totals.
type DispatchCounters interface {
	Counters() (sent, committed, exhausted uint64)
}

// MetricsHandler serves a human-readable JSON snapshot of queue depth,
// dispatch totals, and endpoint health. Raw Prometheus metrics are available
// at /metrics via promhttp.Handler and are separate from this endpoint.
type MetricsHandler struct {
	svc      *service.PingService
	pool     *pool.Pool
	dispatch DispatchCounters
}

func NewMetricsHandler(svc *service.PingService, p *pool.Pool, d DispatchCounters) *MetricsHandler {
	return &MetricsHandler{svc: svc, pool: p, dispatch: d}
}

// GetMetrics handles GET /api/v1/metrics
func (h *MetricsHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	received, duplicates := h.svc.Counters()
	sent, committed, exhausted := h.dispatch.Counters()

	respondJSON(w, http.StatusOK, map[string]any{
		"queue_depth": h.svc.QueueDepth(),
		"pings": map[string]uint64{
			"received":   received,
			"duplicates": duplicates,
			"sent":       sent,
		},
		"batches": map[string]uint64{
			"committed": committed,
			"exhausted": exhausted,
		},
		"endpoints": h.pool.Snapshot(),
	})
}
