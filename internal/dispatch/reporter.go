package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Reporter logs a periodic one-line health summary: uptime, ping counters,
// and endpoint health. The field set is composed in main so the reporter
// stays decoupled from the queue and pool types.
type Reporter struct {
	interval time.Duration
	fields   func() []zap.Field
	logger   *zap.Logger
	started  time.Time
}

func NewReporter(interval time.Duration, fields func() []zap.Field, logger *zap.Logger) *Reporter {
	return &Reporter{
		interval: interval,
		fields:   fields,
		logger:   logger,
		started:  time.Now(),
	}
}

// Run ticks every interval until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fields := append([]zap.Field{
				zap.Duration("uptime", time.Since(r.started).Round(time.Second)),
			}, r.fields()...)
			r.logger.Info("status", fields...)
		}
	}
}
