package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/podping/hivedispatch/internal/api"
	"github.com/podping/hivedispatch/internal/config"
	"github.com/podping/hivedispatch/internal/dispatch"
	"github.com/podping/hivedispatch/internal/ledger"
	"github.com/podping/hivedispatch/internal/metrics"
	"github.com/podping/hivedispatch/internal/pool"
	"github.com/podping/hivedispatch/internal/queue"
	"github.com/podping/hivedispatch/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	// ---- configuration ----
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	if cfg.DryRun {
		logger.Warn("dry-run mode: nothing will be written to the ledger")
	}

	// ---- core dependencies ----
	ctx := context.Background()
	reg := prometheus.NewRegistry()

	q := queue.New(queue.Config{
		BatchSize:       cfg.BatchSize,
		MaxBatchItems:   cfg.MaxBatchItems,
		MaxWait:         cfg.MaxWait,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		Capacity:        cfg.QueueCapacity,
	}, logger)

	m := metrics.New(reg, metrics.Sources{
		QueueDepth: func() float64 { return float64(q.Depth()) },
		PingsReceived: func() float64 {
			received, _ := q.Counters()
			return float64(received)
		},
		PingsDuplicate: func() float64 {
			_, duplicates := q.Counters()
			return float64(duplicates)
		},
	})

	endpoints := pool.New(cfg.Endpoints, pool.Config{
		RatePerSec:          cfg.EndpointRate,
		Burst:               cfg.EndpointBurst,
		QuarantineThreshold: cfg.QuarantineThreshold,
		QuarantineCooldown:  cfg.QuarantineCooldown,
	}, logger)
	endpoints.OnTransition(m.PoolHook())

	if cfg.ProbeOnStartup {
		probeCtx, cancelProbe := context.WithTimeout(ctx, 10*time.Second)
		endpoints.Probe(probeCtx, pool.HTTPProbe(&http.Client{Timeout: 5 * time.Second}))
		cancelProbe()
	}

	var client ledger.Client
	if cfg.DryRun {
		client = ledger.NewDryRunClient(logger)
	} else {
		hc := ledger.NewHiveClient(ledger.Options{
			Account:     cfg.Account,
			OperationID: cfg.OperationID,
			Medium:      cfg.Medium,
			Reason:      cfg.Reason,
			Timeout:     cfg.LedgerTimeout,
		}, logger)
		if cfg.ProbeOnStartup {
			verifyCtx, cancelVerify := context.WithTimeout(ctx, 10*time.Second)
			err := hc.VerifyAccount(verifyCtx, endpoints.Snapshot()[0].URL)
			cancelVerify()
			if err != nil {
				logger.Fatal("account verification failed",
					zap.String("account", cfg.Account),
					zap.Error(err),
				)
			}
			logger.Info("account verified", zap.String("account", cfg.Account))
		}
		client = hc
	}

	registry := dispatch.NewRegistry(cfg.OutcomeRetain)

	// ---- background goroutines ----
	// The queue stops on queueCtx (running a final flush before closing its
	// output), the broadcaster drains until that close, and dispatchCtx only
	// interrupts in-flight submits and backoff sleeps if draining overruns
	// the shutdown budget.
	queueCtx, cancelQueue := context.WithCancel(ctx)
	defer cancelQueue()
	dispatchCtx, cancelDispatch := context.WithCancel(ctx)
	defer cancelDispatch()

	onCommitted, onExhausted := m.DispatchHooks()
	broadcaster := dispatch.New(dispatch.Config{
		Workers:         cfg.DispatchWorkers,
		MaxRetries:      cfg.MaxRetries,
		Backoff:         cfg.RetryBackoff,
		MaxBackoffTotal: cfg.MaxBackoffTotal,
	}, client, endpoints, registry, logger, dispatch.Hooks{
		OnCommitted: onCommitted,
		OnExhausted: onExhausted,
	})

	go q.Run(queueCtx)
	broadcaster.Start(dispatchCtx, q.Out())

	svc := service.NewPingService(q, registry, cfg.AwaitTimeout, logger)
	svc.OnRejected(m.RejectedHook())

	reporter := dispatch.NewReporter(cfg.StatusInterval, func() []zap.Field {
		received, duplicates := q.Counters()
		sent, committed, exhausted := broadcaster.Counters()
		return []zap.Field{
			zap.Int("queue_depth", q.Depth()),
			zap.Uint64("pings_received", received),
			zap.Uint64("pings_duplicate", duplicates),
			zap.Uint64("pings_sent", sent),
			zap.Uint64("batches_committed", committed),
			zap.Uint64("batches_exhausted", exhausted),
			zap.Any("endpoints", endpoints.Snapshot()),
		}
	}, logger)
	go reporter.Run(dispatchCtx)

	// ---- HTTP server ----
	router := api.NewRouter(svc, endpoints, broadcaster, reg, logger)
	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	// Start server in a goroutine so it does not block the shutdown listener.
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// ---- graceful shutdown ----
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	// 1. Stop accepting new submissions.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// 2. Flush whatever is still pending and close the batch stream.
	cancelQueue()

	// 3. Drain the in-flight batches, bounded by the shutdown budget.
	done := make(chan struct{})
	go func() {
		broadcaster.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("server stopped cleanly")
	case <-shutdownCtx.Done():
		cancelDispatch() // abandon remaining retries
		<-done
		logger.Warn("shutdown budget exceeded, abandoned in-flight batches")
	}
}
