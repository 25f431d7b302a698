// Package main implements the verifyq workflow engine process. It consumes
// the durable timer queue, executes whichever workflow step each task is
// due for, sweeps expired tasks on a cron schedule, and exposes Prometheus
// metrics.
//
// Multiple engine instances can run against the same Redis: timer promotion
// is atomic and status transitions are CAS-guarded, so a duplicated or
// stale step loses cleanly.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/guido-cesarano/verifyq/pkg/config"
	"github.com/guido-cesarano/verifyq/pkg/distribute"
	"github.com/guido-cesarano/verifyq/pkg/events"
	"github.com/guido-cesarano/verifyq/pkg/logger"
	"github.com/guido-cesarano/verifyq/pkg/match"
	"github.com/guido-cesarano/verifyq/pkg/notify"
	"github.com/guido-cesarano/verifyq/pkg/payment"
	"github.com/guido-cesarano/verifyq/pkg/store"
	"github.com/guido-cesarano/verifyq/pkg/verify"
	"github.com/guido-cesarano/verifyq/pkg/workflow"
)

var (
	// stepsProcessed counts executed workflow steps by outcome.
	// Labels: outcome = "ok", "conflict" or the error kind.
	stepsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "verifyq_steps_total",
		Help: "The total number of executed workflow steps",
	}, []string{"outcome"})

	// stepDuration tracks step execution latency.
	stepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "verifyq_step_duration_seconds",
		Help:    "Duration of workflow step execution",
		Buckets: prometheus.DefBuckets,
	})

	// indexDepth tracks the size of each store index and timer structure.
	indexDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "verifyq_index_depth",
		Help: "Number of entries in each store index",
	}, []string{"index"})
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Bad configuration")
	}

	st := store.New(cfg.RedisAddr)
	defer st.Close()

	gateway := notify.NewKafkaGateway(cfg.KafkaBrokers, cfg.NotifyTopic)
	defer gateway.Close()
	bus := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.EventsTopic)
	defer bus.Close()
	payments := payment.NewKafkaSink(cfg.KafkaBrokers, cfg.PaymentTopic)
	defer payments.Close()

	matcher := match.New(st, cfg.Weights, cfg.MaxConcurrentPerWorker)
	dist := distribute.New(gateway, bus, cfg.NotifyBatchSize,
		distribute.WithRateLimit(st, cfg.NotifyRateLimit, cfg.NotifyRateBurst))
	engine := workflow.New(st, matcher, dist, bus, payments, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metrics server
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		logger.Log.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics server listening")
		if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
			logger.Log.Error().Err(err).Msg("Metrics server stopped")
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Log.Info().Msg("Shutting down engine...")
		cancel()
	}()

	go collectIndexMetrics(ctx, st)

	runner := workflow.NewRunner(engine, st)
	runner.Advanced = func(taskID string, err error, took time.Duration) {
		stepDuration.Observe(took.Seconds())
		switch {
		case err == nil:
			stepsProcessed.WithLabelValues("ok").Inc()
		case isConflict(err):
			stepsProcessed.WithLabelValues("conflict").Inc()
		default:
			stepsProcessed.WithLabelValues(verify.Kind(err)).Inc()
		}
	}

	logger.Log.Info().Msg("Engine started. Waiting for timers...")
	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Log.Fatal().Err(err).Msg("Runner failed")
	}
}

func isConflict(err error) bool {
	var ce *verify.ConflictError
	return errors.As(err, &ce)
}

// collectIndexMetrics refreshes index depth gauges every 5 seconds.
func collectIndexMetrics(ctx context.Context, st *store.Store) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for idx, depth := range st.IndexDepths(ctx) {
				indexDepth.WithLabelValues(idx).Set(float64(depth))
			}
		}
	}
}
