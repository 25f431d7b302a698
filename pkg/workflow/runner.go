package workflow

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/guido-cesarano/verifyq/pkg/logger"
	"github.com/guido-cesarano/verifyq/pkg/store"
)

// Runner drives the engine from the durable timer queue. It also owns the
// cron-scheduled expiration sweep, which catches tasks whose timers were
// lost (a crashed process between timer pop and step execution).
type Runner struct {
	engine *Engine
	store  *store.Store
	cron   *cron.Cron

	// Advanced is invoked after each processed timer with the outcome and
	// the step duration, so the engine binary can hook metrics in without
	// this package importing prometheus.
	Advanced func(taskID string, err error, took time.Duration)
}

// NewRunner wires a runner for the given engine and store.
func NewRunner(e *Engine, st *store.Store) *Runner {
	return &Runner{
		engine: e,
		store:  st,
		cron:   cron.New(cron.WithSeconds()),
	}
}

// Run processes due timers until the context is cancelled. It starts the
// timer-promotion loop, the cron sweeper, and then consumes the due list.
// Multiple runners can share the same Redis safely: timer promotion is
// atomic and each due entry pops exactly once.
func (r *Runner) Run(ctx context.Context) error {
	log := logger.With("runner")

	go r.store.RunTimerLoop(ctx, 500*time.Millisecond)

	if _, err := r.cron.AddFunc("0 * * * * *", func() { r.sweepExpired(ctx) }); err != nil {
		return err
	}
	r.cron.Start()
	defer r.cron.Stop()

	log.Info().Msg("Workflow runner started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		taskID, err := r.store.PopDue(ctx, time.Second)
		if err != nil {
			log.Error().Err(err).Msg("Timer pop failed")
			time.Sleep(500 * time.Millisecond)
			continue
		}
		if taskID == "" {
			continue
		}

		start := time.Now()
		stepErr := r.engine.Advance(ctx, taskID)
		if stepErr != nil {
			log.Warn().Err(stepErr).Str("task_id", taskID).Msg("Step finished with error")
		}
		if r.Advanced != nil {
			r.Advanced(taskID, stepErr, time.Since(start))
		}
	}
}

// sweepExpired expires every task whose deadline passed but whose timer
// never fired. Runs every minute via cron.
func (r *Runner) sweepExpired(ctx context.Context) {
	log := logger.With("sweeper")
	ids, err := r.store.ExpiredTasks(ctx, time.Now(), 100)
	if err != nil {
		log.Error().Err(err).Msg("Deadline index scan failed")
		return
	}
	for _, id := range ids {
		if _, err := r.engine.HandleTimeout(ctx, id); err != nil {
			log.Warn().Err(err).Str("task_id", id).Msg("Sweep expiration failed")
		}
	}
	if len(ids) > 0 {
		log.Info().Int("count", len(ids)).Msg("Swept expired tasks")
	}
}
