// Package distribute selects a distribution strategy for a task, picks the
// worker subset to notify, and drives the notification gateway in isolated
// batches.
package distribute

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/guido-cesarano/verifyq/pkg/events"
	"github.com/guido-cesarano/verifyq/pkg/logger"
	"github.com/guido-cesarano/verifyq/pkg/match"
	"github.com/guido-cesarano/verifyq/pkg/notify"
	"github.com/guido-cesarano/verifyq/pkg/verify"
)

// Strategy selection thresholds.
const (
	targetedMaxPool  = 5   // pools this small always go TARGETED
	auctionMinPool   = 10  // AUCTION needs more candidates than this
	auctionMinScore  = 0.8 // and an average score above this
	targetedMultiple = 2   // TARGETED notifies threshold*2 workers
	auctionMultiple  = 3   // AUCTION notifies threshold*3 workers
)

// RateLimiter gates notification batches. The store's token bucket satisfies
// this; a nil limiter disables throttling.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit, burst int) (bool, error)
}

// Distributor routes a task to its selected workers.
type Distributor struct {
	gateway   notify.Gateway
	bus       events.Publisher
	limiter   RateLimiter
	batchSize int
	rateLimit int
	rateBurst int
}

// Option configures a Distributor.
type Option func(*Distributor)

// WithRateLimit throttles notification batches through the given limiter.
func WithRateLimit(l RateLimiter, limit, burst int) Option {
	return func(d *Distributor) {
		d.limiter = l
		d.rateLimit = limit
		d.rateBurst = burst
	}
}

// New builds a distributor sending batches of at most batchSize workers.
func New(gateway notify.Gateway, bus events.Publisher, batchSize int, opts ...Option) *Distributor {
	d := &Distributor{gateway: gateway, bus: bus, batchSize: batchSize}
	for _, o := range opts {
		o(d)
	}
	return d
}

// DetermineStrategy picks the distribution strategy for a task:
// critical urgency always broadcasts; small pools are targeted; large,
// high-quality pools go through the auction ranking; everything else is
// targeted.
func DetermineStrategy(task *verify.Task, eligible []verify.ScoredWorker) verify.Strategy {
	if task.Requirements.Urgency == verify.UrgencyCritical {
		return verify.StrategyBroadcast
	}
	if len(eligible) <= targetedMaxPool {
		return verify.StrategyTargeted
	}
	if match.AverageScore(eligible) > auctionMinScore && len(eligible) > auctionMinPool {
		return verify.StrategyAuction
	}
	return verify.StrategyTargeted
}

// SelectWorkers returns the worker subset for a strategy. Input must already
// be sorted best first (the matcher guarantees that).
//
// AUCTION is a ranking placeholder: it widens the selection to threshold*3
// but runs no bidding round.
func SelectWorkers(strategy verify.Strategy, eligible []verify.ScoredWorker, threshold int) []verify.ScoredWorker {
	switch strategy {
	case verify.StrategyBroadcast:
		return eligible
	case verify.StrategyAuction:
		return topN(eligible, threshold*auctionMultiple)
	default:
		return topN(eligible, threshold*targetedMultiple)
	}
}

func topN(workers []verify.ScoredWorker, n int) []verify.ScoredWorker {
	if n > len(workers) {
		n = len(workers)
	}
	return workers[:n]
}

// Distribute runs one full distribution attempt: strategy selection, worker
// selection, batched notification, assignment bookkeeping for the caller.
// Batch failures are isolated; failed worker ids come back on the record
// rather than aborting the attempt. At least one delivered notification
// makes the attempt a success.
func (d *Distributor) Distribute(ctx context.Context, task *verify.Task, eligible []verify.ScoredWorker) (*verify.DistributionRecord, error) {
	log := logger.With("distributor")

	strategy := DetermineStrategy(task, eligible)
	selected := SelectWorkers(strategy, eligible, task.Requirements.Threshold)

	rec := &verify.DistributionRecord{
		ExecutionID:     uuid.New().String(),
		Strategy:        strategy,
		EligibleWorkers: workerIDs(eligible),
	}

	for start := 0; start < len(selected); start += d.batchSize {
		end := start + d.batchSize
		if end > len(selected) {
			end = len(selected)
		}
		batch := selected[start:end]

		if err := d.waitForRateLimit(ctx, task.Requirements.Type); err != nil {
			log.Warn().Err(err).Str("task_id", task.ID).Msg("Rate limiter unavailable, sending anyway")
		}

		msgs := make([]notify.Message, 0, len(batch))
		for _, w := range batch {
			msgs = append(msgs, notify.Message{
				Key:      task.ID + "-" + w.Worker.WorkerID,
				TaskID:   task.ID,
				WorkerID: w.Worker.WorkerID,
				Payload: map[string]any{
					"title":           task.Title,
					"type":            task.Requirements.Type,
					"urgency":         string(task.Requirements.Urgency),
					"timeout_minutes": task.Requirements.TimeoutMinutes,
				},
			})
		}

		if err := d.gateway.NotifyBatch(ctx, msgs); err != nil {
			// One failed batch must not block the others.
			log.Error().Err(err).
				Str("task_id", task.ID).
				Int("batch_size", len(batch)).
				Msg("Notification batch failed")
			for _, w := range batch {
				rec.FailedWorkers = append(rec.FailedWorkers, w.Worker.WorkerID)
			}
			continue
		}
		for _, w := range batch {
			rec.NotifiedWorkers = append(rec.NotifiedWorkers, w.Worker.WorkerID)
		}
		rec.NotificationsSent += len(batch)
	}

	if len(selected) > 0 && rec.NotificationsSent == 0 {
		return rec, &verify.TransientInfraError{
			Op:  "distribute.Notify",
			Err: fmt.Errorf("all %d notification batches failed", (len(selected)+d.batchSize-1)/d.batchSize),
		}
	}

	d.bus.Publish(ctx, events.Event{
		Type:   events.TypeTaskDistributed,
		TaskID: task.ID,
		Details: map[string]any{
			"strategy":           string(strategy),
			"execution_id":       rec.ExecutionID,
			"eligible_count":     len(eligible),
			"notifications_sent": rec.NotificationsSent,
			"failed_workers":     rec.FailedWorkers,
		},
	})

	log.Info().
		Str("task_id", task.ID).
		Str("strategy", string(strategy)).
		Int("notified", rec.NotificationsSent).
		Int("failed", len(rec.FailedWorkers)).
		Msg("Task distributed")
	return rec, nil
}

// waitForRateLimit consumes a token when a limiter is configured. Denied
// batches are not dropped; the limiter is a pacing hint, so on denial we
// simply proceed after reporting. Changing this to a hard wait only needs a
// durable timer, which the workflow already owns.
func (d *Distributor) waitForRateLimit(ctx context.Context, taskType string) error {
	if d.limiter == nil || d.rateLimit <= 0 {
		return nil
	}
	allowed, err := d.limiter.Allow(ctx, "ratelimit:notify:"+taskType, d.rateLimit, d.rateBurst)
	if err != nil {
		return err
	}
	if !allowed {
		log := logger.With("distributor")
		log.Warn().
			Str("type", taskType).
			Msg("Notification rate limit exceeded")
	}
	return nil
}

// Suggestions generates requirement-relaxation hints for a task that matched
// no workers. Returned with the failure so the task author can retry with
// softer criteria.
func Suggestions(task *verify.Task) []string {
	req := task.Requirements
	var out []string
	if len(req.RequiredSkills) > 2 {
		out = append(out, fmt.Sprintf("reduce required skills from %d to at most 2", len(req.RequiredSkills)))
	}
	if req.MinLevel > 5 {
		out = append(out, fmt.Sprintf("lower the minimum verifier level from %d", req.MinLevel))
	}
	if len(req.LanguageCodes) > 2 {
		out = append(out, fmt.Sprintf("reduce language requirements from %d to at most 2", len(req.LanguageCodes)))
	}
	if len(out) == 0 {
		out = append(out, "retry later when more workers are available")
	}
	return out
}

// HandleNoEligibleWorkers emits the distribution-failure event for a task
// with an empty candidate pool and returns the terminal business error. The
// workflow layer performs the FAILED transition.
func (d *Distributor) HandleNoEligibleWorkers(ctx context.Context, task *verify.Task) error {
	suggestions := Suggestions(task)
	d.bus.Publish(ctx, events.Event{
		Type:   events.TypeNoEligibleWorkers,
		TaskID: task.ID,
		Details: map[string]any{
			"suggestions": suggestions,
		},
	})
	return &verify.NoEligibleWorkersError{TaskID: task.ID, Suggestions: suggestions}
}

func workerIDs(workers []verify.ScoredWorker) []string {
	ids := make([]string, len(workers))
	for i, w := range workers {
		ids[i] = w.Worker.WorkerID
	}
	return ids
}
