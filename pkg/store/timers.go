package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/guido-cesarano/verifyq/pkg/logger"
	"github.com/guido-cesarano/verifyq/pkg/verify"
)

// Durable timer queue. "Wait" in the workflow is a scheduled re-invocation,
// not an in-process sleep: a task id sits in the timers ZSET scored by its
// due time until the scheduler moves it to the due list, where an engine
// process picks it up. The workflow survives process restarts because both
// structures live in Redis.
const (
	timersKey    = "timers"     // ZSET, score = due time (unix nanos)
	timersDueKey = "timers:due" // LIST of task ids ready for a status check
)

// ScheduleCheck arms (or re-arms) the durable timer for a task. ZADD
// overwrites the previous score, so a task has at most one pending timer.
func (s *Store) ScheduleCheck(ctx context.Context, taskID string, at time.Time) error {
	err := s.rdb.ZAdd(ctx, timersKey, redis.Z{
		Score:  float64(at.UnixNano()),
		Member: taskID,
	}).Err()
	if err != nil {
		return &verify.TransientInfraError{Op: "store.ScheduleCheck", Err: err}
	}
	return nil
}

// CancelCheck drops any pending timer for a task.
func (s *Store) CancelCheck(ctx context.Context, taskID string) error {
	if err := s.rdb.ZRem(ctx, timersKey, taskID).Err(); err != nil {
		return &verify.TransientInfraError{Op: "store.CancelCheck", Err: err}
	}
	return nil
}

// dueScript atomically moves every timer whose due time has arrived from the
// ZSET onto the due list. Atomicity matters when multiple scheduler
// instances run: without it two instances could both pick up the same timer.
var dueScript = redis.NewScript(`
	local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	if #due > 0 then
		redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
		for _, id in ipairs(due) do
			redis.call('RPUSH', KEYS[2], id)
		end
	end
	return #due
`)

// MoveDueTimers promotes all timers due at or before now onto the due list
// and returns how many moved.
func (s *Store) MoveDueTimers(ctx context.Context, now time.Time) (int, error) {
	n, err := dueScript.Run(ctx, s.rdb,
		[]string{timersKey, timersDueKey},
		float64(now.UnixNano()),
	).Int()
	if err != nil {
		return 0, &verify.TransientInfraError{Op: "store.MoveDueTimers", Err: err}
	}
	return n, nil
}

// PopDue blocks up to timeout for the next task id on the due list.
// Returns redis.Nil's mapped form ("", nil) when nothing arrived in time.
func (s *Store) PopDue(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := s.rdb.BLPop(ctx, timeout, timersDueKey).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", &verify.TransientInfraError{Op: "store.PopDue", Err: err}
	}
	// BLPop returns [key, value].
	return res[1], nil
}

// RunTimerLoop runs the timer promotion loop until the context is cancelled.
// Checks every tick for timers whose scheduled time has arrived. Safe to run
// from several engine instances concurrently thanks to dueScript.
func (s *Store) RunTimerLoop(ctx context.Context, tick time.Duration) {
	log := logger.With("timers")
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.MoveDueTimers(ctx, time.Now())
			if err != nil {
				log.Error().Err(err).Msg("Timer promotion failed")
				continue
			}
			if n > 0 {
				log.Debug().Int("count", n).Msg("Timers due")
			}
		}
	}
}
