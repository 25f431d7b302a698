// Package store provides the Redis-backed transactional store for the
// verification engine. It owns every durable record (tasks, worker profiles,
// submissions) plus the secondary indexes the matcher and the expiration
// sweeper query.
//
// Concurrency contract:
//   - Status transitions use a compare-and-swap Lua script keyed on the
//     expected prior status; a stale writer loses cleanly with a
//     ConflictError and no partial write.
//   - Submission recording is a single Lua transaction across three records
//     (submission insert, task counter + status recompute, worker load
//     decrement), so two racing submitters can never both count.
//   - Worker load counters only move through atomic HINCRBY/ZINCRBY, never
//     read-modify-write in application code.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/guido-cesarano/verifyq/pkg/verify"
)

// Store manages the connection to Redis and provides the persistence
// operations for tasks, workers and submissions. All operations are
// context-aware.
type Store struct {
	rdb *redis.Client
}

// New creates a store connected to the specified Redis address
// (e.g. "localhost:6379").
func New(addr string) *Store {
	return &Store{
		rdb: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

// Close releases the underlying Redis connection.
func (s *Store) Close() error { return s.rdb.Close() }

// Key layout. Task state is split between a JSON document (static fields)
// and plain hash fields for everything Lua scripts mutate (status, counters,
// deadline), so scripts never have to parse JSON.
func taskKey(id string) string         { return "task:" + id }
func taskAssignedKey(id string) string { return "task:" + id + ":assigned" }
func taskSubsKey(id string) string     { return "task:" + id + ":subs" }
func subKey(taskID, workerID string) string {
	return "sub:" + taskID + ":" + workerID
}
func workerKey(id string) string { return "worker:" + id }

const (
	idxAvailable = "idx:workers:available" // ZSET, score = level
	idxLoad      = "idx:workers:load"      // ZSET, score = active tasks
	idxDeadline  = "idx:tasks:deadline"    // ZSET, score = expiresAt (unix)
)

// createScript inserts a task only if no task with the same id exists.
var createScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 1 then
		return 0
	end
	redis.call('HSET', KEYS[1],
		'data', ARGV[1],
		'status', ARGV[2],
		'completed', 0,
		'attempts', 0,
		'threshold', ARGV[3],
		'expires_at', ARGV[4],
		'updated_at', ARGV[5],
		'version', 1)
	return 1
`)

// casScript is the conditional update behind every status transition: the
// write is rejected if another writer changed the status first. It also
// maintains the deadline index and drops any pending timer once the task is
// terminal.
var casScript = redis.NewScript(`
	local cur = redis.call('HGET', KEYS[1], 'status')
	if cur ~= ARGV[1] then
		return 0
	end
	redis.call('HSET', KEYS[1],
		'data', ARGV[3],
		'status', ARGV[2],
		'attempts', ARGV[4],
		'expires_at', ARGV[5],
		'updated_at', ARGV[6])
	redis.call('HINCRBY', KEYS[1], 'version', 1)
	if ARGV[7] == '1' then
		redis.call('ZREM', KEYS[2], ARGV[8])
		redis.call('ZREM', KEYS[3], ARGV[8])
	elseif tonumber(ARGV[5]) > 0 then
		redis.call('ZADD', KEYS[2], ARGV[5], ARGV[8])
	end
	return 1
`)

// CreateTask persists a new task. Returns a ConflictError when the id is
// already taken.
func (s *Store) CreateTask(ctx context.Context, t *verify.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return &verify.ValidationError{Field: "task", Reason: err.Error()}
	}
	var expires int64
	if t.ExpiresAt != nil {
		expires = t.ExpiresAt.Unix()
	}
	res, err := createScript.Run(ctx, s.rdb, []string{taskKey(t.ID)},
		data, string(t.Status), t.Requirements.Threshold, expires,
		t.UpdatedAt.Unix(),
	).Int()
	if err != nil {
		return &verify.TransientInfraError{Op: "store.CreateTask", Err: err}
	}
	if res == 0 {
		return &verify.ConflictError{Reason: "task " + t.ID + " already exists"}
	}
	if expires > 0 {
		if err := s.rdb.ZAdd(ctx, idxDeadline, redis.Z{
			Score:  float64(expires),
			Member: t.ID,
		}).Err(); err != nil {
			return &verify.TransientInfraError{Op: "store.CreateTask", Err: err}
		}
	}
	return nil
}

// GetTask loads a task. Live fields (status, counters, deadline, assigned
// workers) are overlaid from their authoritative hash fields and sets, since
// Lua transactions update those without rewriting the JSON document.
func (s *Store) GetTask(ctx context.Context, id string) (*verify.Task, error) {
	fields, err := s.rdb.HGetAll(ctx, taskKey(id)).Result()
	if err != nil {
		return nil, &verify.TransientInfraError{Op: "store.GetTask", Err: err}
	}
	if len(fields) == 0 {
		return nil, &verify.NotFoundError{Entity: "task", ID: id}
	}

	var t verify.Task
	if err := json.Unmarshal([]byte(fields["data"]), &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	t.Status = verify.Status(fields["status"])
	fmt.Sscanf(fields["completed"], "%d", &t.CompletedVerifications)
	fmt.Sscanf(fields["attempts"], "%d", &t.DistributionAttempts)
	var expires int64
	fmt.Sscanf(fields["expires_at"], "%d", &expires)
	if expires > 0 {
		at := time.Unix(expires, 0).UTC()
		t.ExpiresAt = &at
	}

	// The assignment set is authoritative; the JSON document may carry a
	// snapshot from before workers rejected.
	assigned, err := s.rdb.SMembers(ctx, taskAssignedKey(id)).Result()
	if err != nil {
		return nil, &verify.TransientInfraError{Op: "store.GetTask", Err: err}
	}
	t.AssignedWorkers = assigned
	return &t, nil
}

// UpdateTaskCAS writes the task conditionally on its status still being
// expectedStatus. On a lost race it returns a ConflictError and writes
// nothing; the caller re-reads and retries from fresh state.
func (s *Store) UpdateTaskCAS(ctx context.Context, t *verify.Task, expected verify.Status) error {
	t.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(t)
	if err != nil {
		return &verify.ValidationError{Field: "task", Reason: err.Error()}
	}
	var expires int64
	if t.ExpiresAt != nil {
		expires = t.ExpiresAt.Unix()
	}
	terminal := "0"
	if t.Status.Terminal() {
		terminal = "1"
	}
	res, err := casScript.Run(ctx, s.rdb,
		[]string{taskKey(t.ID), idxDeadline, timersKey},
		string(expected), string(t.Status), data,
		t.DistributionAttempts, expires, t.UpdatedAt.Unix(),
		terminal, t.ID,
	).Int()
	if err != nil {
		return &verify.TransientInfraError{Op: "store.UpdateTaskCAS", Err: err}
	}
	if res == 0 {
		return &verify.ConflictError{
			Reason: fmt.Sprintf("task %s is no longer %s", t.ID, expected),
		}
	}
	return nil
}

// UpsertWorker writes a worker profile and refreshes the availability and
// load indexes. The profile is owned by the directory service; the engine
// only touches ActiveTasks afterwards, via AdjustWorkerLoad.
func (s *Store) UpsertWorker(ctx context.Context, w *verify.WorkerProfile) error {
	data, err := json.Marshal(w)
	if err != nil {
		return &verify.ValidationError{Field: "worker", Reason: err.Error()}
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, workerKey(w.WorkerID), "data", data, "active_tasks", w.ActiveTasks)
	if w.Availability == verify.AvailabilityAvailable {
		pipe.ZAdd(ctx, idxAvailable, redis.Z{Score: float64(w.Level), Member: w.WorkerID})
	} else {
		pipe.ZRem(ctx, idxAvailable, w.WorkerID)
	}
	pipe.ZAdd(ctx, idxLoad, redis.Z{Score: float64(w.ActiveTasks), Member: w.WorkerID})
	if _, err := pipe.Exec(ctx); err != nil {
		return &verify.TransientInfraError{Op: "store.UpsertWorker", Err: err}
	}
	return nil
}

// GetWorker loads a single worker profile with its live load counter.
func (s *Store) GetWorker(ctx context.Context, id string) (*verify.WorkerProfile, error) {
	fields, err := s.rdb.HGetAll(ctx, workerKey(id)).Result()
	if err != nil {
		return nil, &verify.TransientInfraError{Op: "store.GetWorker", Err: err}
	}
	if len(fields) == 0 {
		return nil, &verify.NotFoundError{Entity: "worker", ID: id}
	}
	var w verify.WorkerProfile
	if err := json.Unmarshal([]byte(fields["data"]), &w); err != nil {
		return nil, fmt.Errorf("decode worker %s: %w", id, err)
	}
	fmt.Sscanf(fields["active_tasks"], "%d", &w.ActiveTasks)
	if w.ActiveTasks < 0 {
		w.ActiveTasks = 0
	}
	return &w, nil
}

// ListAvailableWorkers returns every AVAILABLE worker with level >= minLevel,
// using the availability index (score = level).
func (s *Store) ListAvailableWorkers(ctx context.Context, minLevel int) ([]verify.WorkerProfile, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, idxAvailable, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", minLevel),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, &verify.TransientInfraError{Op: "store.ListAvailableWorkers", Err: err}
	}

	workers := make([]verify.WorkerProfile, 0, len(ids))
	for _, id := range ids {
		w, err := s.GetWorker(ctx, id)
		if err != nil {
			// Index can momentarily lead the profile write; skip the hole.
			var nf *verify.NotFoundError
			if errors.As(err, &nf) {
				continue
			}
			return nil, err
		}
		workers = append(workers, *w)
	}
	return workers, nil
}

// loadScript adjusts a worker's active-task counter atomically, flooring at
// zero, and mirrors the result into the load index.
var loadScript = redis.NewScript(`
	local n = redis.call('HINCRBY', KEYS[1], 'active_tasks', ARGV[1])
	if n < 0 then
		n = 0
		redis.call('HSET', KEYS[1], 'active_tasks', 0)
	end
	redis.call('ZADD', KEYS[2], n, ARGV[2])
	return n
`)

// AdjustWorkerLoad atomically adds delta to a worker's active-task counter.
func (s *Store) AdjustWorkerLoad(ctx context.Context, workerID string, delta int) error {
	err := loadScript.Run(ctx, s.rdb,
		[]string{workerKey(workerID), idxLoad}, delta, workerID).Err()
	if err != nil {
		return &verify.TransientInfraError{Op: "store.AdjustWorkerLoad", Err: err}
	}
	return nil
}

// AssignWorkers records the notified workers on the task and bumps each
// worker's load counter.
func (s *Store) AssignWorkers(ctx context.Context, taskID string, workerIDs []string) error {
	if len(workerIDs) == 0 {
		return nil
	}
	members := make([]interface{}, len(workerIDs))
	for i, id := range workerIDs {
		members[i] = id
	}
	if err := s.rdb.SAdd(ctx, taskAssignedKey(taskID), members...).Err(); err != nil {
		return &verify.TransientInfraError{Op: "store.AssignWorkers", Err: err}
	}
	for _, id := range workerIDs {
		if err := s.AdjustWorkerLoad(ctx, id, 1); err != nil {
			return err
		}
	}
	return nil
}

// AssignedWorkers returns the workers currently assigned to a task.
func (s *Store) AssignedWorkers(ctx context.Context, taskID string) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, taskAssignedKey(taskID)).Result()
	if err != nil {
		return nil, &verify.TransientInfraError{Op: "store.AssignedWorkers", Err: err}
	}
	return ids, nil
}

// ExpiredTasks returns up to limit task ids whose deadline is at or before
// now, from the deadline index. Terminal tasks are removed from the index by
// the CAS script, so everything returned is still live.
func (s *Store) ExpiredTasks(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, idxDeadline, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.Unix()),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, &verify.TransientInfraError{Op: "store.ExpiredTasks", Err: err}
	}
	return ids, nil
}

// IndexDepths returns the size of each index and timer structure, for the
// /stats endpoint and the metrics collector.
func (s *Store) IndexDepths(ctx context.Context) map[string]int64 {
	depths := make(map[string]int64)
	for _, idx := range []string{idxAvailable, idxLoad, idxDeadline, timersKey} {
		if n, err := s.rdb.ZCard(ctx, idx).Result(); err == nil {
			depths[idx] = n
		}
	}
	if n, err := s.rdb.LLen(ctx, timersDueKey).Result(); err == nil {
		depths[timersDueKey] = n
	}
	return depths
}
