package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/guido-cesarano/verifyq/pkg/verify"
)

// SubmitResult is what the submission transaction reports back: the counter
// after the insert and whether the verification threshold was crossed by
// this submission.
type SubmitResult struct {
	Completed        int
	ThresholdReached bool
}

// submitScript is the atomic submission transaction. One Lua invocation
// covers all three records so no interleaving of concurrent submitters can
// double-count or skip:
//
//  1. duplicate check on the (task, worker) uniqueness key
//  2. assignment + task-state + deadline gates
//  3. submission insert + completed-counter increment
//  4. status flip to VERIFICATION_COMPLETE when the threshold is crossed
//  5. worker active-task decrement mirrored into the load index
var submitScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 1 then
		return {'DUPLICATE'}
	end
	if redis.call('SISMEMBER', KEYS[3], ARGV[1]) == 0 then
		return {'NOT_ASSIGNED'}
	end
	local status = redis.call('HGET', KEYS[2], 'status')
	if not status then
		return {'NOT_FOUND'}
	end
	if status == 'COMPLETED' or status == 'FAILED'
		or status == 'CANCELLED' or status == 'EXPIRED' then
		return {'TERMINAL', status}
	end
	local expires = tonumber(redis.call('HGET', KEYS[2], 'expires_at'))
	if expires and expires > 0 and tonumber(ARGV[3]) > expires then
		return {'EXPIRED'}
	end

	redis.call('SET', KEYS[1], ARGV[2])
	redis.call('SADD', KEYS[4], ARGV[1])
	local completed = redis.call('HINCRBY', KEYS[2], 'completed', 1)
	redis.call('HSET', KEYS[2], 'updated_at', ARGV[3])
	local threshold = tonumber(redis.call('HGET', KEYS[2], 'threshold'))
	local reached = 0
	if threshold and completed >= threshold then
		redis.call('HSET', KEYS[2], 'status', 'VERIFICATION_COMPLETE')
		reached = 1
	end

	local load = redis.call('HINCRBY', KEYS[5], 'active_tasks', -1)
	if load < 0 then
		load = 0
		redis.call('HSET', KEYS[5], 'active_tasks', 0)
	end
	redis.call('ZADD', KEYS[6], load, ARGV[1])

	return {'OK', completed, reached}
`)

// InsertSubmission records a verification submission. The insert, the task
// counter/status update and the worker load decrement happen in one atomic
// unit. A second submission for the same (task, worker) pair fails with a
// ConflictError; a submission after the deadline fails with a TimeoutError.
func (s *Store) InsertSubmission(ctx context.Context, sub *verify.Submission) (*SubmitResult, error) {
	data, err := json.Marshal(sub)
	if err != nil {
		return nil, &verify.ValidationError{Field: "submission", Reason: err.Error()}
	}

	raw, err := submitScript.Run(ctx, s.rdb, []string{
		subKey(sub.TaskID, sub.WorkerID),
		taskKey(sub.TaskID),
		taskAssignedKey(sub.TaskID),
		taskSubsKey(sub.TaskID),
		workerKey(sub.WorkerID),
		idxLoad,
	}, sub.WorkerID, data, sub.SubmittedAt.Unix()).Slice()
	if err != nil {
		return nil, &verify.TransientInfraError{Op: "store.InsertSubmission", Err: err}
	}

	code, _ := raw[0].(string)
	switch code {
	case "OK":
		res := &SubmitResult{}
		if n, ok := raw[1].(int64); ok {
			res.Completed = int(n)
		}
		if n, ok := raw[2].(int64); ok {
			res.ThresholdReached = n == 1
		}
		return res, nil
	case "DUPLICATE":
		return nil, &verify.ConflictError{
			Reason: fmt.Sprintf("worker %s already submitted for task %s", sub.WorkerID, sub.TaskID),
		}
	case "NOT_ASSIGNED":
		return nil, &verify.ConflictError{
			Reason: fmt.Sprintf("worker %s is not assigned to task %s", sub.WorkerID, sub.TaskID),
		}
	case "NOT_FOUND":
		return nil, &verify.NotFoundError{Entity: "task", ID: sub.TaskID}
	case "TERMINAL":
		status := ""
		if len(raw) > 1 {
			status, _ = raw[1].(string)
		}
		return nil, &verify.ConflictError{
			Reason: fmt.Sprintf("task %s is %s and no longer accepts submissions", sub.TaskID, status),
		}
	case "EXPIRED":
		return nil, &verify.TimeoutError{TaskID: sub.TaskID, Phase: "VERIFICATION"}
	}
	return nil, fmt.Errorf("unexpected submission result %q", code)
}

// GetSubmissions loads every recorded submission for a task, ordered by
// worker id for determinism.
func (s *Store) GetSubmissions(ctx context.Context, taskID string) ([]verify.Submission, error) {
	ids, err := s.rdb.SMembers(ctx, taskSubsKey(taskID)).Result()
	if err != nil {
		return nil, &verify.TransientInfraError{Op: "store.GetSubmissions", Err: err}
	}
	sort.Strings(ids)

	subs := make([]verify.Submission, 0, len(ids))
	for _, workerID := range ids {
		raw, err := s.rdb.Get(ctx, subKey(taskID, workerID)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, &verify.TransientInfraError{Op: "store.GetSubmissions", Err: err}
		}
		var sub verify.Submission
		if err := json.Unmarshal([]byte(raw), &sub); err != nil {
			return nil, fmt.Errorf("decode submission %s/%s: %w", taskID, workerID, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// RemoveAssignment drops one worker from a task's assignment set and returns
// that worker's load slot. Returns how many workers remain assigned. Used
// when a worker rejects an assignment.
func (s *Store) RemoveAssignment(ctx context.Context, taskID, workerID string) (remaining int64, err error) {
	removed, err := s.rdb.SRem(ctx, taskAssignedKey(taskID), workerID).Result()
	if err != nil {
		return 0, &verify.TransientInfraError{Op: "store.RemoveAssignment", Err: err}
	}
	if removed == 0 {
		return 0, &verify.ConflictError{
			Reason: fmt.Sprintf("worker %s is not assigned to task %s", workerID, taskID),
		}
	}
	if err := s.AdjustWorkerLoad(ctx, workerID, -1); err != nil {
		return 0, err
	}
	remaining, err = s.rdb.SCard(ctx, taskAssignedKey(taskID)).Result()
	if err != nil {
		return 0, &verify.TransientInfraError{Op: "store.RemoveAssignment", Err: err}
	}
	return remaining, nil
}

// ReleaseAssignments decrements the load counter of every assigned worker
// that has not submitted yet. Called on timeout and cancellation so held
// slots are returned to the pool.
func (s *Store) ReleaseAssignments(ctx context.Context, taskID string) ([]string, error) {
	assigned, err := s.rdb.SMembers(ctx, taskAssignedKey(taskID)).Result()
	if err != nil {
		return nil, &verify.TransientInfraError{Op: "store.ReleaseAssignments", Err: err}
	}
	submitted, err := s.rdb.SMembers(ctx, taskSubsKey(taskID)).Result()
	if err != nil {
		return nil, &verify.TransientInfraError{Op: "store.ReleaseAssignments", Err: err}
	}
	done := make(map[string]bool, len(submitted))
	for _, id := range submitted {
		done[id] = true
	}

	var released []string
	for _, id := range assigned {
		if done[id] {
			continue
		}
		if err := s.AdjustWorkerLoad(ctx, id, -1); err != nil {
			return released, err
		}
		released = append(released, id)
	}
	return released, nil
}
