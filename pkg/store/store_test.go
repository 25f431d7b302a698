package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/guido-cesarano/verifyq/pkg/verify"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	st := New(s.Addr())
	t.Cleanup(func() { st.Close() })
	return s, st
}

func testTask(id string) *verify.Task {
	now := time.Now().UTC()
	expires := now.Add(30 * time.Minute)
	return &verify.Task{
		ID:     id,
		Status: verify.StatusCreated,
		Title:  "verify product listing",
		Requirements: verify.Requirements{
			Type:           "content",
			RequiredSkills: []string{"moderation"},
			MinLevel:       2,
			Urgency:        verify.UrgencyMedium,
			Threshold:      3,
			TimeoutMinutes: 30,
		},
		ExpiresAt: &expires,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreateAndGetTask(t *testing.T) {
	_, st := setupTestRedis(t)
	ctx := context.Background()

	task := testTask("t1")
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	got, err := st.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != verify.StatusCreated {
		t.Errorf("expected CREATED, got %s", got.Status)
	}
	if got.Requirements.Threshold != 3 {
		t.Errorf("expected threshold 3, got %d", got.Requirements.Threshold)
	}
	if got.ExpiresAt == nil {
		t.Error("expected expires_at to be set")
	}
}

func TestCreateTaskDuplicate(t *testing.T) {
	_, st := setupTestRedis(t)
	ctx := context.Background()

	if err := st.CreateTask(ctx, testTask("t1")); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	err := st.CreateTask(ctx, testTask("t1"))
	var ce *verify.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	_, st := setupTestRedis(t)

	_, err := st.GetTask(context.Background(), "missing")
	var nf *verify.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestUpdateTaskCAS(t *testing.T) {
	_, st := setupTestRedis(t)
	ctx := context.Background()

	task := testTask("t1")
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	task.Status = verify.StatusVerificationPending
	if err := st.UpdateTaskCAS(ctx, task, verify.StatusCreated); err != nil {
		t.Fatalf("UpdateTaskCAS: %v", err)
	}

	// A writer holding the stale status must lose.
	stale := testTask("t1")
	stale.Status = verify.StatusFailed
	err := st.UpdateTaskCAS(ctx, stale, verify.StatusCreated)
	var ce *verify.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError for stale CAS, got %v", err)
	}

	got, _ := st.GetTask(ctx, "t1")
	if got.Status != verify.StatusVerificationPending {
		t.Errorf("lost CAS must not change status, got %s", got.Status)
	}
}

func TestTerminalStatusLeavesDeadlineIndex(t *testing.T) {
	_, st := setupTestRedis(t)
	ctx := context.Background()

	task := testTask("t1")
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	ids, err := st.ExpiredTasks(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("ExpiredTasks: %v", err)
	}
	if len(ids) != 1 || ids[0] != "t1" {
		t.Fatalf("expected [t1] in deadline index, got %v", ids)
	}

	task.Status = verify.StatusCancelled
	if err := st.UpdateTaskCAS(ctx, task, verify.StatusCreated); err != nil {
		t.Fatalf("UpdateTaskCAS: %v", err)
	}

	ids, _ = st.ExpiredTasks(ctx, time.Now().Add(time.Hour), 10)
	if len(ids) != 0 {
		t.Errorf("terminal task should leave the deadline index, got %v", ids)
	}
}

func testWorker(id string, level int) *verify.WorkerProfile {
	return &verify.WorkerProfile{
		WorkerID:      id,
		Level:         level,
		Skills:        []string{"moderation", "images"},
		LanguageCodes: []string{"en"},
		Reputation:    0.9,
		SuccessRate:   0.8,
		Availability:  verify.AvailabilityAvailable,
	}
}

func TestUpsertAndListWorkers(t *testing.T) {
	_, st := setupTestRedis(t)
	ctx := context.Background()

	for _, w := range []*verify.WorkerProfile{
		testWorker("w1", 1),
		testWorker("w2", 3),
		testWorker("w3", 5),
	} {
		if err := st.UpsertWorker(ctx, w); err != nil {
			t.Fatalf("UpsertWorker(%s): %v", w.WorkerID, err)
		}
	}

	workers, err := st.ListAvailableWorkers(ctx, 3)
	if err != nil {
		t.Fatalf("ListAvailableWorkers: %v", err)
	}
	if len(workers) != 2 {
		t.Fatalf("expected 2 workers at level >= 3, got %d", len(workers))
	}

	// Going offline removes a worker from the availability index.
	offline := testWorker("w3", 5)
	offline.Availability = verify.AvailabilityOffline
	if err := st.UpsertWorker(ctx, offline); err != nil {
		t.Fatalf("UpsertWorker: %v", err)
	}
	workers, _ = st.ListAvailableWorkers(ctx, 3)
	if len(workers) != 1 || workers[0].WorkerID != "w2" {
		t.Errorf("expected only w2 available, got %v", workers)
	}
}

func TestAdjustWorkerLoadFloorsAtZero(t *testing.T) {
	_, st := setupTestRedis(t)
	ctx := context.Background()

	if err := st.UpsertWorker(ctx, testWorker("w1", 1)); err != nil {
		t.Fatalf("UpsertWorker: %v", err)
	}
	if err := st.AdjustWorkerLoad(ctx, "w1", -1); err != nil {
		t.Fatalf("AdjustWorkerLoad: %v", err)
	}
	w, err := st.GetWorker(ctx, "w1")
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	if w.ActiveTasks != 0 {
		t.Errorf("load must floor at 0, got %d", w.ActiveTasks)
	}
}

func TestAssignWorkersBumpsLoad(t *testing.T) {
	_, st := setupTestRedis(t)
	ctx := context.Background()

	if err := st.CreateTask(ctx, testTask("t1")); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := st.UpsertWorker(ctx, testWorker("w1", 1)); err != nil {
		t.Fatalf("UpsertWorker: %v", err)
	}

	if err := st.AssignWorkers(ctx, "t1", []string{"w1"}); err != nil {
		t.Fatalf("AssignWorkers: %v", err)
	}

	assigned, err := st.AssignedWorkers(ctx, "t1")
	if err != nil {
		t.Fatalf("AssignedWorkers: %v", err)
	}
	if len(assigned) != 1 || assigned[0] != "w1" {
		t.Errorf("expected [w1], got %v", assigned)
	}

	w, _ := st.GetWorker(ctx, "w1")
	if w.ActiveTasks != 1 {
		t.Errorf("expected active task count 1, got %d", w.ActiveTasks)
	}
}

func TestGetTaskAssignmentSetIsAuthoritative(t *testing.T) {
	_, st := setupTestRedis(t)
	ctx := context.Background()

	if err := st.CreateTask(ctx, testTask("t1")); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := st.UpsertWorker(ctx, testWorker("w1", 1)); err != nil {
		t.Fatalf("UpsertWorker: %v", err)
	}
	if err := st.AssignWorkers(ctx, "t1", []string{"w1"}); err != nil {
		t.Fatalf("AssignWorkers: %v", err)
	}

	// Bake the assignment snapshot into the JSON document via a CAS write.
	task, err := st.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if len(task.AssignedWorkers) != 1 {
		t.Fatalf("expected 1 assigned worker, got %v", task.AssignedWorkers)
	}
	if err := st.UpdateTaskCAS(ctx, task, task.Status); err != nil {
		t.Fatalf("UpdateTaskCAS: %v", err)
	}

	if _, err := st.RemoveAssignment(ctx, "t1", "w1"); err != nil {
		t.Fatalf("RemoveAssignment: %v", err)
	}

	// The stale snapshot in the document must not leak back out.
	got, err := st.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if len(got.AssignedWorkers) != 0 {
		t.Errorf("expected no assigned workers, got %v", got.AssignedWorkers)
	}
}

func TestTimers(t *testing.T) {
	_, st := setupTestRedis(t)
	ctx := context.Background()

	if err := st.ScheduleCheck(ctx, "t1", time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("ScheduleCheck: %v", err)
	}
	if err := st.ScheduleCheck(ctx, "t2", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("ScheduleCheck: %v", err)
	}

	n, err := st.MoveDueTimers(ctx, time.Now())
	if err != nil {
		t.Fatalf("MoveDueTimers: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 due timer, got %d", n)
	}

	id, err := st.PopDue(ctx, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("PopDue: %v", err)
	}
	if id != "t1" {
		t.Errorf("expected t1, got %q", id)
	}

	// Nothing else is due.
	id, err = st.PopDue(ctx, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("PopDue: %v", err)
	}
	if id != "" {
		t.Errorf("expected empty pop, got %q", id)
	}
}

func TestScheduleCheckOverwrites(t *testing.T) {
	_, st := setupTestRedis(t)
	ctx := context.Background()

	if err := st.ScheduleCheck(ctx, "t1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("ScheduleCheck: %v", err)
	}
	// Re-arming to an earlier time replaces the pending timer.
	if err := st.ScheduleCheck(ctx, "t1", time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("ScheduleCheck: %v", err)
	}

	n, err := st.MoveDueTimers(ctx, time.Now())
	if err != nil {
		t.Fatalf("MoveDueTimers: %v", err)
	}
	if n != 1 {
		t.Errorf("expected exactly 1 due timer after re-arm, got %d", n)
	}
}

func TestRateLimit(t *testing.T) {
	_, st := setupTestRedis(t)
	ctx := context.Background()

	allowed, err := st.Allow(ctx, "ratelimit:test", 1, 1)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if !allowed {
		t.Error("expected first call to be allowed")
	}

	allowed, err = st.Allow(ctx, "ratelimit:test", 1, 1)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if allowed {
		t.Error("expected second call to be denied")
	}
}
