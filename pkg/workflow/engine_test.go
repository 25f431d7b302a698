package workflow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/guido-cesarano/verifyq/pkg/config"
	"github.com/guido-cesarano/verifyq/pkg/distribute"
	"github.com/guido-cesarano/verifyq/pkg/events"
	"github.com/guido-cesarano/verifyq/pkg/match"
	"github.com/guido-cesarano/verifyq/pkg/notify"
	"github.com/guido-cesarano/verifyq/pkg/payment"
	"github.com/guido-cesarano/verifyq/pkg/store"
	"github.com/guido-cesarano/verifyq/pkg/verify"
)

type harness struct {
	engine   *Engine
	store    *store.Store
	gateway  *notify.MemoryGateway
	bus      *events.MemoryPublisher
	payments *payment.MemorySink
}

func newHarness(t *testing.T, maxAttempts int) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	st := store.New(mr.Addr())
	t.Cleanup(func() { st.Close() })

	gateway := notify.NewMemoryGateway()
	bus := events.NewMemoryPublisher()
	payments := payment.NewMemorySink()

	weights := config.MatchWeights{Reputation: 0.3, SuccessRate: 0.3, Skills: 0.2, Languages: 0.2}
	matcher := match.New(st, weights, 5)
	distributor := distribute.New(gateway, bus, 10)
	cfg := &config.Config{
		PollInterval:            50 * time.Millisecond,
		MaxDistributionAttempts: maxAttempts,
	}

	return &harness{
		engine:   New(st, matcher, distributor, bus, payments, cfg),
		store:    st,
		gateway:  gateway,
		bus:      bus,
		payments: payments,
	}
}

func (h *harness) seedWorkers(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("worker-%02d", i)
		ids[i] = id
		err := h.store.UpsertWorker(context.Background(), &verify.WorkerProfile{
			WorkerID:      id,
			Level:         3,
			Skills:        []string{"content_moderation"},
			LanguageCodes: []string{"en"},
			Reputation:    0.9,
			SuccessRate:   0.9,
			Availability:  verify.AvailabilityAvailable,
		})
		if err != nil {
			t.Fatalf("UpsertWorker: %v", err)
		}
	}
	return ids
}

func testInput(threshold int) CreateInput {
	return CreateInput{
		Title: "verify uploaded content",
		Requirements: verify.Requirements{
			Type:           "content_moderation",
			RequiredSkills: []string{"content_moderation"},
			MinLevel:       1,
			LanguageCodes:  []string{"en"},
			Urgency:        verify.UrgencyMedium,
			Threshold:      threshold,
			TimeoutMinutes: 30,
		},
	}
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	tests := []struct {
		name  string
		input CreateInput
	}{
		{"empty title", CreateInput{Requirements: verify.Requirements{Threshold: 1, TimeoutMinutes: 5}}},
		{"zero threshold", CreateInput{Title: "t", Requirements: verify.Requirements{TimeoutMinutes: 5}}},
		{"zero timeout", CreateInput{Title: "t", Requirements: verify.Requirements{Threshold: 1}}},
		{"bad urgency", CreateInput{Title: "t", Requirements: verify.Requirements{
			Threshold: 1, TimeoutMinutes: 5, Urgency: "urgent-ish"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.CreateAndInitializeTask(ctx, tt.input)
			var ve *verify.ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestCreateDefaultsUrgency(t *testing.T) {
	h := newHarness(t, 3)
	in := testInput(1)
	in.Requirements.Urgency = ""

	task, err := h.engine.CreateAndInitializeTask(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateAndInitializeTask: %v", err)
	}
	if task.Requirements.Urgency != verify.UrgencyMedium {
		t.Errorf("urgency = %s, want %s", task.Requirements.Urgency, verify.UrgencyMedium)
	}
	if task.Status != verify.StatusCreated {
		t.Errorf("status = %s, want %s", task.Status, verify.StatusCreated)
	}
	if task.ExpiresAt == nil {
		t.Error("expected an absolute deadline on the new task")
	}
}

func TestFullLifecycle(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	workers := h.seedWorkers(t, 3)

	task, err := h.engine.CreateAndInitializeTask(ctx, testInput(2))
	if err != nil {
		t.Fatalf("CreateAndInitializeTask: %v", err)
	}

	// First Advance runs the distribution step.
	if err := h.engine.Advance(ctx, task.ID); err != nil {
		t.Fatalf("Advance (distribute): %v", err)
	}

	got, err := h.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != verify.StatusVerificationPending {
		t.Fatalf("status = %s, want %s", got.Status, verify.StatusVerificationPending)
	}
	if got.DistributionAttempts != 1 {
		t.Errorf("attempts = %d, want 1", got.DistributionAttempts)
	}
	if len(got.AssignedWorkers) != 3 {
		t.Errorf("assigned %d workers, want 3", len(got.AssignedWorkers))
	}
	if len(h.gateway.Sent()) != 3 {
		t.Errorf("sent %d notifications, want 3", len(h.gateway.Sent()))
	}

	// Two approvals reach the threshold.
	for i, w := range workers[:2] {
		res, err := h.engine.SubmitVerification(ctx, &verify.Submission{
			TaskID:           task.ID,
			WorkerID:         w,
			Verdict:          "approved",
			TimeSpentSeconds: 20,
		})
		if err != nil {
			t.Fatalf("SubmitVerification %d: %v", i, err)
		}
		if want := i == 1; res.ThresholdReached != want {
			t.Errorf("submission %d: threshold_reached = %v, want %v", i, res.ThresholdReached, want)
		}
	}

	// Second Advance consolidates and completes.
	if err := h.engine.Advance(ctx, task.ID); err != nil {
		t.Fatalf("Advance (complete): %v", err)
	}

	got, err = h.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != verify.StatusCompleted {
		t.Fatalf("status = %s, want %s", got.Status, verify.StatusCompleted)
	}
	if got.Consensus == nil {
		t.Fatal("completed task must carry a consensus result")
	}
	if got.Consensus.Verdict != "approved" || got.Consensus.ConfidenceScore != 1.0 {
		t.Errorf("consensus = %s (%f), want approved (1.0)",
			got.Consensus.Verdict, got.Consensus.ConfidenceScore)
	}

	if n := len(h.bus.ByType(events.TypeTaskCompleted)); n != 1 {
		t.Errorf("expected 1 completed event, got %d", n)
	}
	triggers := h.payments.Triggers()
	if len(triggers) != 2 {
		t.Fatalf("expected one payment trigger per verifier, got %d", len(triggers))
	}
	for _, trig := range triggers {
		if trig.ConsensusVerdict != "approved" {
			t.Errorf("trigger for %s carries consensus %s, want approved", trig.VerifierID, trig.ConsensusVerdict)
		}
	}

	// Every worker's load slot is back, including the one that never
	// submitted.
	for _, id := range workers {
		w, err := h.store.GetWorker(ctx, id)
		if err != nil {
			t.Fatalf("GetWorker: %v", err)
		}
		if w.ActiveTasks != 0 {
			t.Errorf("worker %s still holds %d slots", id, w.ActiveTasks)
		}
	}

	// A terminal task ignores further Advance calls.
	if err := h.engine.Advance(ctx, task.ID); err != nil {
		t.Errorf("Advance on terminal task: %v", err)
	}
}

func TestNoEligibleWorkersFailsTask(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	task, err := h.engine.CreateAndInitializeTask(ctx, testInput(2))
	if err != nil {
		t.Fatalf("CreateAndInitializeTask: %v", err)
	}

	err = h.engine.Advance(ctx, task.ID)
	var ne *verify.NoEligibleWorkersError
	if !errors.As(err, &ne) {
		t.Fatalf("expected NoEligibleWorkersError, got %v", err)
	}
	if len(ne.Suggestions) == 0 {
		t.Error("expected relaxation suggestions on the error")
	}

	got, err := h.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != verify.StatusFailed {
		t.Errorf("status = %s, want %s", got.Status, verify.StatusFailed)
	}
	if got.StatusReason != "no eligible workers" {
		t.Errorf("reason = %q", got.StatusReason)
	}
	if len(h.gateway.Sent()) != 0 {
		t.Errorf("no notifications must be sent, got %d", len(h.gateway.Sent()))
	}
	if n := len(h.bus.ByType(events.TypeNoEligibleWorkers)); n != 1 {
		t.Errorf("expected 1 no-eligible-workers event, got %d", n)
	}
}

func TestCancelTask(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	h.seedWorkers(t, 2)

	task, err := h.engine.CreateAndInitializeTask(ctx, testInput(2))
	if err != nil {
		t.Fatalf("CreateAndInitializeTask: %v", err)
	}
	if err := h.engine.Advance(ctx, task.ID); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	if err := h.engine.CancelTask(ctx, task.ID, "requester withdrew"); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}

	got, err := h.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != verify.StatusCancelled {
		t.Errorf("status = %s, want %s", got.Status, verify.StatusCancelled)
	}
	if got.StatusReason != "requester withdrew" {
		t.Errorf("reason = %q", got.StatusReason)
	}
	if n := len(h.bus.ByType(events.TypeTaskCancelled)); n != 1 {
		t.Errorf("expected 1 cancelled event, got %d", n)
	}

	// Held worker slots must be back in the pool.
	for _, id := range got.AssignedWorkers {
		w, err := h.store.GetWorker(ctx, id)
		if err != nil {
			t.Fatalf("GetWorker: %v", err)
		}
		if w.ActiveTasks != 0 {
			t.Errorf("worker %s still holds %d slots", id, w.ActiveTasks)
		}
	}

	// Cancelling again conflicts: CANCELLED is terminal like any other.
	err = h.engine.CancelTask(ctx, task.ID, "again")
	var ce *verify.ConflictError
	if !errors.As(err, &ce) {
		t.Errorf("expected ConflictError on double cancel, got %v", err)
	}
}

func TestCancelCompletedTaskConflicts(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	workers := h.seedWorkers(t, 2)

	task, err := h.engine.CreateAndInitializeTask(ctx, testInput(1))
	if err != nil {
		t.Fatalf("CreateAndInitializeTask: %v", err)
	}
	if err := h.engine.Advance(ctx, task.ID); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if _, err := h.engine.SubmitVerification(ctx, &verify.Submission{
		TaskID: task.ID, WorkerID: workers[0], Verdict: "approved",
	}); err != nil {
		t.Fatalf("SubmitVerification: %v", err)
	}
	if err := h.engine.Advance(ctx, task.ID); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	err = h.engine.CancelTask(ctx, task.ID, "too late")
	var ce *verify.ConflictError
	if !errors.As(err, &ce) {
		t.Errorf("expected ConflictError cancelling a completed task, got %v", err)
	}
}

func TestTimeout(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	workers := h.seedWorkers(t, 2)

	task, err := h.engine.CreateAndInitializeTask(ctx, testInput(2))
	if err != nil {
		t.Fatalf("CreateAndInitializeTask: %v", err)
	}
	if err := h.engine.Advance(ctx, task.ID); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	// Pull the deadline into the past.
	got, _ := h.store.GetTask(ctx, task.ID)
	past := time.Now().Add(-time.Minute)
	got.ExpiresAt = &past
	if err := h.store.UpdateTaskCAS(ctx, got, got.Status); err != nil {
		t.Fatalf("UpdateTaskCAS: %v", err)
	}

	snap, err := h.engine.CheckTaskStatus(ctx, task.ID)
	if err != nil {
		t.Fatalf("CheckTaskStatus: %v", err)
	}
	if snap.Status != verify.StatusExpired {
		t.Fatalf("status = %s, want %s", snap.Status, verify.StatusExpired)
	}

	stored, err := h.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if stored.Status != verify.StatusExpired {
		t.Errorf("stored status = %s, want %s", stored.Status, verify.StatusExpired)
	}
	if stored.StatusReason != "timed out during VERIFICATION" {
		t.Errorf("reason = %q", stored.StatusReason)
	}
	if n := len(h.bus.ByType(events.TypeTaskExpired)); n != 1 {
		t.Errorf("expected 1 expired event, got %d", n)
	}

	// Worker slots released.
	for _, id := range workers {
		w, err := h.store.GetWorker(ctx, id)
		if err != nil {
			t.Fatalf("GetWorker: %v", err)
		}
		if w.ActiveTasks != 0 {
			t.Errorf("worker %s still holds %d slots", id, w.ActiveTasks)
		}
	}

	// Late submissions are rejected.
	_, err = h.engine.SubmitVerification(ctx, &verify.Submission{
		TaskID: task.ID, WorkerID: workers[0], Verdict: "approved",
	})
	if err == nil {
		t.Error("expected an error submitting to an expired task")
	}
}

func TestRejectAllTriggersRedistribution(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	workers := h.seedWorkers(t, 2)

	task, err := h.engine.CreateAndInitializeTask(ctx, testInput(1))
	if err != nil {
		t.Fatalf("CreateAndInitializeTask: %v", err)
	}
	if err := h.engine.Advance(ctx, task.ID); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	for _, w := range workers {
		if err := h.engine.RejectAssignment(ctx, task.ID, w); err != nil {
			t.Fatalf("RejectAssignment %s: %v", w, err)
		}
	}

	got, err := h.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if !got.NeedsRedistribution {
		t.Fatal("task should be flagged for redistribution after the last rejection")
	}
	if n := len(h.bus.ByType(events.TypeTaskAssignmentRejected)); n != 2 {
		t.Errorf("expected 2 rejection events, got %d", n)
	}

	// The next check runs another distribution cycle.
	if _, err := h.engine.CheckTaskStatus(ctx, task.ID); err != nil {
		t.Fatalf("CheckTaskStatus: %v", err)
	}
	got, err = h.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.DistributionAttempts != 2 {
		t.Errorf("attempts = %d, want 2", got.DistributionAttempts)
	}
	if got.NeedsRedistribution {
		t.Error("redistribution flag should clear after the new attempt")
	}
	if len(got.AssignedWorkers) != 2 {
		t.Errorf("expected 2 reassigned workers, got %d", len(got.AssignedWorkers))
	}
}

func TestRedistributionAfterAcceptance(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	workers := h.seedWorkers(t, 2)

	task, err := h.engine.CreateAndInitializeTask(ctx, testInput(1))
	if err != nil {
		t.Fatalf("CreateAndInitializeTask: %v", err)
	}
	if err := h.engine.Advance(ctx, task.ID); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	// One worker accepts, moving the task to IN_PROGRESS, then everyone
	// backs out.
	if err := h.engine.AcceptAssignment(ctx, task.ID, workers[0]); err != nil {
		t.Fatalf("AcceptAssignment: %v", err)
	}
	for _, w := range workers {
		if err := h.engine.RejectAssignment(ctx, task.ID, w); err != nil {
			t.Fatalf("RejectAssignment %s: %v", w, err)
		}
	}

	// The rejected worker is gone from the assignment set; re-accepting
	// must conflict, not resurrect the stale snapshot.
	err = h.engine.AcceptAssignment(ctx, task.ID, workers[0])
	var ce *verify.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError accepting after rejection, got %v", err)
	}

	sentBefore := len(h.gateway.Sent())
	if _, err := h.engine.CheckTaskStatus(ctx, task.ID); err != nil {
		t.Fatalf("CheckTaskStatus: %v", err)
	}

	got, err := h.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != verify.StatusVerificationPending {
		t.Fatalf("status = %s, want %s", got.Status, verify.StatusVerificationPending)
	}
	if got.DistributionAttempts != 2 {
		t.Errorf("attempts = %d, want 2", got.DistributionAttempts)
	}
	if got.NeedsRedistribution {
		t.Error("redistribution flag should clear after the new attempt")
	}
	if len(got.AssignedWorkers) != 2 {
		t.Errorf("expected 2 reassigned workers, got %d", len(got.AssignedWorkers))
	}
	if sent := len(h.gateway.Sent()) - sentBefore; sent != 2 {
		t.Errorf("redistribution sent %d notifications, want 2", sent)
	}

	// No redistribution pending anymore: another check must not notify or
	// assign anybody again.
	sentBefore = len(h.gateway.Sent())
	if _, err := h.engine.CheckTaskStatus(ctx, task.ID); err != nil {
		t.Fatalf("CheckTaskStatus: %v", err)
	}
	got, err = h.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.DistributionAttempts != 2 {
		t.Errorf("attempts moved to %d on an idle check", got.DistributionAttempts)
	}
	if sent := len(h.gateway.Sent()) - sentBefore; sent != 0 {
		t.Errorf("idle check sent %d notifications, want 0", sent)
	}
}

func TestTimeoutOnCreatedTask(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	// No workers and no distribution: the task sits in CREATED. The sweeper
	// must still be able to expire it once the deadline passes.
	task, err := h.engine.CreateAndInitializeTask(ctx, testInput(1))
	if err != nil {
		t.Fatalf("CreateAndInitializeTask: %v", err)
	}

	status, err := h.engine.HandleTimeout(ctx, task.ID)
	if err != nil {
		t.Fatalf("HandleTimeout: %v", err)
	}
	if status != verify.StatusExpired {
		t.Fatalf("status = %s, want %s", status, verify.StatusExpired)
	}

	got, err := h.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != verify.StatusExpired {
		t.Errorf("stored status = %s, want %s", got.Status, verify.StatusExpired)
	}
	if got.StatusReason != "timed out during SYSTEM" {
		t.Errorf("reason = %q", got.StatusReason)
	}
}

func TestRedistributionAttemptsExhausted(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	workers := h.seedWorkers(t, 2)

	task, err := h.engine.CreateAndInitializeTask(ctx, testInput(1))
	if err != nil {
		t.Fatalf("CreateAndInitializeTask: %v", err)
	}
	if err := h.engine.Advance(ctx, task.ID); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	for _, w := range workers {
		if err := h.engine.RejectAssignment(ctx, task.ID, w); err != nil {
			t.Fatalf("RejectAssignment: %v", err)
		}
	}

	snap, err := h.engine.CheckTaskStatus(ctx, task.ID)
	if err != nil {
		t.Fatalf("CheckTaskStatus: %v", err)
	}
	if snap.Status != verify.StatusFailed {
		t.Fatalf("status = %s, want %s", snap.Status, verify.StatusFailed)
	}
	if snap.StatusReason != "distribution failure: retry limit reached" {
		t.Errorf("reason = %q", snap.StatusReason)
	}
}

func TestAcceptAssignment(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	workers := h.seedWorkers(t, 2)

	task, err := h.engine.CreateAndInitializeTask(ctx, testInput(2))
	if err != nil {
		t.Fatalf("CreateAndInitializeTask: %v", err)
	}
	if err := h.engine.Advance(ctx, task.ID); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	if err := h.engine.AcceptAssignment(ctx, task.ID, workers[0]); err != nil {
		t.Fatalf("AcceptAssignment: %v", err)
	}
	got, err := h.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != verify.StatusInProgress {
		t.Errorf("status = %s, want %s", got.Status, verify.StatusInProgress)
	}
	if n := len(h.bus.ByType(events.TypeTaskAssignmentAccepted)); n != 1 {
		t.Errorf("expected 1 accepted event, got %d", n)
	}

	err = h.engine.AcceptAssignment(ctx, task.ID, "somebody-else")
	var ce *verify.ConflictError
	if !errors.As(err, &ce) {
		t.Errorf("expected ConflictError for an unassigned worker, got %v", err)
	}
}

type failingGateway struct{}

func (failingGateway) NotifyBatch(context.Context, []notify.Message) error {
	return fmt.Errorf("broker unreachable")
}
func (failingGateway) Close() error { return nil }

func TestRecoveryHookKeepsTaskAlive(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	h.seedWorkers(t, 2)

	// Swap in a gateway that drops every batch, forcing a transient failure
	// out of the distribution step.
	h.engine.distributor = distribute.New(failingGateway{}, h.bus, 10)

	recovered := false
	h.engine.Hooks().Register("TransientInfraError", func(_ context.Context, task *verify.Task, cause error) bool {
		recovered = true
		if task.LastError == nil || task.LastError.Kind != "TransientInfraError" {
			t.Errorf("hook should see the recorded step error, got %+v", task.LastError)
		}
		return true
	})

	task, err := h.engine.CreateAndInitializeTask(ctx, testInput(1))
	if err != nil {
		t.Fatalf("CreateAndInitializeTask: %v", err)
	}
	if err := h.engine.Advance(ctx, task.ID); err != nil {
		t.Fatalf("Advance should succeed once the hook recovers: %v", err)
	}
	if !recovered {
		t.Fatal("recovery hook was never invoked")
	}

	got, err := h.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status.Terminal() {
		t.Errorf("recovered task must not be terminal, got %s", got.Status)
	}
}

func TestStepFailureWithoutHookFailsTask(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	h.seedWorkers(t, 2)
	h.engine.distributor = distribute.New(failingGateway{}, h.bus, 10)

	task, err := h.engine.CreateAndInitializeTask(ctx, testInput(1))
	if err != nil {
		t.Fatalf("CreateAndInitializeTask: %v", err)
	}

	err = h.engine.Advance(ctx, task.ID)
	var ie *verify.TransientInfraError
	if !errors.As(err, &ie) {
		t.Fatalf("expected TransientInfraError, got %v", err)
	}

	got, err := h.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != verify.StatusFailed {
		t.Errorf("status = %s, want %s", got.Status, verify.StatusFailed)
	}
}
