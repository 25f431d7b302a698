// Package workflow owns the task lifecycle: distribution attempts, durable
// wait/check cycles, timeout and cancellation, submission recording and the
// final consensus step.
//
// The engine is not a long-lived in-process loop. Each exported operation is
// an independently invokable step that reads current task state, computes
// the next state and writes it conditionally; "wait" is a durable timer that
// re-invokes Advance later. Any step can be re-entered after a process
// restart, and a stale step racing a concurrent writer loses cleanly with a
// ConflictError.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/guido-cesarano/verifyq/pkg/config"
	"github.com/guido-cesarano/verifyq/pkg/consensus"
	"github.com/guido-cesarano/verifyq/pkg/distribute"
	"github.com/guido-cesarano/verifyq/pkg/events"
	"github.com/guido-cesarano/verifyq/pkg/logger"
	"github.com/guido-cesarano/verifyq/pkg/match"
	"github.com/guido-cesarano/verifyq/pkg/payment"
	"github.com/guido-cesarano/verifyq/pkg/store"
	"github.com/guido-cesarano/verifyq/pkg/verify"
)

// Engine wires the matcher, distributor, store and downstream sinks into the
// task state machine.
type Engine struct {
	store       *store.Store
	matcher     *match.Matcher
	distributor *distribute.Distributor
	bus         events.Publisher
	payments    payment.Sink

	pollInterval time.Duration
	maxAttempts  int
	hooks        *HookRegistry
	log          zerolog.Logger
}

// New builds an engine from its collaborators.
func New(st *store.Store, m *match.Matcher, d *distribute.Distributor, bus events.Publisher, payments payment.Sink, cfg *config.Config) *Engine {
	return &Engine{
		store:        st,
		matcher:      m,
		distributor:  d,
		bus:          bus,
		payments:     payments,
		pollInterval: cfg.PollInterval,
		maxAttempts:  cfg.MaxDistributionAttempts,
		hooks:        NewHookRegistry(),
		log:          logger.With("workflow"),
	}
}

// Hooks exposes the per-error-type recovery registry.
func (e *Engine) Hooks() *HookRegistry { return e.hooks }

// CreateInput is the intake payload for a new verification task.
type CreateInput struct {
	Title        string              `json:"title"`
	Description  string              `json:"description,omitempty"`
	Requirements verify.Requirements `json:"verification_requirements"`
}

func (in *CreateInput) validate() error {
	if strings.TrimSpace(in.Title) == "" {
		return &verify.ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if in.Requirements.Threshold < 1 {
		return &verify.ValidationError{Field: "verification_threshold", Reason: "must be at least 1"}
	}
	if in.Requirements.TimeoutMinutes < 1 {
		return &verify.ValidationError{Field: "timeout_minutes", Reason: "must be at least 1"}
	}
	switch in.Requirements.Urgency {
	case verify.UrgencyLow, verify.UrgencyMedium, verify.UrgencyHigh, verify.UrgencyCritical:
	case "":
		in.Requirements.Urgency = verify.UrgencyMedium
	default:
		return &verify.ValidationError{Field: "urgency", Reason: "unknown value " + string(in.Requirements.Urgency)}
	}
	return nil
}

// CreateAndInitializeTask persists a new task in CREATED with its absolute
// deadline set, and arms an immediate timer so an engine process runs the
// first distribution step.
func (e *Engine) CreateAndInitializeTask(ctx context.Context, in CreateInput) (*verify.Task, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	expires := now.Add(time.Duration(in.Requirements.TimeoutMinutes) * time.Minute)
	task := &verify.Task{
		ID:           uuid.New().String(),
		Status:       verify.StatusCreated,
		Title:        in.Title,
		Description:  in.Description,
		Requirements: in.Requirements,
		ExpiresAt:    &expires,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := e.retryStep(ctx, "CreateTask", func() error {
		return e.store.CreateTask(ctx, task)
	})
	if err != nil {
		return nil, err
	}
	if err := e.store.ScheduleCheck(ctx, task.ID, now); err != nil {
		return nil, err
	}

	e.log.Info().Str("task_id", task.ID).
		Str("urgency", string(in.Requirements.Urgency)).
		Int("threshold", in.Requirements.Threshold).
		Msg("Task created")
	return task, nil
}

// FindEligibleWorkers runs the matcher for a task.
func (e *Engine) FindEligibleWorkers(ctx context.Context, taskID string) ([]verify.ScoredWorker, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return e.matcher.FindEligibleWorkers(ctx, task)
}

// DistributeTask runs one distribution cycle: match, pick a strategy,
// notify, record the assignment and arm the next status-check timer.
// Attempt counting happens here; when the bound is exhausted the task fails
// terminally.
func (e *Engine) DistributeTask(ctx context.Context, taskID string) (*verify.DistributionRecord, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return nil, &verify.ConflictError{Reason: fmt.Sprintf("task %s is already %s", taskID, task.Status)}
	}

	if task.DistributionAttempts >= e.maxAttempts {
		err := &verify.ConflictError{Reason: "distribution attempts exhausted"}
		e.failTask(ctx, task, "distribution failure: retry limit reached")
		return nil, err
	}

	// Guard the transition before any side effect: an illegal starting
	// status must not notify or assign anyone.
	if !CanTransition(task.Status, verify.StatusVerificationPending) {
		return nil, &verify.ConflictError{
			Reason: fmt.Sprintf("cannot distribute task in status %s", task.Status),
		}
	}

	var eligible []verify.ScoredWorker
	err = e.retryStep(ctx, "FindEligibleWorkers", func() error {
		var ferr error
		eligible, ferr = e.matcher.FindEligibleWorkers(ctx, task)
		return ferr
	})
	if err != nil {
		return nil, e.handleStepError(ctx, task, err)
	}

	if len(eligible) == 0 {
		nerr := e.distributor.HandleNoEligibleWorkers(ctx, task)
		var ne *verify.NoEligibleWorkersError
		if errors.As(nerr, &ne) {
			task.Suggestions = ne.Suggestions
		}
		e.failTask(ctx, task, "no eligible workers")
		return nil, nerr
	}

	var rec *verify.DistributionRecord
	err = e.retryStep(ctx, "Distribute", func() error {
		var derr error
		rec, derr = e.distributor.Distribute(ctx, task, eligible)
		return derr
	})
	if err != nil {
		return nil, e.handleStepError(ctx, task, err)
	}

	if err := e.store.AssignWorkers(ctx, taskID, rec.NotifiedWorkers); err != nil {
		return nil, e.handleStepError(ctx, task, err)
	}

	from := task.Status
	task.Status = verify.StatusVerificationPending
	task.EligibleWorkers = rec.EligibleWorkers
	task.DistributionAttempts++
	task.NeedsRedistribution = false
	task.StatusReason = ""
	if err := e.store.UpdateTaskCAS(ctx, task, from); err != nil {
		return nil, err
	}

	if err := e.store.ScheduleCheck(ctx, taskID, time.Now().Add(e.pollInterval)); err != nil {
		return rec, err
	}
	return rec, nil
}

// StatusSnapshot is what CheckTaskStatus reports back.
type StatusSnapshot struct {
	TaskID                 string        `json:"task_id"`
	Status                 verify.Status `json:"status"`
	CompletedVerifications int           `json:"completed_verifications"`
	Threshold              int           `json:"verification_threshold"`
	DistributionAttempts   int           `json:"distribution_attempts"`
	ExpiresAt              *time.Time    `json:"expires_at,omitempty"`
	StatusReason           string        `json:"status_reason,omitempty"`
}

func snapshot(t *verify.Task) *StatusSnapshot {
	return &StatusSnapshot{
		TaskID:                 t.ID,
		Status:                 t.Status,
		CompletedVerifications: t.CompletedVerifications,
		Threshold:              t.Requirements.Threshold,
		DistributionAttempts:   t.DistributionAttempts,
		ExpiresAt:              t.ExpiresAt,
		StatusReason:           t.StatusReason,
	}
}

// CheckTaskStatus is the periodic wait-point check, in priority order:
// consensus reached, deadline passed, redistribution requested. When none
// applies it just re-arms the timer for the next poll.
func (e *Engine) CheckTaskStatus(ctx context.Context, taskID string) (*StatusSnapshot, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return snapshot(task), nil
	}

	if task.Status == verify.StatusVerificationComplete ||
		task.CompletedVerifications >= task.Requirements.Threshold {
		if err := e.completeTask(ctx, task); err != nil {
			return nil, e.handleStepError(ctx, task, err)
		}
		return e.snapshotOf(ctx, taskID)
	}

	if task.ExpiresAt != nil && time.Now().After(*task.ExpiresAt) {
		status, err := e.HandleTimeout(ctx, taskID)
		if err != nil {
			return nil, err
		}
		s := snapshot(task)
		s.Status = status
		return s, nil
	}

	if task.NeedsRedistribution {
		if task.DistributionAttempts >= e.maxAttempts {
			e.failTask(ctx, task, "distribution failure: retry limit reached")
			return e.snapshotOf(ctx, taskID)
		}
		if _, err := e.DistributeTask(ctx, taskID); err != nil {
			var ce *verify.ConflictError
			if !errors.As(err, &ce) {
				return nil, err
			}
			// A concurrent writer won the cycle; poll again later rather
			// than leaving the task without a timer.
			if err := e.store.ScheduleCheck(ctx, taskID, time.Now().Add(e.pollInterval)); err != nil {
				return nil, err
			}
		}
		return e.snapshotOf(ctx, taskID)
	}

	// First submission moves the task from pending to in progress.
	if task.Status == verify.StatusVerificationPending && task.CompletedVerifications > 0 {
		from := task.Status
		task.Status = verify.StatusInProgress
		if err := e.store.UpdateTaskCAS(ctx, task, from); err != nil {
			var ce *verify.ConflictError
			if !errors.As(err, &ce) {
				return nil, err
			}
		}
	}

	if err := e.store.ScheduleCheck(ctx, taskID, time.Now().Add(e.pollInterval)); err != nil {
		return nil, err
	}
	return snapshot(task), nil
}

func (e *Engine) snapshotOf(ctx context.Context, taskID string) (*StatusSnapshot, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return snapshot(task), nil
}

// completeTask consolidates submissions into a consensus verdict, marks the
// task COMPLETED and fans out payment triggers. The consolidation is pure,
// so re-running the step after a crash lands on the same verdict.
func (e *Engine) completeTask(ctx context.Context, task *verify.Task) error {
	subs, err := e.store.GetSubmissions(ctx, task.ID)
	if err != nil {
		return err
	}

	result := consensus.Consolidate(task.ID, subs)

	from := task.Status
	if from != verify.StatusVerificationComplete {
		// The submission transaction flips the stored status the moment the
		// threshold is crossed; a stale read here still holds the old one.
		from = verify.StatusVerificationComplete
	}
	task.Status = verify.StatusCompleted
	task.Consensus = result
	task.StatusReason = ""
	if err := e.store.UpdateTaskCAS(ctx, task, from); err != nil {
		return err
	}

	// Workers that were notified but never submitted still hold a load slot.
	if _, err := e.store.ReleaseAssignments(ctx, task.ID); err != nil {
		e.log.Error().Err(err).Str("task_id", task.ID).Msg("Release after completion failed")
	}

	e.bus.Publish(ctx, events.Event{
		Type:   events.TypeTaskCompleted,
		TaskID: task.ID,
		Details: map[string]any{
			"verdict":                       result.Verdict,
			"confidence_score":              result.ConfidenceScore,
			"verifier_count":                result.VerifierCount,
			"average_response_time_seconds": result.AvgResponseSeconds,
		},
	})

	for _, trig := range payment.TriggersFor(result, subs) {
		if err := e.payments.Trigger(ctx, trig); err != nil {
			// Payment hand-off is retried by the downstream executor's own
			// topic semantics; log and keep the task COMPLETED.
			e.log.Error().Err(err).
				Str("task_id", task.ID).
				Str("verifier_id", trig.VerifierID).
				Msg("Payment trigger failed")
		}
	}

	e.log.Info().Str("task_id", task.ID).
		Str("verdict", result.Verdict).
		Float64("confidence", result.ConfidenceScore).
		Int("verifiers", result.VerifierCount).
		Msg("Task completed")
	return nil
}

// SubmitVerification records one worker's verification result. The store
// transaction enforces assignment, deadline, and the one-submission-per-
// worker rule atomically. Crossing the threshold arms an immediate check
// timer instead of consolidating inline, keeping the hot path write-only.
func (e *Engine) SubmitVerification(ctx context.Context, sub *verify.Submission) (*store.SubmitResult, error) {
	if sub.TaskID == "" {
		return nil, &verify.ValidationError{Field: "task_id", Reason: "must not be empty"}
	}
	if sub.WorkerID == "" {
		return nil, &verify.ValidationError{Field: "worker_id", Reason: "must not be empty"}
	}
	if strings.TrimSpace(sub.Verdict) == "" {
		return nil, &verify.ValidationError{Field: "verdict", Reason: "must not be empty"}
	}
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = time.Now().UTC()
	}

	res, err := e.store.InsertSubmission(ctx, sub)
	if err != nil {
		return nil, err
	}

	if res.ThresholdReached {
		if err := e.store.ScheduleCheck(ctx, sub.TaskID, time.Now()); err != nil {
			return res, err
		}
	}

	e.log.Info().Str("task_id", sub.TaskID).
		Str("worker_id", sub.WorkerID).
		Int("completed", res.Completed).
		Bool("threshold_reached", res.ThresholdReached).
		Msg("Verification submitted")
	return res, nil
}

// CancelTask transitions a task to CANCELLED. Valid only while the task is
// still pending or in progress; cancelling a terminal task (including an
// already-cancelled one) returns a ConflictError and changes nothing.
func (e *Engine) CancelTask(ctx context.Context, taskID, reason string) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !cancellable[task.Status] {
		return &verify.ConflictError{
			Reason: fmt.Sprintf("cannot cancel task in status %s", task.Status),
		}
	}

	from := task.Status
	task.Status = verify.StatusCancelled
	task.StatusReason = reason
	if err := e.store.UpdateTaskCAS(ctx, task, from); err != nil {
		return err
	}

	released, err := e.store.ReleaseAssignments(ctx, taskID)
	if err != nil {
		e.log.Error().Err(err).Str("task_id", taskID).Msg("Release after cancel failed")
	}

	e.bus.Publish(ctx, events.Event{
		Type:   events.TypeTaskCancelled,
		TaskID: taskID,
		Details: map[string]any{
			"reason":           reason,
			"released_workers": released,
		},
	})
	e.log.Info().Str("task_id", taskID).Str("reason", reason).Msg("Task cancelled")
	return nil
}

// HandleTimeout expires a task that passed its deadline without consensus,
// releasing every held worker slot. Competing transitions (a racing
// completion or cancellation) win or lose through the same CAS discipline;
// losing here is harmless.
func (e *Engine) HandleTimeout(ctx context.Context, taskID string) (verify.Status, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if task.Status.Terminal() {
		return task.Status, nil
	}

	phase := timeoutPhase(task.Status)
	from := task.Status
	task.Status = verify.StatusExpired
	task.StatusReason = fmt.Sprintf("timed out during %s", phase)
	if !CanTransition(from, task.Status) {
		return from, &verify.ConflictError{
			Reason: fmt.Sprintf("cannot expire task in status %s", from),
		}
	}
	if err := e.store.UpdateTaskCAS(ctx, task, from); err != nil {
		return from, err
	}

	released, err := e.store.ReleaseAssignments(ctx, taskID)
	if err != nil {
		e.log.Error().Err(err).Str("task_id", taskID).Msg("Release after timeout failed")
	}

	e.bus.Publish(ctx, events.Event{
		Type:   events.TypeTaskExpired,
		TaskID: taskID,
		Details: map[string]any{
			"phase":            phase,
			"released_workers": released,
		},
	})
	e.log.Info().Str("task_id", taskID).Str("phase", phase).Msg("Task expired")
	return verify.StatusExpired, nil
}

// AcceptAssignment records a worker's acceptance and moves a pending task to
// IN_PROGRESS on the first acceptance.
func (e *Engine) AcceptAssignment(ctx context.Context, taskID, workerID string) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return &verify.ConflictError{Reason: fmt.Sprintf("task %s is already %s", taskID, task.Status)}
	}
	assigned := false
	for _, id := range task.AssignedWorkers {
		if id == workerID {
			assigned = true
			break
		}
	}
	if !assigned {
		return &verify.ConflictError{
			Reason: fmt.Sprintf("worker %s is not assigned to task %s", workerID, taskID),
		}
	}

	if task.Status == verify.StatusVerificationPending || task.Status == verify.StatusPendingAcceptance {
		from := task.Status
		task.Status = verify.StatusInProgress
		if err := e.store.UpdateTaskCAS(ctx, task, from); err != nil {
			var ce *verify.ConflictError
			if !errors.As(err, &ce) {
				return err
			}
		}
	}

	e.bus.Publish(ctx, events.Event{
		Type:    events.TypeTaskAssignmentAccepted,
		TaskID:  taskID,
		Details: map[string]any{"worker_id": workerID},
	})
	return nil
}

// RejectAssignment removes a worker from the task's assignment set. When the
// last assigned worker rejects, the task is flagged for redistribution and
// an immediate status check is armed.
func (e *Engine) RejectAssignment(ctx context.Context, taskID, workerID string) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return &verify.ConflictError{Reason: fmt.Sprintf("task %s is already %s", taskID, task.Status)}
	}

	remaining, err := e.store.RemoveAssignment(ctx, taskID, workerID)
	if err != nil {
		return err
	}

	e.bus.Publish(ctx, events.Event{
		Type:    events.TypeTaskAssignmentRejected,
		TaskID:  taskID,
		Details: map[string]any{"worker_id": workerID, "remaining": remaining},
	})

	if remaining == 0 {
		from := task.Status
		task.NeedsRedistribution = true
		if err := e.store.UpdateTaskCAS(ctx, task, from); err != nil {
			return err
		}
		return e.store.ScheduleCheck(ctx, taskID, time.Now())
	}
	return nil
}

// Advance is the timer-driven entry point: it inspects the task's current
// status and runs whichever step is due. Safe to call repeatedly and from
// multiple concurrent engine processes; stale invocations fail on CAS.
func (e *Engine) Advance(ctx context.Context, taskID string) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}

	switch task.Status {
	case verify.StatusCreated:
		_, err = e.DistributeTask(ctx, taskID)
	default:
		_, err = e.CheckTaskStatus(ctx, taskID)
	}
	return err
}

// failTask transitions a task to FAILED with a recorded reason. Used for
// business-terminal failures; CAS conflicts here mean another writer already
// decided the task's fate, which is fine.
func (e *Engine) failTask(ctx context.Context, task *verify.Task, reason string) {
	from := task.Status
	if !CanTransition(from, verify.StatusFailed) {
		return
	}
	task.Status = verify.StatusFailed
	task.StatusReason = reason
	if err := e.store.UpdateTaskCAS(ctx, task, from); err != nil {
		var ce *verify.ConflictError
		if errors.As(err, &ce) {
			return
		}
		e.log.Error().Err(err).Str("task_id", task.ID).Msg("Failed-transition write error")
		return
	}
	e.bus.Publish(ctx, events.Event{
		Type:    events.TypeTaskError,
		TaskID:  task.ID,
		Details: map[string]any{"reason": reason},
	})
	e.log.Warn().Str("task_id", task.ID).Str("reason", reason).Msg("Task failed")
}
