package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/guido-cesarano/verifyq/pkg/verify"
)

// RecoveryHook attempts to recover a task from a step failure of one error
// kind. Returning true means the task keeps running; false means the engine
// proceeds to mark it FAILED.
type RecoveryHook func(ctx context.Context, task *verify.Task, cause error) bool

// HookRegistry maps error kinds (verify.Kind names) to recovery hooks. The
// engine's contract is "attempt hook, else fail" regardless of how many
// hooks are registered.
type HookRegistry struct {
	mu    sync.RWMutex
	hooks map[string]RecoveryHook
}

// NewHookRegistry returns an empty registry.
func NewHookRegistry() *HookRegistry {
	return &HookRegistry{hooks: make(map[string]RecoveryHook)}
}

// Register installs the hook for an error kind, replacing any previous one.
func (r *HookRegistry) Register(kind string, hook RecoveryHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[kind] = hook
}

// attempt runs the hook for the error kind, if any.
func (r *HookRegistry) attempt(ctx context.Context, task *verify.Task, cause error) bool {
	r.mu.RLock()
	hook, ok := r.hooks[verify.Kind(cause)]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return hook(ctx, task, cause)
}

// handleStepError is the unhandled-error path for workflow steps: record the
// failure on the task, attempt a registered recovery hook, and mark the task
// FAILED when nothing recovers it. Conflict errors skip the path entirely;
// they mean a concurrent writer won and the caller should re-read.
func (e *Engine) handleStepError(ctx context.Context, task *verify.Task, cause error) error {
	kind := verify.Kind(cause)
	if kind == "ConflictError" {
		return cause
	}

	task.LastError = &verify.StepError{
		Kind:       kind,
		Message:    cause.Error(),
		FromStatus: task.Status,
		OccurredAt: time.Now().UTC(),
	}

	if e.hooks.attempt(ctx, task, cause) {
		e.log.Info().Str("task_id", task.ID).
			Str("kind", kind).
			Msg("Recovery hook resolved step failure")
		return nil
	}

	e.failTask(ctx, task, cause.Error())
	return cause
}
