package verify

import (
	"errors"
	"fmt"
)

// Error taxonomy for the engine. Every error returned across a package
// boundary is one of these kinds so callers (and the HTTP layer) can react
// without string matching:
//
//   - ValidationError: malformed input, surfaced immediately, never retried
//   - NotFoundError: task/worker missing
//   - ConflictError: invalid transition, duplicate submission, or a lost
//     optimistic-concurrency race; the caller may re-read and retry
//   - NoEligibleWorkersError: business terminal
//   - TimeoutError: expiration, business terminal
//   - TransientInfraError: store/queue unavailable, retried with backoff

// ValidationError reports malformed input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NotFoundError reports a missing task or worker.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// ConflictError reports an invalid state transition, a duplicate submission,
// or a concurrent update that won the race first. State is unchanged; the
// caller should re-read and decide.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return "conflict: " + e.Reason
}

// NoEligibleWorkersError is returned when matching produces no candidates.
// It carries suggestions for relaxing the task's requirements.
type NoEligibleWorkersError struct {
	TaskID      string
	Suggestions []string
}

func (e *NoEligibleWorkersError) Error() string {
	return fmt.Sprintf("no eligible workers for task %s", e.TaskID)
}

// TimeoutError reports that a task expired before reaching consensus.
type TimeoutError struct {
	TaskID string
	Phase  string // ACCEPTANCE, VERIFICATION or SYSTEM
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s timed out during %s", e.TaskID, e.Phase)
}

// TransientInfraError wraps a store or queue failure that is worth retrying.
type TransientInfraError struct {
	Op  string
	Err error
}

func (e *TransientInfraError) Error() string {
	return fmt.Sprintf("transient infra failure in %s: %v", e.Op, e.Err)
}

func (e *TransientInfraError) Unwrap() error { return e.Err }

// Kind returns the taxonomy name for err, or "InternalError" when the error
// is not part of the taxonomy. Used as the recovery-hook registry key and in
// HTTP error bodies.
func Kind(err error) string {
	var (
		ve *ValidationError
		nf *NotFoundError
		ce *ConflictError
		ne *NoEligibleWorkersError
		te *TimeoutError
		ie *TransientInfraError
	)
	switch {
	case errors.As(err, &ve):
		return "ValidationError"
	case errors.As(err, &nf):
		return "NotFoundError"
	case errors.As(err, &ce):
		return "ConflictError"
	case errors.As(err, &ne):
		return "NoEligibleWorkersError"
	case errors.As(err, &te):
		return "TimeoutError"
	case errors.As(err, &ie):
		return "TransientInfraError"
	}
	return "InternalError"
}

// IsTransient reports whether err should be retried at the step boundary.
func IsTransient(err error) bool {
	var ie *TransientInfraError
	return errors.As(err, &ie)
}
