package workflow

import (
	"github.com/guido-cesarano/verifyq/pkg/verify"
)

// transitionTable is the complete set of legal status transitions. Anything
// not listed here fails with a ConflictError and leaves the task unchanged.
// Terminal statuses have no outgoing edges.
var transitionTable = map[verify.Status][]verify.Status{
	verify.StatusCreated: {
		verify.StatusPendingAcceptance,
		verify.StatusVerificationPending,
		verify.StatusFailed,
		verify.StatusCancelled,
		verify.StatusExpired,
	},
	verify.StatusPendingAcceptance: {
		verify.StatusVerificationPending,
		verify.StatusInProgress,
		verify.StatusCancelled,
		verify.StatusExpired,
		verify.StatusFailed,
	},
	verify.StatusVerificationPending: {
		verify.StatusVerificationPending, // redistribution cycle
		verify.StatusInProgress,
		verify.StatusVerificationComplete,
		verify.StatusCancelled,
		verify.StatusExpired,
		verify.StatusFailed,
	},
	verify.StatusInProgress: {
		verify.StatusVerificationPending, // redistribution after all workers reject
		verify.StatusVerificationComplete,
		verify.StatusCancelled,
		verify.StatusExpired,
		verify.StatusFailed,
	},
	verify.StatusVerificationComplete: {
		verify.StatusCompleted,
		verify.StatusFailed,
	},
	verify.StatusCompleted: {},
	verify.StatusFailed:    {},
	verify.StatusCancelled: {},
	verify.StatusExpired:   {},
}

// CanTransition reports whether from -> to is present in the table.
func CanTransition(from, to verify.Status) bool {
	for _, next := range transitionTable[from] {
		if next == to {
			return true
		}
	}
	return false
}

// cancellable lists the statuses from which CancelTask is valid.
var cancellable = map[verify.Status]bool{
	verify.StatusCreated:             true,
	verify.StatusPendingAcceptance:   true,
	verify.StatusVerificationPending: true,
	verify.StatusInProgress:          true,
}

// timeoutPhase maps the status a task expired in to the timeout sub-reason.
func timeoutPhase(s verify.Status) string {
	switch s {
	case verify.StatusPendingAcceptance:
		return "ACCEPTANCE"
	case verify.StatusVerificationPending, verify.StatusInProgress:
		return "VERIFICATION"
	}
	return "SYSTEM"
}
