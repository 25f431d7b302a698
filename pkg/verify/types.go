// Package verify defines the core data structures of the verification task
// engine: tasks, worker profiles, submissions and consensus results.
// Tasks move through a bounded lifecycle from creation to consensus; the
// workflow packages mutate them exclusively through the transactional store.
package verify

import (
	"time"
)

// Status is the lifecycle state of a task. Transitions between statuses are
// only valid when present in the workflow transition table; everything else
// is rejected with a ConflictError.
type Status string

const (
	StatusCreated              Status = "CREATED"
	StatusPendingAcceptance    Status = "PENDING_ACCEPTANCE"
	StatusVerificationPending  Status = "VERIFICATION_PENDING"
	StatusInProgress           Status = "IN_PROGRESS"
	StatusVerificationComplete Status = "VERIFICATION_COMPLETE"
	StatusCompleted            Status = "COMPLETED"
	StatusFailed               Status = "FAILED"
	StatusCancelled            Status = "CANCELLED"
	StatusExpired              Status = "EXPIRED"
)

// Terminal reports whether a task in this status can never change again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Urgency influences the distribution strategy: critical tasks are broadcast
// to every eligible worker regardless of score.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Availability is a worker's self-reported readiness to take on tasks.
type Availability string

const (
	AvailabilityAvailable Availability = "AVAILABLE"
	AvailabilityBusy      Availability = "BUSY"
	AvailabilityOffline   Availability = "OFFLINE"
)

// Strategy determines which eligible workers get notified about a task.
type Strategy string

const (
	// StrategyBroadcast notifies every eligible worker.
	StrategyBroadcast Strategy = "BROADCAST"
	// StrategyTargeted notifies the top scorers, 2x the verification threshold.
	StrategyTargeted Strategy = "TARGETED"
	// StrategyAuction notifies the top scorers, 3x the verification threshold.
	// Ranking-only placeholder: there is no bidding protocol behind it.
	StrategyAuction Strategy = "AUCTION"
)

// Requirements describe what a worker must satisfy to verify a task and how
// the verification round is bounded.
type Requirements struct {
	Type           string   `json:"type"`
	RequiredSkills []string `json:"required_skills"`
	MinLevel       int      `json:"min_verifier_level"`
	LanguageCodes  []string `json:"language_codes"`
	Urgency        Urgency  `json:"urgency"`
	Threshold      int      `json:"verification_threshold"`
	TimeoutMinutes int      `json:"timeout_minutes"`
}

// Task is the unit of work driven through the verification workflow.
//
// Invariants: CompletedVerifications never exceeds the number of distinct
// valid submissions, which never exceeds the number of assigned workers.
// ExpiresAt, once set, is immutable for the current distribution cycle.
type Task struct {
	ID           string       `json:"id"`
	Status       Status       `json:"status"`
	Title        string       `json:"title"`
	Description  string       `json:"description,omitempty"`
	Requirements Requirements `json:"verification_requirements"`

	// EligibleWorkers is the ordered (best first) snapshot from the last
	// distribution attempt.
	EligibleWorkers []string `json:"eligible_workers,omitempty"`
	// AssignedWorkers are workers that were notified and may submit.
	AssignedWorkers []string `json:"assigned_workers,omitempty"`

	CompletedVerifications int        `json:"completed_verifications"`
	DistributionAttempts   int        `json:"distribution_attempts"`
	ExpiresAt              *time.Time `json:"expires_at,omitempty"`
	StatusReason           string     `json:"status_reason,omitempty"`

	// NeedsRedistribution is flagged when every assigned worker rejected the
	// task; the next status check runs another distribution cycle.
	NeedsRedistribution bool `json:"needs_redistribution,omitempty"`

	// Suggestions carries requirement-relaxation hints recorded when
	// distribution fails for lack of eligible workers.
	Suggestions []string `json:"suggestions,omitempty"`

	// Consensus is attached once, on completion, and immutable thereafter.
	Consensus *ConsensusResult `json:"consensus,omitempty"`

	// LastError carries the most recent step failure for the error-handler
	// path (error kind, message, originating status, timestamp).
	LastError *StepError `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StepError records a workflow step failure on the task for diagnostics and
// the recovery-hook path.
type StepError struct {
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	FromStatus Status    `json:"from_status"`
	OccurredAt time.Time `json:"occurred_at"`
}

// WorkerProfile is the matcher's read model of a worker. The directory owns
// the profile; this engine only reads it and issues atomic load-counter
// increments/decrements on assignment and release.
type WorkerProfile struct {
	WorkerID      string       `json:"worker_id"`
	Level         int          `json:"level"`
	Skills        []string     `json:"skills"`
	LanguageCodes []string     `json:"language_codes"`
	Reputation    float64      `json:"reputation"`   // [0,1]
	SuccessRate   float64      `json:"success_rate"` // [0,1]
	Availability  Availability `json:"availability_status"`
	ActiveTasks   int          `json:"active_task_count"`
}

// ScoredWorker pairs a worker with its match score for a specific task.
type ScoredWorker struct {
	Worker WorkerProfile `json:"worker"`
	Score  float64       `json:"score"`
}

// Submission is one worker's verification result for one task. At most one
// submission exists per (task, worker); duplicates are rejected, never
// overwritten.
type Submission struct {
	TaskID           string         `json:"task_id"`
	WorkerID         string         `json:"worker_id"`
	Verdict          string         `json:"verdict"`
	Confidence       float64        `json:"confidence"`
	Result           map[string]any `json:"result,omitempty"`
	TimeSpentSeconds int            `json:"time_spent_seconds"`
	SubmittedAt      time.Time      `json:"submitted_at"`
}

// ConsensusResult is the aggregated verdict computed once the verification
// threshold is met. Computed once, immutable thereafter.
type ConsensusResult struct {
	TaskID             string    `json:"task_id"`
	Verdict            string    `json:"verdict"`
	ConfidenceScore    float64   `json:"confidence_score"`
	VerifierCount      int       `json:"verifier_count"`
	AvgResponseSeconds float64   `json:"average_response_time_seconds"`
	ComputedAt         time.Time `json:"computed_at"`
}

// DistributionRecord describes one distribution attempt. It is transient:
// nothing beyond what the Task itself carries is persisted.
type DistributionRecord struct {
	ExecutionID       string   `json:"execution_id"`
	Strategy          Strategy `json:"strategy"`
	EligibleWorkers   []string `json:"eligible_workers"`
	NotifiedWorkers   []string `json:"notified_workers"`
	FailedWorkers     []string `json:"failed_workers,omitempty"`
	NotificationsSent int      `json:"notifications_sent"`
}
