package pipeline

import "errors"

// Error taxonomy for orchestration and recovery. All are matched with
// errors.Is after wrapping with context.
var (
	// ErrInvalidTransition is returned for an illegal edge. No mutation occurs.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrVersionConflict is returned when a concurrent writer won the version
	// race. The caller re-reads and retries.
	ErrVersionConflict = errors.New("version conflict")

	// ErrNotFound is returned when no pipeline exists for a workflow ID.
	ErrNotFound = errors.New("workflow not found")

	// ErrUnclassifiedFailure marks ambiguous detector evidence. The failure
	// defaults to api_error and is flagged for review.
	ErrUnclassifiedFailure = errors.New("unclassified failure")

	// ErrRecoveryExhausted is returned when retry bounds are hit, forcing escalation.
	ErrRecoveryExhausted = errors.New("recovery exhausted")

	// ErrCheckpointUnavailable is returned when no checkpoint exists for a story.
	// checkpoint_recovery downgrades to context_refresh.
	ErrCheckpointUnavailable = errors.New("checkpoint unavailable")

	// ErrRestoreFailed is returned when a rollback itself failed. The attempt is
	// treated as a crash-class recovery failure and triggers escalation.
	ErrRestoreFailed = errors.New("restore failed")
)
