package pipeline

// State is the lifecycle state of a workflow pipeline.
type State string

const (
	StateIdle         State = "idle"
	StatePlanning     State = "planning"
	StateImplementing State = "implementing"
	StateQA           State = "qa"
	StateDeploying    State = "deploying"
	StateComplete     State = "complete"
	StateFailed       State = "failed"
	StatePaused       State = "paused"
)

// States lists every defined pipeline state.
var States = []State{
	StateIdle, StatePlanning, StateImplementing, StateQA,
	StateDeploying, StateComplete, StateFailed, StatePaused,
}

// Valid reports whether s is one of the defined states.
func (s State) Valid() bool {
	switch s {
	case StateIdle, StatePlanning, StateImplementing, StateQA,
		StateDeploying, StateComplete, StateFailed, StatePaused:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal state. Restarting after
// "failed" is a new transition, never a mutation of the terminal record.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// Working reports whether s is an active working state.
func (s State) Working() bool {
	switch s {
	case StatePlanning, StateImplementing, StateQA, StateDeploying:
		return true
	}
	return false
}

// FailureType classifies an anomaly observed on an in-flight execution.
type FailureType string

const (
	FailureStuck    FailureType = "stuck"
	FailureCrash    FailureType = "crash"
	FailureAPIError FailureType = "api_error"
	FailureLoop     FailureType = "loop"
	FailureTimeout  FailureType = "timeout"
)

// Valid reports whether f is one of the defined failure types.
func (f FailureType) Valid() bool {
	switch f {
	case FailureStuck, FailureCrash, FailureAPIError, FailureLoop, FailureTimeout:
		return true
	}
	return false
}

// Strategy is a recovery strategy selected for a failure episode.
type Strategy string

const (
	StrategyRetry          Strategy = "retry"
	StrategyCheckpoint     Strategy = "checkpoint_recovery"
	StrategyContextRefresh Strategy = "context_refresh"
	StrategyEscalation     Strategy = "escalation"
	StrategyManualOverride Strategy = "manual_override"
)

// Valid reports whether st is one of the defined strategies.
func (st Strategy) Valid() bool {
	switch st {
	case StrategyRetry, StrategyCheckpoint, StrategyContextRefresh,
		StrategyEscalation, StrategyManualOverride:
		return true
	}
	return false
}

// Pipeline is the single live row per workflow. It is mutated only by the
// state machine under optimistic concurrency: version strictly increases,
// one writer wins per version.
type Pipeline struct {
	WorkflowID     string `json:"workflow_id"`
	ProjectID      string `json:"project_id"`
	WorkspaceID    string `json:"workspace_id"`
	State          State  `json:"state"`
	PausedFrom     State  `json:"paused_from,omitempty"` // origin state while paused
	CurrentStoryID string `json:"current_story_id,omitempty"`
	CurrentAgentID string `json:"current_agent_id,omitempty"`
	EnteredStateAt string `json:"entered_state_at"`
	Version        int64  `json:"version"`
}

// TransitionRecord is one immutable row of the state-transition audit log.
type TransitionRecord struct {
	ID            int64  `json:"id"`
	WorkflowID    string `json:"workflow_id"`
	PreviousState State  `json:"previous_state"`
	NewState      State  `json:"new_state"`
	TriggeredBy   string `json:"triggered_by"`
	AgentID       string `json:"agent_id,omitempty"`
	StoryID       string `json:"story_id,omitempty"`
	Metadata      string `json:"metadata,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
	OccurredAt    string `json:"occurred_at"`
}

// RecoveryRecord is one immutable row of the failure-recovery audit log.
// CheckpointRef is set only when Strategy is checkpoint_recovery.
type RecoveryRecord struct {
	ID            int64       `json:"id"`
	WorkflowID    string      `json:"workflow_id"`
	ProjectID     string      `json:"project_id"`
	StoryID       string      `json:"story_id"`
	SessionID     string      `json:"session_id"`
	AgentID       string      `json:"agent_id"`
	AgentType     string      `json:"agent_type"`
	FailureType   FailureType `json:"failure_type"`
	Strategy      Strategy    `json:"recovery_strategy"`
	RetryCount    int         `json:"retry_count"`
	CheckpointRef string      `json:"checkpoint_ref,omitempty"`
	NewSessionID  string      `json:"new_session_id,omitempty"`
	Success       bool        `json:"success"`
	ErrorDetails  string      `json:"error_details,omitempty"`
	DurationMs    int64       `json:"duration_ms"`
	Metadata      string      `json:"metadata,omitempty"`
	CreatedAt     string      `json:"created_at"`
}
