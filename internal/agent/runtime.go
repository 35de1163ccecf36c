// Package agent defines the contract with the external agent runtime. The
// orchestrator consumes it as an opaque execution capability; model selection
// and routing live entirely behind this interface.
package agent

// Handle identifies one in-flight agent execution.
type Handle struct {
	SessionID string
	AgentID   string
	AgentType string
	StoryID   string
}

// Status is a point-in-time view of an execution.
type Status struct {
	// ProgressSignal is an opaque value that changes while the agent makes
	// progress. An unchanged signal across polls means the agent may be stuck.
	ProgressSignal string
	// ActionSignature identifies the agent's last action/output. Repeated
	// identical signatures indicate a loop.
	ActionSignature string
	// ExitCode is nil while the execution is running.
	ExitCode *int
	// ProviderError carries a provider-level failure surface
	// (rate limit, auth, 5xx) when one occurred.
	ProviderError string
}

// Runtime starts and observes agent executions. Interface for testing.
type Runtime interface {
	StartExecution(agentID, storyID string, context map[string]string) (*Handle, error)
	ExecutionStatus(h *Handle) (*Status, error)
	TerminateExecution(h *Handle) error
}
