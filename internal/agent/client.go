package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPRuntime implements Runtime against a remote agent-runtime service.
type HTTPRuntime struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRuntime creates an HTTPRuntime for the given base URL.
func NewHTTPRuntime(baseURL string) *HTTPRuntime {
	return &HTTPRuntime{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type startRequest struct {
	AgentID string            `json:"agent_id"`
	StoryID string            `json:"story_id"`
	Context map[string]string `json:"context,omitempty"`
}

type startResponse struct {
	SessionID string `json:"session_id"`
	AgentType string `json:"agent_type"`
}

// StartExecution asks the runtime to begin an agent run.
func (r *HTTPRuntime) StartExecution(agentID, storyID string, context map[string]string) (*Handle, error) {
	body, err := json.Marshal(startRequest{AgentID: agentID, StoryID: storyID, Context: context})
	if err != nil {
		return nil, fmt.Errorf("marshal start request: %w", err)
	}
	resp, err := r.client.Post(r.baseURL+"/executions", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("start execution: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("start execution: runtime returned %s", resp.Status)
	}

	var sr startResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode start response: %w", err)
	}
	return &Handle{
		SessionID: sr.SessionID,
		AgentID:   agentID,
		AgentType: sr.AgentType,
		StoryID:   storyID,
	}, nil
}

// ExecutionStatus polls the runtime for the current execution status.
func (r *HTTPRuntime) ExecutionStatus(h *Handle) (*Status, error) {
	resp, err := r.client.Get(r.baseURL + "/executions/" + h.SessionID)
	if err != nil {
		return nil, fmt.Errorf("execution status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("execution status: runtime returned %s", resp.Status)
	}

	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &st, nil
}

// TerminateExecution stops a running execution.
func (r *HTTPRuntime) TerminateExecution(h *Handle) error {
	req, err := http.NewRequest(http.MethodDelete, r.baseURL+"/executions/"+h.SessionID, nil)
	if err != nil {
		return fmt.Errorf("build terminate request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("terminate execution: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("terminate execution: runtime returned %s", resp.Status)
	}
	return nil
}
