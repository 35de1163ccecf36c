// Package machine is the state machine core. It owns the one live Pipeline
// row per workflow and is the only writer of pipeline state. Transitions are
// serialized per pipeline with optimistic concurrency: proposers race, one
// wins per version, losers re-read and retry.
package machine

import (
	"fmt"

	"github.com/stackmill/conveyor/internal/db"
	"github.com/stackmill/conveyor/internal/pipeline"
)

// Machine validates and applies pipeline state transitions.
type Machine struct {
	db *db.DB
}

// New creates a Machine over the given database.
func New(database *db.DB) *Machine {
	return &Machine{db: database}
}

// TransitionOpts carries the audit context for a transition.
type TransitionOpts struct {
	Actor        string // who proposed the transition (API caller, agent callback, recovery)
	StoryID      string
	AgentID      string
	Metadata     string
	ErrorMessage string
}

// Transition validates the edge from the pipeline's current state to target
// and applies it atomically: version bump and transition record are written
// as one unit, both or neither. Illegal edges return ErrInvalidTransition
// with no side effects; a lost version race returns ErrVersionConflict and
// the caller re-reads and retries.
func (m *Machine) Transition(workflowID string, target pipeline.State, opts TransitionOpts) (*pipeline.Pipeline, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("state %q: %w", target, pipeline.ErrInvalidTransition)
	}

	p, err := m.db.GetPipeline(workflowID)
	if err != nil {
		return nil, fmt.Errorf("get pipeline: %w", err)
	}

	if !pipeline.CanTransition(p.State, target) {
		return nil, fmt.Errorf("%s -> %s: %w", p.State, target, pipeline.ErrInvalidTransition)
	}
	// Paused pipelines resume only to their origin state.
	if p.State == pipeline.StatePaused && target != p.PausedFrom {
		return nil, fmt.Errorf("paused pipeline resumes to %s, not %s: %w", p.PausedFrom, target, pipeline.ErrInvalidTransition)
	}

	// Record the origin while pausing; clear it on every other transition.
	var pausedFrom pipeline.State
	if target == pipeline.StatePaused {
		pausedFrom = p.State
	}

	rec := &pipeline.TransitionRecord{
		WorkflowID:    workflowID,
		PreviousState: p.State,
		NewState:      target,
		TriggeredBy:   opts.Actor,
		AgentID:       opts.AgentID,
		StoryID:       opts.StoryID,
		Metadata:      opts.Metadata,
		ErrorMessage:  opts.ErrorMessage,
	}

	updated, err := m.db.ApplyTransition(workflowID, p.Version, target, pausedFrom, rec)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Get returns the current pipeline row for a workflow.
func (m *Machine) Get(workflowID string) (*pipeline.Pipeline, error) {
	return m.db.GetPipeline(workflowID)
}

// History returns the transition audit log for a workflow, newest first,
// cursor-paginated and restartable.
func (m *Machine) History(workflowID string, limit int, cursor int64) ([]pipeline.TransitionRecord, int64, error) {
	return m.db.GetTransitions(workflowID, limit, cursor)
}
