// Package orchestrator is the single entry point wiring the state machine,
// failure detector, recovery engine, and checkpoint manager together.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/stackmill/conveyor/internal/agent"
	"github.com/stackmill/conveyor/internal/checkpoint"
	"github.com/stackmill/conveyor/internal/config"
	"github.com/stackmill/conveyor/internal/db"
	"github.com/stackmill/conveyor/internal/detector"
	"github.com/stackmill/conveyor/internal/machine"
	"github.com/stackmill/conveyor/internal/notify"
	"github.com/stackmill/conveyor/internal/pipeline"
	"github.com/stackmill/conveyor/internal/recovery"
)

// Orchestrator composes pipeline lifecycle operations.
type Orchestrator struct {
	db          *db.DB
	machine     *machine.Machine
	detector    *detector.Detector
	engine      *recovery.Engine
	checkpoints *checkpoint.Manager
	runtime     agent.Runtime
	notifier    notify.Notifier
	cfg         *config.Config
	logger      *slog.Logger
}

// New creates an Orchestrator.
func New(
	database *db.DB,
	m *machine.Machine,
	det *detector.Detector,
	engine *recovery.Engine,
	checkpoints *checkpoint.Manager,
	runtime agent.Runtime,
	notifier notify.Notifier,
	cfg *config.Config,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		db:          database,
		machine:     m,
		detector:    det,
		engine:      engine,
		checkpoints: checkpoints,
		runtime:     runtime,
		notifier:    notifier,
		cfg:         cfg,
		logger:      logger,
	}
}

// Run starts the recovery worker and blocks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	o.engine.Run(ctx)
}

// CreateWorkflow creates a new pipeline at idle for a project.
func (o *Orchestrator) CreateWorkflow(projectID, workspaceID string) (*pipeline.Pipeline, error) {
	if projectID == "" || workspaceID == "" {
		return nil, fmt.Errorf("project and workspace IDs are required")
	}
	p := &pipeline.Pipeline{
		WorkflowID:  uuid.NewString(),
		ProjectID:   projectID,
		WorkspaceID: workspaceID,
		State:       pipeline.StateIdle,
	}
	if err := o.db.CreatePipeline(p); err != nil {
		return nil, err
	}
	o.logger.Info("workflow created", "workflow", p.WorkflowID, "project", projectID)
	return o.db.GetPipeline(p.WorkflowID)
}

// Transition applies one state transition and runs the side effects the
// pipeline flow owns: checkpointing at safe points and notifying terminal
// states. Version conflicts surface to the caller, who re-reads and retries.
func (o *Orchestrator) Transition(workflowID string, target pipeline.State, opts machine.TransitionOpts) (*pipeline.Pipeline, error) {
	p, err := o.machine.Transition(workflowID, target, opts)
	if err != nil {
		return nil, err
	}

	// Safe point: QA passed, about to deploy. Recovery never records
	// checkpoints itself; only the normal flow does, here.
	if target == pipeline.StateDeploying && p.CurrentStoryID != "" {
		if ref, err := o.checkpoints.CaptureCurrent(p.ProjectID, p.CurrentStoryID); err != nil {
			o.logger.Warn("checkpoint capture failed", "workflow", workflowID, "error", err)
		} else {
			o.logger.Info("checkpoint recorded", "workflow", workflowID, "story", p.CurrentStoryID, "ref", ref)
		}
	}

	if target.Terminal() {
		o.notifier.Notify(notify.Event{
			Type:       string(target),
			WorkflowID: workflowID,
			ProjectID:  p.ProjectID,
			StoryID:    p.CurrentStoryID,
			Detail:     opts.ErrorMessage,
		})
	}
	return p, nil
}

// RunStory starts one agent execution for the workflow's current state and
// watches it. A clean exit returns nil; any classified failure is handed to
// the recovery engine asynchronously and reported as an error to the caller.
func (o *Orchestrator) RunStory(ctx context.Context, workflowID, storyID, agentID, agentType string, execCtx map[string]string) error {
	p, err := o.machine.Get(workflowID)
	if err != nil {
		return err
	}
	if !p.State.Working() {
		return fmt.Errorf("workflow %s is %s, not in a working state", workflowID, p.State)
	}

	h, err := o.runtime.StartExecution(agentID, storyID, execCtx)
	if err != nil {
		return fmt.Errorf("start execution: %w", err)
	}
	h.AgentType = agentType

	report, err := o.detector.Monitor(ctx, h, o.detectorConfig(p.State))
	if err != nil {
		return err
	}
	if report == nil {
		o.logger.Info("execution completed", "workflow", workflowID, "story", storyID, "session", h.SessionID)
		return nil
	}

	o.engine.HandleFailure(recovery.FailureReport{
		WorkflowID: workflowID,
		ProjectID:  p.ProjectID,
		StoryID:    storyID,
		SessionID:  h.SessionID,
		AgentID:    agentID,
		AgentType:  agentType,
		Type:       report.Type,
		Evidence:   report.Evidence,
	})
	return fmt.Errorf("execution failed with %s, recovery enqueued", report.Type)
}

// detectorConfig builds the detection windows for the given state, applying
// its per-state no-progress budget.
func (o *Orchestrator) detectorConfig(state pipeline.State) detector.Config {
	d := o.cfg.Orchestrator.Detector
	cfg := detector.Config{
		PollInterval:  d.PollInterval.Std(),
		StuckPolls:    d.StuckPolls,
		LoopThreshold: d.LoopThreshold,
	}
	if budget, ok := o.cfg.Orchestrator.Budgets[string(state)]; ok {
		cfg.Budget = budget.Std()
	}
	return cfg
}

// Status returns the live pipeline row.
func (o *Orchestrator) Status(workflowID string) (*pipeline.Pipeline, error) {
	return o.machine.Get(workflowID)
}

// StatusAll returns all pipeline rows.
func (o *Orchestrator) StatusAll() ([]pipeline.Pipeline, error) {
	return o.db.ListPipelines()
}

// History returns the transition audit log, newest first.
func (o *Orchestrator) History(workflowID string, limit int, cursor int64) ([]pipeline.TransitionRecord, int64, error) {
	return o.machine.History(workflowID, limit, cursor)
}

// RecoveryHistory returns recovery records, newest first.
func (o *Orchestrator) RecoveryHistory(workflowID, storyID string, limit int, cursor int64) ([]pipeline.RecoveryRecord, int64, error) {
	return o.engine.History(workflowID, storyID, limit, cursor)
}

// Override records an operator-forced recovery outcome.
func (o *Orchestrator) Override(req recovery.OverrideRequest) (*pipeline.RecoveryRecord, error) {
	return o.engine.Override(req)
}

// CancelEpisode forces escalation of an in-flight recovery episode.
func (o *Orchestrator) CancelEpisode(key recovery.Key) (*pipeline.RecoveryRecord, error) {
	return o.engine.Cancel(key)
}
