// Package recovery maps detected failures to recovery strategies and
// executes them: retry with backoff, checkpoint rollback, context refresh, or
// escalation to a human. Every attempt is written to the append-only
// failure-recovery log regardless of outcome.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stackmill/conveyor/internal/agent"
	"github.com/stackmill/conveyor/internal/checkpoint"
	"github.com/stackmill/conveyor/internal/db"
	"github.com/stackmill/conveyor/internal/detector"
	"github.com/stackmill/conveyor/internal/machine"
	"github.com/stackmill/conveyor/internal/notify"
	"github.com/stackmill/conveyor/internal/pipeline"
)

// Config holds the recovery policy bounds.
type Config struct {
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	EpisodeWindow time.Duration
	// Severity maps a failure type to the state an escalation drives the
	// pipeline into: failed (unrecoverable) or paused (needs operator input).
	Severity map[pipeline.FailureType]pipeline.State
}

// FailureReport is one detected failure, enriched with the pipeline identity
// the detector does not know about.
type FailureReport struct {
	WorkflowID string
	ProjectID  string
	StoryID    string
	SessionID  string
	AgentID    string
	AgentType  string
	Type       pipeline.FailureType
	Evidence   detector.Evidence
}

func (r FailureReport) key() Key {
	return Key{WorkflowID: r.WorkflowID, StoryID: r.StoryID, AgentID: r.AgentID}
}

// Engine is the recovery policy engine. Failure handling is asynchronous:
// HandleFailure enqueues and returns immediately; a worker executes the
// recovery action and the re-execution reports its outcome back later,
// closing the loop through the audit log.
type Engine struct {
	db          *db.DB
	machine     *machine.Machine
	checkpoints *checkpoint.Manager
	runtime     agent.Runtime
	notifier    notify.Notifier
	cfg         Config
	logger      *slog.Logger

	queue chan FailureReport
	sleep func(time.Duration) // replaceable in tests

	mu        sync.Mutex
	cancelled map[Key]bool
}

// NewEngine creates an Engine.
func NewEngine(database *db.DB, m *machine.Machine, cp *checkpoint.Manager, rt agent.Runtime, n notify.Notifier, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		db:          database,
		machine:     m,
		checkpoints: cp,
		runtime:     rt,
		notifier:    n,
		cfg:         cfg,
		logger:      logger,
		queue:       make(chan FailureReport, 64),
		sleep:       time.Sleep,
		cancelled:   make(map[Key]bool),
	}
}

// Run consumes queued failure reports until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-e.queue:
			if _, err := e.process(r); err != nil {
				e.logger.Error("recovery attempt failed",
					"workflow", r.WorkflowID, "story", r.StoryID, "failure", r.Type, "error", err)
			}
		}
	}
}

// HandleFailure enqueues a failure report for asynchronous recovery.
func (e *Engine) HandleFailure(r FailureReport) {
	e.queue <- r
}

// process selects and executes one recovery action for the report, writing
// exactly one FailureRecoveryRecord per attempt (restore failures write a
// second, escalation record).
func (e *Engine) process(r FailureReport) (*pipeline.RecoveryRecord, error) {
	start := time.Now()
	key := r.key()

	ep, err := e.episode(key)
	if err != nil {
		return nil, err
	}
	// A closed episode clears any standing operator cancellation.
	if ep.Attempts == 0 {
		e.clearCancelled(key)
	}

	ref, err := e.checkpoints.Latest(r.ProjectID, r.StoryID)
	if err != nil && !errors.Is(err, pipeline.ErrCheckpointUnavailable) {
		return nil, err
	}
	hasCheckpoint := ref != ""

	strategy, reason := e.decide(ep, r.Type, hasCheckpoint)
	if e.isCancelled(key) {
		strategy, reason = pipeline.StrategyEscalation, "episode cancelled by operator"
	}
	if r.Evidence.Unclassified {
		reason = joinReason(reason, pipeline.ErrUnclassifiedFailure.Error())
	}

	rec := &pipeline.RecoveryRecord{
		WorkflowID:  r.WorkflowID,
		ProjectID:   r.ProjectID,
		StoryID:     r.StoryID,
		SessionID:   r.SessionID,
		AgentID:     r.AgentID,
		AgentType:   r.AgentType,
		FailureType: r.Type,
		Strategy:    strategy,
		RetryCount:  ep.RetryCount,
		Metadata:    reason,
	}

	switch strategy {
	case pipeline.StrategyRetry:
		e.executeRetry(r, rec, ep)
	case pipeline.StrategyCheckpoint:
		if err := e.executeCheckpoint(r, rec, ref); err != nil {
			// Rollback itself failed: record the attempt, then escalate.
			rec.DurationMs = time.Since(start).Milliseconds()
			if insErr := e.db.InsertRecovery(rec); insErr != nil {
				return nil, insErr
			}
			return e.escalate(r, ep, pipeline.ErrRestoreFailed.Error())
		}
	case pipeline.StrategyContextRefresh:
		e.executeContextRefresh(r, rec)
	case pipeline.StrategyEscalation:
		return e.escalate(r, ep, reason)
	}

	rec.DurationMs = time.Since(start).Milliseconds()
	if err := e.db.InsertRecovery(rec); err != nil {
		return nil, err
	}
	e.logger.Info("recovery attempt recorded",
		"workflow", r.WorkflowID, "story", r.StoryID, "failure", r.Type,
		"strategy", rec.Strategy, "retry_count", rec.RetryCount, "success", rec.Success)
	return rec, nil
}

// executeRetry re-invokes the same step in place after backoff. The record
// stays success=false: only subsequent forward progress closes the episode.
func (e *Engine) executeRetry(r FailureReport, rec *pipeline.RecoveryRecord, ep *Episode) {
	e.sleep(e.Backoff(ep.RetryCount))
	if _, err := e.runtime.StartExecution(r.AgentID, r.StoryID, map[string]string{
		"resume_session": r.SessionID,
	}); err != nil {
		rec.ErrorDetails = fmt.Sprintf("re-invoke: %v", err)
	}
}

// executeCheckpoint rolls the project back and spawns a replacement
// execution. Restore failure is returned so the caller escalates instead of
// retrying the rollback.
func (e *Engine) executeCheckpoint(r FailureReport, rec *pipeline.RecoveryRecord, ref string) error {
	rec.CheckpointRef = ref
	if err := e.checkpoints.Restore(r.ProjectID, ref); err != nil {
		rec.ErrorDetails = err.Error()
		return err
	}

	e.terminate(r)
	h, err := e.runtime.StartExecution(r.AgentID, r.StoryID, map[string]string{
		"restored_from": ref,
	})
	if err != nil {
		rec.ErrorDetails = fmt.Sprintf("spawn replacement: %v", err)
		return nil
	}
	rec.NewSessionID = h.SessionID
	rec.Success = true
	return nil
}

// executeContextRefresh restarts the agent with trimmed context. No rollback.
func (e *Engine) executeContextRefresh(r FailureReport, rec *pipeline.RecoveryRecord) {
	e.terminate(r)
	h, err := e.runtime.StartExecution(r.AgentID, r.StoryID, map[string]string{
		"context": "trimmed",
	})
	if err != nil {
		rec.ErrorDetails = fmt.Sprintf("restart with trimmed context: %v", err)
		return
	}
	rec.NewSessionID = h.SessionID
	rec.Success = true
}

// terminate best-effort kills the failed execution before replacing it.
func (e *Engine) terminate(r FailureReport) {
	h := &agent.Handle{SessionID: r.SessionID, AgentID: r.AgentID, AgentType: r.AgentType, StoryID: r.StoryID}
	if err := e.runtime.TerminateExecution(h); err != nil {
		e.logger.Warn("terminate execution", "session", r.SessionID, "error", err)
	}
}

// escalate halts automation: it writes a success=false escalation record,
// drives the pipeline to failed or paused per the severity mapping, and
// notifies for manual intervention.
func (e *Engine) escalate(r FailureReport, ep *Episode, reason string) (*pipeline.RecoveryRecord, error) {
	rec := &pipeline.RecoveryRecord{
		WorkflowID:   r.WorkflowID,
		ProjectID:    r.ProjectID,
		StoryID:      r.StoryID,
		SessionID:    r.SessionID,
		AgentID:      r.AgentID,
		AgentType:    r.AgentType,
		FailureType:  r.Type,
		Strategy:     pipeline.StrategyEscalation,
		RetryCount:   ep.RetryCount,
		Success:      false,
		ErrorDetails: reason,
	}
	if err := e.db.InsertRecovery(rec); err != nil {
		return nil, err
	}

	target, ok := e.cfg.Severity[r.Type]
	if !ok {
		target = pipeline.StatePaused
	}
	if err := e.transitionWithRetry(r.WorkflowID, target, machine.TransitionOpts{
		Actor:        "recovery",
		StoryID:      r.StoryID,
		AgentID:      r.AgentID,
		ErrorMessage: reason,
	}); err != nil {
		e.logger.Error("escalation transition", "workflow", r.WorkflowID, "target", target, "error", err)
	}

	e.notifier.Notify(notify.Event{
		Type:       "escalation",
		WorkflowID: r.WorkflowID,
		ProjectID:  r.ProjectID,
		StoryID:    r.StoryID,
		Detail:     fmt.Sprintf("%s: %s", r.Type, reason),
	})
	e.logger.Warn("episode escalated",
		"workflow", r.WorkflowID, "story", r.StoryID, "failure", r.Type, "target", target, "reason", reason)
	return rec, nil
}

// transitionWithRetry re-reads and retries on version conflicts; the
// transition itself re-validates against fresh state on every attempt.
func (e *Engine) transitionWithRetry(workflowID string, target pipeline.State, opts machine.TransitionOpts) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if _, err = e.machine.Transition(workflowID, target, opts); err == nil {
			return nil
		}
		if !errors.Is(err, pipeline.ErrVersionConflict) {
			return err
		}
	}
	return err
}

// Cancel forces escalation of an in-flight episode and halts further
// automatic attempts for it until the episode closes.
func (e *Engine) Cancel(key Key) (*pipeline.RecoveryRecord, error) {
	e.mu.Lock()
	e.cancelled[key] = true
	e.mu.Unlock()

	p, err := e.db.GetPipeline(key.WorkflowID)
	if err != nil {
		return nil, err
	}
	ep, err := e.episode(key)
	if err != nil {
		return nil, err
	}

	// Carry the episode's failure type forward; with nothing in flight the
	// cancellation is ambiguous and defaults to api_error.
	ft := pipeline.FailureAPIError
	since := time.Now().Add(-e.cfg.EpisodeWindow).UTC().Format(db.TimeLayout)
	recs, err := e.db.EpisodeRecords(key.WorkflowID, key.StoryID, key.AgentID, since)
	if err != nil {
		return nil, err
	}
	if len(recs) > 0 {
		ft = recs[len(recs)-1].FailureType
	}

	return e.escalate(FailureReport{
		WorkflowID: key.WorkflowID,
		ProjectID:  p.ProjectID,
		StoryID:    key.StoryID,
		AgentID:    key.AgentID,
		AgentType:  "unknown",
		Type:       ft,
	}, ep, "episode cancelled by operator")
}

// OverrideRequest is an operator-forced outcome for an episode.
type OverrideRequest struct {
	WorkflowID  string
	StoryID     string
	SessionID   string
	AgentID     string
	AgentType   string
	FailureType pipeline.FailureType
	Success     bool
	Detail      string
}

// Override records a manual_override, short-circuiting policy for the
// episode. It is never auto-selected.
func (e *Engine) Override(req OverrideRequest) (*pipeline.RecoveryRecord, error) {
	if !req.FailureType.Valid() {
		return nil, fmt.Errorf("failure type %q is not defined", req.FailureType)
	}
	p, err := e.db.GetPipeline(req.WorkflowID)
	if err != nil {
		return nil, err
	}
	ep, err := e.episode(Key{WorkflowID: req.WorkflowID, StoryID: req.StoryID, AgentID: req.AgentID})
	if err != nil {
		return nil, err
	}

	rec := &pipeline.RecoveryRecord{
		WorkflowID:   req.WorkflowID,
		ProjectID:    p.ProjectID,
		StoryID:      req.StoryID,
		SessionID:    req.SessionID,
		AgentID:      req.AgentID,
		AgentType:    req.AgentType,
		FailureType:  req.FailureType,
		Strategy:     pipeline.StrategyManualOverride,
		RetryCount:   ep.RetryCount,
		Success:      req.Success,
		ErrorDetails: req.Detail,
	}
	if err := e.db.InsertRecovery(rec); err != nil {
		return nil, err
	}
	e.clearCancelled(Key{WorkflowID: req.WorkflowID, StoryID: req.StoryID, AgentID: req.AgentID})
	return rec, nil
}

// History returns recovery records for a workflow, optionally filtered by story.
func (e *Engine) History(workflowID, storyID string, limit int, cursor int64) ([]pipeline.RecoveryRecord, int64, error) {
	return e.db.GetRecoveries(workflowID, storyID, limit, cursor)
}

func (e *Engine) isCancelled(key Key) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled[key]
}

func (e *Engine) clearCancelled(key Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cancelled, key)
}

func joinReason(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	return a + "; " + b
}
