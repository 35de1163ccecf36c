package recovery

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmill/conveyor/internal/agent"
	"github.com/stackmill/conveyor/internal/checkpoint"
	"github.com/stackmill/conveyor/internal/db"
	"github.com/stackmill/conveyor/internal/detector"
	"github.com/stackmill/conveyor/internal/machine"
	"github.com/stackmill/conveyor/internal/notify"
	"github.com/stackmill/conveyor/internal/pipeline"
)

type fakeRuntime struct {
	mu         sync.Mutex
	started    []map[string]string
	startErr   error
	terminated []string
	nextSess   int
}

func (f *fakeRuntime) StartExecution(agentID, storyID string, ctx map[string]string) (*agent.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, ctx)
	f.nextSess++
	return &agent.Handle{
		SessionID: fmt.Sprintf("sess-new-%d", f.nextSess),
		AgentID:   agentID,
		StoryID:   storyID,
	}, nil
}

func (f *fakeRuntime) ExecutionStatus(h *agent.Handle) (*agent.Status, error) {
	return &agent.Status{}, nil
}

func (f *fakeRuntime) TerminateExecution(h *agent.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, h.SessionID)
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (f *fakeNotifier) Notify(e notify.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeNotifier) all() []notify.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.Event(nil), f.events...)
}

type fakeVCS struct {
	head       string
	restoreErr error
	restored   []string
}

func (f *fakeVCS) CurrentRef(projectID string) (string, error) { return f.head, nil }

func (f *fakeVCS) RestoreTo(projectID, ref string) error {
	if f.restoreErr != nil {
		return f.restoreErr
	}
	f.restored = append(f.restored, ref)
	return nil
}

type fixture struct {
	db       *db.DB
	machine  *machine.Machine
	runtime  *fakeRuntime
	notifier *fakeNotifier
	vcs      *fakeVCS
	sleeps   []time.Duration
}

func testEngine(t *testing.T) (*Engine, *fixture) {
	t.Helper()
	d, err := db.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, d.Migrate())
	t.Cleanup(func() { d.Close() })

	fx := &fixture{
		db:       d,
		machine:  machine.New(d),
		runtime:  &fakeRuntime{},
		notifier: &fakeNotifier{},
		vcs:      &fakeVCS{head: "head-ref"},
	}
	cfg := Config{
		MaxRetries:    3,
		BackoffBase:   2 * time.Second,
		BackoffCap:    60 * time.Second,
		EpisodeWindow: 30 * time.Minute,
		Severity: map[pipeline.FailureType]pipeline.State{
			pipeline.FailureCrash:    pipeline.StateFailed,
			pipeline.FailureTimeout:  pipeline.StatePaused,
			pipeline.FailureStuck:    pipeline.StatePaused,
			pipeline.FailureLoop:     pipeline.StatePaused,
			pipeline.FailureAPIError: pipeline.StatePaused,
		},
	}
	e := NewEngine(d, fx.machine, checkpoint.NewManager(d, fx.vcs), fx.runtime, fx.notifier, cfg,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.sleep = func(d time.Duration) { fx.sleeps = append(fx.sleeps, d) }
	return e, fx
}

// workflowAt creates a workflow and drives it to the given working state.
func workflowAt(t *testing.T, fx *fixture, id string, state pipeline.State) {
	t.Helper()
	require.NoError(t, fx.db.CreatePipeline(&pipeline.Pipeline{
		WorkflowID: id, ProjectID: "proj-1", WorkspaceID: "ws-1",
	}))
	path := []pipeline.State{pipeline.StatePlanning, pipeline.StateImplementing, pipeline.StateQA, pipeline.StateDeploying}
	for _, s := range path {
		if _, err := fx.machine.Transition(id, s, machine.TransitionOpts{Actor: "test", StoryID: "story-1", AgentID: "agent-1"}); err != nil {
			t.Fatalf("to %s: %v", s, err)
		}
		if s == state {
			return
		}
	}
}

func report(ft pipeline.FailureType) FailureReport {
	return FailureReport{
		WorkflowID: "wf-1",
		ProjectID:  "proj-1",
		StoryID:    "story-1",
		SessionID:  "sess-old",
		AgentID:    "agent-1",
		AgentType:  "developer",
		Type:       ft,
	}
}

func TestAPIErrorRetriesWithBackoff(t *testing.T) {
	e, fx := testEngine(t)
	workflowAt(t, fx, "wf-1", pipeline.StateImplementing)

	rec, err := e.process(report(pipeline.FailureAPIError))
	require.NoError(t, err)
	assert.Equal(t, pipeline.StrategyRetry, rec.Strategy)
	assert.Equal(t, 0, rec.RetryCount)
	assert.False(t, rec.Success, "retry outcome is unknown until the re-run reports back")

	rec, err = e.process(report(pipeline.FailureAPIError))
	require.NoError(t, err)
	assert.Equal(t, pipeline.StrategyRetry, rec.Strategy)
	assert.Equal(t, 1, rec.RetryCount)

	// Exponential backoff: base, then doubled.
	require.Len(t, fx.sleeps, 2)
	assert.Equal(t, 2*time.Second, fx.sleeps[0])
	assert.Equal(t, 4*time.Second, fx.sleeps[1])

	// The retry resumes the same session in place.
	require.Len(t, fx.runtime.started, 2)
	assert.Equal(t, "sess-old", fx.runtime.started[0]["resume_session"])
}

func TestForwardProgressClosesEpisode(t *testing.T) {
	e, fx := testEngine(t)
	workflowAt(t, fx, "wf-1", pipeline.StateImplementing)

	for i := 0; i < 2; i++ {
		_, err := e.process(report(pipeline.FailureAPIError))
		require.NoError(t, err)
	}

	// implementing -> qa is forward progress; the episode closes.
	_, err := fx.machine.Transition("wf-1", pipeline.StateQA, machine.TransitionOpts{Actor: "agent"})
	require.NoError(t, err)

	rec, err := e.process(report(pipeline.FailureAPIError))
	require.NoError(t, err)
	assert.Equal(t, pipeline.StrategyRetry, rec.Strategy)
	assert.Equal(t, 0, rec.RetryCount, "a fresh episode starts counting from zero")
}

func TestRetriesExhaustedEscalates(t *testing.T) {
	e, fx := testEngine(t)
	workflowAt(t, fx, "wf-1", pipeline.StateImplementing)

	for i := 0; i < 3; i++ {
		rec, err := e.process(report(pipeline.FailureAPIError))
		require.NoError(t, err)
		require.Equal(t, pipeline.StrategyRetry, rec.Strategy)
		require.Equal(t, i, rec.RetryCount)
	}

	rec, err := e.process(report(pipeline.FailureAPIError))
	require.NoError(t, err)
	assert.Equal(t, pipeline.StrategyEscalation, rec.Strategy)
	assert.Equal(t, 3, rec.RetryCount)
	assert.False(t, rec.Success)
	assert.Contains(t, rec.ErrorDetails, "recovery exhausted")

	// Escalation pauses the pipeline per severity and keeps the origin.
	p, err := fx.db.GetPipeline("wf-1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatePaused, p.State)
	assert.Equal(t, pipeline.StateImplementing, p.PausedFrom)

	events := fx.notifier.all()
	require.Len(t, events, 1)
	assert.Equal(t, "escalation", events[0].Type)
	assert.Equal(t, "wf-1", events[0].WorkflowID)
}

func TestCrashRollsBackToCheckpoint(t *testing.T) {
	e, fx := testEngine(t)
	workflowAt(t, fx, "wf-1", pipeline.StateImplementing)
	require.NoError(t, fx.db.InsertCheckpoint("proj-1", "story-1", "ckpt-ref"))

	rec, err := e.process(report(pipeline.FailureCrash))
	require.NoError(t, err)
	assert.Equal(t, pipeline.StrategyCheckpoint, rec.Strategy)
	assert.Equal(t, "ckpt-ref", rec.CheckpointRef)
	assert.True(t, rec.Success)
	assert.NotEmpty(t, rec.NewSessionID)

	assert.Equal(t, []string{"ckpt-ref"}, fx.vcs.restored)
	assert.Equal(t, []string{"sess-old"}, fx.runtime.terminated)
	require.Len(t, fx.runtime.started, 1)
	assert.Equal(t, "ckpt-ref", fx.runtime.started[0]["restored_from"])
}

func TestCrashWithoutCheckpointDowngrades(t *testing.T) {
	e, fx := testEngine(t)
	workflowAt(t, fx, "wf-1", pipeline.StateImplementing)

	rec, err := e.process(report(pipeline.FailureCrash))
	require.NoError(t, err)
	assert.Equal(t, pipeline.StrategyContextRefresh, rec.Strategy)
	assert.Contains(t, rec.Metadata, "checkpoint unavailable")
	assert.True(t, rec.Success)
	assert.NotEmpty(t, rec.NewSessionID)
	assert.Empty(t, fx.vcs.restored)
}

func TestRecurrenceAfterCheckpointEscalates(t *testing.T) {
	e, fx := testEngine(t)
	workflowAt(t, fx, "wf-1", pipeline.StateImplementing)
	require.NoError(t, fx.db.InsertCheckpoint("proj-1", "story-1", "ckpt-ref"))

	rec, err := e.process(report(pipeline.FailureCrash))
	require.NoError(t, err)
	require.Equal(t, pipeline.StrategyCheckpoint, rec.Strategy)

	// No forward progress since the rollback: the same episode is still
	// open, so any further failure escalates rather than looping.
	rec, err = e.process(report(pipeline.FailureCrash))
	require.NoError(t, err)
	assert.Equal(t, pipeline.StrategyEscalation, rec.Strategy)
	assert.Contains(t, rec.ErrorDetails, "recurrence after checkpoint recovery")

	p, err := fx.db.GetPipeline("wf-1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateFailed, p.State, "crash severity drives the pipeline to failed")
}

func TestRestoreFailureEscalates(t *testing.T) {
	e, fx := testEngine(t)
	workflowAt(t, fx, "wf-1", pipeline.StateImplementing)
	require.NoError(t, fx.db.InsertCheckpoint("proj-1", "story-1", "ckpt-ref"))
	fx.vcs.restoreErr = fmt.Errorf("object not found")

	rec, err := e.process(report(pipeline.FailureCrash))
	require.NoError(t, err)
	assert.Equal(t, pipeline.StrategyEscalation, rec.Strategy)
	assert.Contains(t, rec.ErrorDetails, "restore failed")

	// Both the failed rollback attempt and the escalation are audited.
	recs, _, err := e.History("wf-1", "", 10, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, pipeline.StrategyEscalation, recs[0].Strategy)
	assert.Equal(t, pipeline.StrategyCheckpoint, recs[1].Strategy)
	assert.False(t, recs[1].Success)

	p, err := fx.db.GetPipeline("wf-1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateFailed, p.State)
}

func TestStuckRefreshesThenRollsBack(t *testing.T) {
	e, fx := testEngine(t)
	workflowAt(t, fx, "wf-1", pipeline.StateImplementing)
	require.NoError(t, fx.db.InsertCheckpoint("proj-1", "story-1", "ckpt-ref"))

	rec, err := e.process(report(pipeline.FailureStuck))
	require.NoError(t, err)
	assert.Equal(t, pipeline.StrategyContextRefresh, rec.Strategy)
	require.Len(t, fx.runtime.started, 1)
	assert.Equal(t, "trimmed", fx.runtime.started[0]["context"])

	// Stuck again in the same episode: escalate to a checkpoint rollback.
	rec, err = e.process(report(pipeline.FailureStuck))
	require.NoError(t, err)
	assert.Equal(t, pipeline.StrategyCheckpoint, rec.Strategy)
	assert.Equal(t, []string{"ckpt-ref"}, fx.vcs.restored)
}

func TestLoopRefreshesContext(t *testing.T) {
	e, fx := testEngine(t)
	workflowAt(t, fx, "wf-1", pipeline.StateImplementing)

	rec, err := e.process(report(pipeline.FailureLoop))
	require.NoError(t, err)
	assert.Equal(t, pipeline.StrategyContextRefresh, rec.Strategy)
	assert.True(t, rec.Success)
	assert.Equal(t, []string{"sess-old"}, fx.runtime.terminated)
}

func TestTimeoutRetries(t *testing.T) {
	e, fx := testEngine(t)
	workflowAt(t, fx, "wf-1", pipeline.StateImplementing)

	// Two consecutive timeouts in one episode: retry with counts 0 then 1.
	for i := 0; i < 2; i++ {
		rec, err := e.process(report(pipeline.FailureTimeout))
		require.NoError(t, err)
		assert.Equal(t, pipeline.StrategyRetry, rec.Strategy)
		assert.Equal(t, i, rec.RetryCount)
		assert.False(t, rec.Success)
	}
}

func TestUnclassifiedEvidenceIsFlagged(t *testing.T) {
	e, fx := testEngine(t)
	workflowAt(t, fx, "wf-1", pipeline.StateImplementing)

	r := report(pipeline.FailureAPIError)
	r.Evidence = detector.Evidence{Unclassified: true}
	rec, err := e.process(r)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StrategyRetry, rec.Strategy)
	assert.Contains(t, rec.Metadata, "unclassified failure")
}

func TestCancelEscalatesOpenEpisode(t *testing.T) {
	e, fx := testEngine(t)
	workflowAt(t, fx, "wf-1", pipeline.StateImplementing)

	_, err := e.process(report(pipeline.FailureTimeout))
	require.NoError(t, err)

	key := Key{WorkflowID: "wf-1", StoryID: "story-1", AgentID: "agent-1"}
	rec, err := e.Cancel(key)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StrategyEscalation, rec.Strategy)
	assert.Equal(t, pipeline.FailureTimeout, rec.FailureType, "cancellation carries the episode's failure type")
	assert.Contains(t, rec.ErrorDetails, "cancelled by operator")

	p, err := fx.db.GetPipeline("wf-1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatePaused, p.State)
}

func TestCancelWithNothingInFlight(t *testing.T) {
	e, fx := testEngine(t)
	workflowAt(t, fx, "wf-1", pipeline.StateImplementing)

	key := Key{WorkflowID: "wf-1", StoryID: "story-1", AgentID: "agent-1"}
	rec, err := e.Cancel(key)
	require.NoError(t, err)
	assert.Equal(t, pipeline.FailureAPIError, rec.FailureType, "ambiguous cancellation defaults to api_error")

	p, err := fx.db.GetPipeline("wf-1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatePaused, p.State)
}

func TestOverrideRecordsManualOutcome(t *testing.T) {
	e, fx := testEngine(t)
	workflowAt(t, fx, "wf-1", pipeline.StateImplementing)

	rec, err := e.Override(OverrideRequest{
		WorkflowID:  "wf-1",
		StoryID:     "story-1",
		SessionID:   "sess-old",
		AgentID:     "agent-1",
		AgentType:   "developer",
		FailureType: pipeline.FailureStuck,
		Success:     true,
		Detail:      "unblocked by hand",
	})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StrategyManualOverride, rec.Strategy)
	assert.True(t, rec.Success)
	assert.Equal(t, "unblocked by hand", rec.ErrorDetails)
	assert.Empty(t, fx.runtime.started, "an override never spawns executions")

	// The override closed the episode: the next failure starts fresh.
	got, err := e.process(report(pipeline.FailureStuck))
	require.NoError(t, err)
	assert.Equal(t, pipeline.StrategyContextRefresh, got.Strategy, "stuck count reset by the override")
}

func TestOverrideRejectsUnknownFailureType(t *testing.T) {
	e, fx := testEngine(t)
	workflowAt(t, fx, "wf-1", pipeline.StateImplementing)

	_, err := e.Override(OverrideRequest{WorkflowID: "wf-1", FailureType: "meltdown"})
	require.Error(t, err)
}

func TestBackoffCaps(t *testing.T) {
	e, _ := testEngine(t)
	assert.Equal(t, 2*time.Second, e.Backoff(0))
	assert.Equal(t, 4*time.Second, e.Backoff(1))
	assert.Equal(t, 32*time.Second, e.Backoff(4))
	assert.Equal(t, 60*time.Second, e.Backoff(5))
	assert.Equal(t, 60*time.Second, e.Backoff(20))
}

func TestHandleFailureAsync(t *testing.T) {
	e, fx := testEngine(t)
	workflowAt(t, fx, "wf-1", pipeline.StateImplementing)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	e.HandleFailure(report(pipeline.FailureLoop))

	require.Eventually(t, func() bool {
		recs, _, err := e.History("wf-1", "", 10, 0)
		return err == nil && len(recs) == 1
	}, 2*time.Second, 10*time.Millisecond, "worker should record the attempt")
}
