package machine

import (
	"errors"
	"testing"

	"github.com/stackmill/conveyor/internal/db"
	"github.com/stackmill/conveyor/internal/pipeline"
)

func testMachine(t *testing.T) (*Machine, *db.DB) {
	t.Helper()
	d, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return New(d), d
}

func createWorkflow(t *testing.T, d *db.DB, id string) {
	t.Helper()
	if err := d.CreatePipeline(&pipeline.Pipeline{
		WorkflowID:  id,
		ProjectID:   "proj-1",
		WorkspaceID: "ws-1",
	}); err != nil {
		t.Fatalf("create pipeline: %v", err)
	}
}

// Full happy path: idle through every working state to complete, with the
// version increasing by exactly one per transition and an audit record each.
func TestTransitionHappyPath(t *testing.T) {
	m, d := testMachine(t)
	createWorkflow(t, d, "wf-1")

	path := []pipeline.State{
		pipeline.StatePlanning,
		pipeline.StateImplementing,
		pipeline.StateQA,
		pipeline.StateDeploying,
		pipeline.StateComplete,
	}
	wantVersion := int64(1)
	for _, target := range path {
		p, err := m.Transition("wf-1", target, TransitionOpts{Actor: "test", StoryID: "story-1"})
		if err != nil {
			t.Fatalf("transition to %s: %v", target, err)
		}
		wantVersion++
		if p.Version != wantVersion {
			t.Errorf("after %s: version = %d, want %d", target, p.Version, wantVersion)
		}
		if p.State != target {
			t.Errorf("state = %s, want %s", p.State, target)
		}
	}

	recs, _, err := m.History("wf-1", 10, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(recs) != len(path) {
		t.Errorf("expected %d audit records, got %d", len(path), len(recs))
	}
	// Newest first: the last transition is deploying -> complete.
	if recs[0].PreviousState != pipeline.StateDeploying || recs[0].NewState != pipeline.StateComplete {
		t.Errorf("unexpected newest record: %+v", recs[0])
	}
}

func TestTransitionIllegalEdge(t *testing.T) {
	m, d := testMachine(t)
	createWorkflow(t, d, "wf-1")

	_, err := m.Transition("wf-1", pipeline.StateDeploying, TransitionOpts{Actor: "test"})
	if !errors.Is(err, pipeline.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	// Rejection must leave no trace: same state, same version, empty log.
	p, err := m.Get("wf-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.State != pipeline.StateIdle || p.Version != 1 {
		t.Errorf("rejected transition mutated state: %s v%d", p.State, p.Version)
	}
	recs, _, err := m.History("wf-1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("rejected transition should not be audited, got %d records", len(recs))
	}
}

func TestTransitionUnknownState(t *testing.T) {
	m, d := testMachine(t)
	createWorkflow(t, d, "wf-1")

	_, err := m.Transition("wf-1", pipeline.State("warp"), TransitionOpts{Actor: "test"})
	if !errors.Is(err, pipeline.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for unknown state, got %v", err)
	}
}

func TestTransitionNotFound(t *testing.T) {
	m, _ := testMachine(t)
	_, err := m.Transition("missing", pipeline.StatePlanning, TransitionOpts{Actor: "test"})
	if !errors.Is(err, pipeline.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPausedResumesOnlyToOrigin(t *testing.T) {
	m, d := testMachine(t)
	createWorkflow(t, d, "wf-1")

	for _, target := range []pipeline.State{pipeline.StatePlanning, pipeline.StateImplementing, pipeline.StatePaused} {
		if _, err := m.Transition("wf-1", target, TransitionOpts{Actor: "test"}); err != nil {
			t.Fatalf("to %s: %v", target, err)
		}
	}

	p, err := m.Get("wf-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.PausedFrom != pipeline.StateImplementing {
		t.Fatalf("paused_from = %q, want implementing", p.PausedFrom)
	}

	// qa is a legal edge from paused in general, but not for this origin.
	_, err = m.Transition("wf-1", pipeline.StateQA, TransitionOpts{Actor: "test"})
	if !errors.Is(err, pipeline.ErrInvalidTransition) {
		t.Fatalf("resume to non-origin should be rejected, got %v", err)
	}

	p, err = m.Transition("wf-1", pipeline.StateImplementing, TransitionOpts{Actor: "test"})
	if err != nil {
		t.Fatalf("resume to origin: %v", err)
	}
	if p.State != pipeline.StateImplementing || p.PausedFrom != "" {
		t.Errorf("after resume: state=%s paused_from=%q", p.State, p.PausedFrom)
	}
}

func TestCompleteIsTerminal(t *testing.T) {
	m, d := testMachine(t)
	createWorkflow(t, d, "wf-1")

	for _, target := range []pipeline.State{
		pipeline.StatePlanning, pipeline.StateImplementing,
		pipeline.StateQA, pipeline.StateDeploying, pipeline.StateComplete,
	} {
		if _, err := m.Transition("wf-1", target, TransitionOpts{Actor: "test"}); err != nil {
			t.Fatalf("to %s: %v", target, err)
		}
	}

	for _, target := range pipeline.States {
		if _, err := m.Transition("wf-1", target, TransitionOpts{Actor: "test"}); !errors.Is(err, pipeline.ErrInvalidTransition) {
			t.Errorf("complete -> %s should be rejected, got %v", target, err)
		}
	}
}

func TestFailedRestartsToPlanning(t *testing.T) {
	m, d := testMachine(t)
	createWorkflow(t, d, "wf-1")

	for _, target := range []pipeline.State{pipeline.StatePlanning, pipeline.StateFailed} {
		if _, err := m.Transition("wf-1", target, TransitionOpts{Actor: "test"}); err != nil {
			t.Fatalf("to %s: %v", target, err)
		}
	}

	p, err := m.Transition("wf-1", pipeline.StatePlanning, TransitionOpts{Actor: "operator"})
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if p.State != pipeline.StatePlanning {
		t.Errorf("state = %s, want planning", p.State)
	}
	// The failed episode stays in the audit log.
	recs, _, err := m.History("wf-1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Errorf("expected 3 audit records, got %d", len(recs))
	}
}

// A stale proposer loses the version race at the storage layer even when its
// edge would have been legal against the state it read.
func TestVersionConflictOnStaleWrite(t *testing.T) {
	m, d := testMachine(t)
	createWorkflow(t, d, "wf-1")

	p, err := m.Transition("wf-1", pipeline.StatePlanning, TransitionOpts{Actor: "a"})
	if err != nil {
		t.Fatal(err)
	}

	// Writer B advances the pipeline; writer A then applies against the
	// version it read before B's write.
	if _, err := m.Transition("wf-1", pipeline.StateImplementing, TransitionOpts{Actor: "b"}); err != nil {
		t.Fatal(err)
	}

	_, err = d.ApplyTransition("wf-1", p.Version, pipeline.StateImplementing, "", &pipeline.TransitionRecord{
		WorkflowID:    "wf-1",
		PreviousState: pipeline.StatePlanning,
		NewState:      pipeline.StateImplementing,
		TriggeredBy:   "a",
	})
	if !errors.Is(err, pipeline.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	// Retry after re-read: the machine revalidates against fresh state, and
	// the duplicate request is now an illegal edge, not a second apply.
	_, err = m.Transition("wf-1", pipeline.StateImplementing, TransitionOpts{Actor: "a"})
	if !errors.Is(err, pipeline.ErrInvalidTransition) {
		t.Fatalf("replayed transition should be rejected on re-read, got %v", err)
	}
}

func TestTransitionRecordsStoryAndAgent(t *testing.T) {
	m, d := testMachine(t)
	createWorkflow(t, d, "wf-1")

	p, err := m.Transition("wf-1", pipeline.StatePlanning, TransitionOpts{
		Actor:   "api",
		StoryID: "story-9",
		AgentID: "agent-7",
	})
	if err != nil {
		t.Fatal(err)
	}
	if p.CurrentStoryID != "story-9" || p.CurrentAgentID != "agent-7" {
		t.Errorf("live row story/agent = %q/%q", p.CurrentStoryID, p.CurrentAgentID)
	}

	// A transition without story/agent keeps the current ones.
	p, err = m.Transition("wf-1", pipeline.StateImplementing, TransitionOpts{Actor: "api"})
	if err != nil {
		t.Fatal(err)
	}
	if p.CurrentStoryID != "story-9" {
		t.Errorf("story should persist across transitions, got %q", p.CurrentStoryID)
	}
}
