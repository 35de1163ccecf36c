package recovery

import (
	"fmt"
	"time"

	"github.com/stackmill/conveyor/internal/db"
	"github.com/stackmill/conveyor/internal/pipeline"
)

// Key identifies one failure episode: a bounded sequence of recovery attempts
// for one agent's work on one story.
type Key struct {
	WorkflowID string
	StoryID    string
	AgentID    string
}

// Episode is the replayed recovery history for one open episode. It is
// derived from the audit log rather than held in memory, so episode state
// survives process restarts.
type Episode struct {
	// RetryCount is the number of retry-class attempts already made. It
	// increments only within the retry strategy class; switching strategy
	// class does not increment it.
	RetryCount int
	// StuckCount is the number of stuck failures already handled.
	StuckCount int
	// CheckpointUsed reports whether checkpoint_recovery was already used
	// once in this episode. Any recurrence after that escalates.
	CheckpointUsed bool
	// Attempts is the total number of records in the open episode.
	Attempts int
}

// episode rebuilds the open episode for key by replaying recovery records.
// The episode is cut at the last forward-progress transition (a successful
// recovery closes the episode) and at the configured episode window;
// escalation and manual_override records also end an episode, so later
// failures start fresh.
func (e *Engine) episode(key Key) (*Episode, error) {
	since := time.Now().Add(-e.cfg.EpisodeWindow).UTC().Format(db.TimeLayout)
	forward, err := e.db.LastForwardProgressAt(key.WorkflowID)
	if err != nil {
		return nil, err
	}
	if forward > since {
		since = forward
	}

	recs, err := e.db.EpisodeRecords(key.WorkflowID, key.StoryID, key.AgentID, since)
	if err != nil {
		return nil, fmt.Errorf("replay episode: %w", err)
	}

	ep := &Episode{}
	for _, r := range recs {
		switch r.Strategy {
		case pipeline.StrategyEscalation, pipeline.StrategyManualOverride:
			// The episode ended here; anything after starts fresh.
			ep = &Episode{}
			continue
		case pipeline.StrategyRetry:
			ep.RetryCount++
		case pipeline.StrategyCheckpoint:
			ep.CheckpointUsed = true
		}
		if r.FailureType == pipeline.FailureStuck {
			ep.StuckCount++
		}
		ep.Attempts++
	}
	return ep, nil
}
