package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/stackmill/conveyor/internal/pipeline"
)

// TimeLayout is RFC3339 with fixed-width nanoseconds. Trailing zeros are kept
// so UTC timestamps compare lexicographically, which the episode-window
// queries rely on.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func now() string {
	return time.Now().UTC().Format(TimeLayout)
}

// CreatePipeline inserts a new pipeline row at version 1.
func (d *DB) CreatePipeline(p *pipeline.Pipeline) error {
	p.Version = 1
	if p.State == "" {
		p.State = pipeline.StateIdle
	}
	p.EnteredStateAt = now()
	_, err := d.conn.Exec(
		`INSERT INTO pipelines (workflow_id, project_id, workspace_id, state, paused_from, current_story_id, current_agent_id, entered_state_at, version)
		 VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?)`,
		p.WorkflowID, p.ProjectID, p.WorkspaceID, p.State, string(p.PausedFrom),
		p.CurrentStoryID, p.CurrentAgentID, p.EnteredStateAt, p.Version,
	)
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}
	return nil
}

func scanPipeline(row *sql.Row) (*pipeline.Pipeline, error) {
	var p pipeline.Pipeline
	var pausedFrom, storyID, agentID sql.NullString
	err := row.Scan(&p.WorkflowID, &p.ProjectID, &p.WorkspaceID, &p.State,
		&pausedFrom, &storyID, &agentID, &p.EnteredStateAt, &p.Version)
	if err == sql.ErrNoRows {
		return nil, pipeline.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan pipeline: %w", err)
	}
	if pausedFrom.Valid {
		p.PausedFrom = pipeline.State(pausedFrom.String)
	}
	if storyID.Valid {
		p.CurrentStoryID = storyID.String
	}
	if agentID.Valid {
		p.CurrentAgentID = agentID.String
	}
	return &p, nil
}

// GetPipeline reads the live pipeline row for a workflow.
func (d *DB) GetPipeline(workflowID string) (*pipeline.Pipeline, error) {
	row := d.conn.QueryRow(
		`SELECT workflow_id, project_id, workspace_id, state, paused_from, current_story_id, current_agent_id, entered_state_at, version
		 FROM pipelines WHERE workflow_id = ?`,
		workflowID,
	)
	return scanPipeline(row)
}

// ListPipelines returns all pipeline rows ordered by workflow ID.
func (d *DB) ListPipelines() ([]pipeline.Pipeline, error) {
	rows, err := d.conn.Query(
		`SELECT workflow_id, project_id, workspace_id, state, paused_from, current_story_id, current_agent_id, entered_state_at, version
		 FROM pipelines ORDER BY workflow_id`)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	var out []pipeline.Pipeline
	for rows.Next() {
		var p pipeline.Pipeline
		var pausedFrom, storyID, agentID sql.NullString
		if err := rows.Scan(&p.WorkflowID, &p.ProjectID, &p.WorkspaceID, &p.State,
			&pausedFrom, &storyID, &agentID, &p.EnteredStateAt, &p.Version); err != nil {
			return nil, fmt.Errorf("scan pipeline: %w", err)
		}
		if pausedFrom.Valid {
			p.PausedFrom = pipeline.State(pausedFrom.String)
		}
		if storyID.Valid {
			p.CurrentStoryID = storyID.String
		}
		if agentID.Valid {
			p.CurrentAgentID = agentID.String
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ApplyTransition performs the version-checked compare-and-write: it bumps the
// pipeline row and appends the transition record in a single transaction, both
// or neither. A concurrent writer that already consumed expectedVersion yields
// pipeline.ErrVersionConflict; the caller re-reads and retries.
func (d *DB) ApplyTransition(workflowID string, expectedVersion int64, target pipeline.State, pausedFrom pipeline.State, rec *pipeline.TransitionRecord) (*pipeline.Pipeline, error) {
	tx, err := d.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	ts := now()
	res, err := tx.Exec(
		`UPDATE pipelines
		 SET state = ?,
		     paused_from = NULLIF(?, ''),
		     current_story_id = CASE WHEN ? <> '' THEN ? ELSE current_story_id END,
		     current_agent_id = CASE WHEN ? <> '' THEN ? ELSE current_agent_id END,
		     entered_state_at = ?,
		     version = version + 1
		 WHERE workflow_id = ? AND version = ?`,
		string(target), string(pausedFrom),
		rec.StoryID, rec.StoryID,
		rec.AgentID, rec.AgentID,
		ts, workflowID, expectedVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("update pipeline: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		var exists int
		if err := tx.QueryRow("SELECT COUNT(*) FROM pipelines WHERE workflow_id = ?", workflowID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check pipeline exists: %w", err)
		}
		if exists == 0 {
			return nil, fmt.Errorf("pipeline %s: %w", workflowID, pipeline.ErrNotFound)
		}
		return nil, fmt.Errorf("pipeline %s at version %d: %w", workflowID, expectedVersion, pipeline.ErrVersionConflict)
	}

	rec.OccurredAt = ts
	if _, err := tx.Exec(
		`INSERT INTO state_transitions (workflow_id, previous_state, new_state, triggered_by, agent_id, story_id, metadata, error_message, occurred_at)
		 VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?)`,
		rec.WorkflowID, string(rec.PreviousState), string(rec.NewState), rec.TriggeredBy,
		rec.AgentID, rec.StoryID, rec.Metadata, rec.ErrorMessage, rec.OccurredAt,
	); err != nil {
		return nil, fmt.Errorf("insert transition record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return d.GetPipeline(workflowID)
}

// GetTransitions returns the transition history for a workflow, newest first.
// cursor is the id of the last row from the previous page (0 for the first
// page). A non-zero cursor is returned whenever the page is full; when the
// table boundary falls exactly on the limit the next page comes back empty,
// so callers stop on a short or empty page, not on the cursor alone.
func (d *DB) GetTransitions(workflowID string, limit int, cursor int64) ([]pipeline.TransitionRecord, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.conn.Query(
		`SELECT id, workflow_id, previous_state, new_state, triggered_by, agent_id, story_id, metadata, error_message, occurred_at
		 FROM state_transitions
		 WHERE workflow_id = ? AND (? = 0 OR id < ?)
		 ORDER BY id DESC LIMIT ?`,
		workflowID, cursor, cursor, limit,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("get transitions: %w", err)
	}
	defer rows.Close()

	var recs []pipeline.TransitionRecord
	for rows.Next() {
		var r pipeline.TransitionRecord
		var agentID, storyID, metadata, errMsg sql.NullString
		if err := rows.Scan(&r.ID, &r.WorkflowID, &r.PreviousState, &r.NewState, &r.TriggeredBy,
			&agentID, &storyID, &metadata, &errMsg, &r.OccurredAt); err != nil {
			return nil, 0, fmt.Errorf("scan transition: %w", err)
		}
		if agentID.Valid {
			r.AgentID = agentID.String
		}
		if storyID.Valid {
			r.StoryID = storyID.String
		}
		if metadata.Valid {
			r.Metadata = metadata.String
		}
		if errMsg.Valid {
			r.ErrorMessage = errMsg.String
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var next int64
	if len(recs) == limit {
		next = recs[len(recs)-1].ID
	}
	return recs, next, nil
}

// LastForwardProgressAt returns the occurred_at of the most recent transition
// that represents forward progress for a workflow: movement between working
// states or to complete, never into or out of paused/failed. Returns "" when
// no such transition exists. Recovery uses this to close failure episodes.
func (d *DB) LastForwardProgressAt(workflowID string) (string, error) {
	var ts string
	err := d.conn.QueryRow(
		`SELECT occurred_at FROM state_transitions
		 WHERE workflow_id = ?
		   AND previous_state IN ('planning','implementing','qa','deploying')
		   AND new_state IN ('planning','implementing','qa','deploying','complete')
		 ORDER BY id DESC LIMIT 1`,
		workflowID,
	).Scan(&ts)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("last forward progress: %w", err)
	}
	return ts, nil
}

// InsertRecovery appends a failure-recovery record and fills in ID and CreatedAt.
func (d *DB) InsertRecovery(r *pipeline.RecoveryRecord) error {
	r.CreatedAt = now()
	res, err := d.conn.Exec(
		`INSERT INTO failure_recoveries (workflow_id, project_id, story_id, session_id, agent_id, agent_type,
		    failure_type, recovery_strategy, retry_count, checkpoint_ref, new_session_id, success, error_details, duration_ms, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, NULLIF(?, ''), ?, NULLIF(?, ''), ?)`,
		r.WorkflowID, r.ProjectID, r.StoryID, r.SessionID, r.AgentID, r.AgentType,
		string(r.FailureType), string(r.Strategy), r.RetryCount, r.CheckpointRef, r.NewSessionID,
		r.Success, r.ErrorDetails, r.DurationMs, r.Metadata, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert recovery record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("recovery record id: %w", err)
	}
	r.ID = id
	return nil
}

func scanRecoveryRows(rows *sql.Rows) ([]pipeline.RecoveryRecord, error) {
	var recs []pipeline.RecoveryRecord
	for rows.Next() {
		var r pipeline.RecoveryRecord
		var checkpointRef, newSessionID, errDetails, metadata sql.NullString
		var durationMs sql.NullInt64
		if err := rows.Scan(&r.ID, &r.WorkflowID, &r.ProjectID, &r.StoryID, &r.SessionID, &r.AgentID, &r.AgentType,
			&r.FailureType, &r.Strategy, &r.RetryCount, &checkpointRef, &newSessionID,
			&r.Success, &errDetails, &durationMs, &metadata, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recovery record: %w", err)
		}
		if checkpointRef.Valid {
			r.CheckpointRef = checkpointRef.String
		}
		if newSessionID.Valid {
			r.NewSessionID = newSessionID.String
		}
		if errDetails.Valid {
			r.ErrorDetails = errDetails.String
		}
		if durationMs.Valid {
			r.DurationMs = durationMs.Int64
		}
		if metadata.Valid {
			r.Metadata = metadata.String
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

const recoveryColumns = `id, workflow_id, project_id, story_id, session_id, agent_id, agent_type,
	failure_type, recovery_strategy, retry_count, checkpoint_ref, new_session_id,
	success, error_details, duration_ms, metadata, created_at`

// GetRecoveries returns recovery records for a workflow, newest first,
// optionally filtered by story. Pagination mirrors GetTransitions.
func (d *DB) GetRecoveries(workflowID, storyID string, limit int, cursor int64) ([]pipeline.RecoveryRecord, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.conn.Query(
		`SELECT `+recoveryColumns+`
		 FROM failure_recoveries
		 WHERE workflow_id = ? AND (? = '' OR story_id = ?) AND (? = 0 OR id < ?)
		 ORDER BY id DESC LIMIT ?`,
		workflowID, storyID, storyID, cursor, cursor, limit,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("get recoveries: %w", err)
	}
	defer rows.Close()

	recs, err := scanRecoveryRows(rows)
	if err != nil {
		return nil, 0, err
	}
	var next int64
	if len(recs) == limit {
		next = recs[len(recs)-1].ID
	}
	return recs, next, nil
}

// EpisodeRecords returns recovery records for one episode key
// (workflow, story, agent) created strictly after since, oldest first.
func (d *DB) EpisodeRecords(workflowID, storyID, agentID, since string) ([]pipeline.RecoveryRecord, error) {
	rows, err := d.conn.Query(
		`SELECT `+recoveryColumns+`
		 FROM failure_recoveries
		 WHERE workflow_id = ? AND story_id = ? AND agent_id = ? AND created_at > ?
		 ORDER BY id ASC`,
		workflowID, storyID, agentID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("episode records: %w", err)
	}
	defer rows.Close()
	return scanRecoveryRows(rows)
}

// InsertCheckpoint records a restorable reference for (project, story).
func (d *DB) InsertCheckpoint(projectID, storyID, ref string) error {
	_, err := d.conn.Exec(
		`INSERT INTO checkpoints (project_id, story_id, ref, created_at) VALUES (?, ?, ?, ?)`,
		projectID, storyID, ref, now(),
	)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint returns the most recent checkpoint ref for (project, story),
// or "" when none has been recorded.
func (d *DB) LatestCheckpoint(projectID, storyID string) (string, error) {
	var ref string
	err := d.conn.QueryRow(
		`SELECT ref FROM checkpoints WHERE project_id = ? AND story_id = ? ORDER BY id DESC LIMIT 1`,
		projectID, storyID,
	).Scan(&ref)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest checkpoint: %w", err)
	}
	return ref, nil
}
