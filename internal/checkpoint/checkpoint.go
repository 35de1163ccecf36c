// Package checkpoint maps (project, story) to the latest restorable
// reference. Checkpoints are recorded by the normal pipeline flow at safe
// points, never by recovery itself.
package checkpoint

import (
	"fmt"

	"github.com/stackmill/conveyor/internal/db"
	"github.com/stackmill/conveyor/internal/pipeline"
)

// VersionControl is the external collaborator that performs the restore.
type VersionControl interface {
	RestoreTo(projectID, ref string) error
	CurrentRef(projectID string) (string, error)
}

// Manager records and restores checkpoints.
type Manager struct {
	db  *db.DB
	vcs VersionControl
}

// NewManager creates a Manager.
func NewManager(database *db.DB, vcs VersionControl) *Manager {
	return &Manager{db: database, vcs: vcs}
}

// Create records a restorable reference for (project, story).
func (m *Manager) Create(projectID, storyID, ref string) error {
	if ref == "" {
		return fmt.Errorf("checkpoint ref must not be empty")
	}
	return m.db.InsertCheckpoint(projectID, storyID, ref)
}

// CaptureCurrent records the project's current ref as a checkpoint.
func (m *Manager) CaptureCurrent(projectID, storyID string) (string, error) {
	ref, err := m.vcs.CurrentRef(projectID)
	if err != nil {
		return "", fmt.Errorf("capture current ref: %w", err)
	}
	if err := m.Create(projectID, storyID, ref); err != nil {
		return "", err
	}
	return ref, nil
}

// Latest returns the most recent checkpoint ref for (project, story).
// ErrCheckpointUnavailable is returned when none has been recorded.
func (m *Manager) Latest(projectID, storyID string) (string, error) {
	ref, err := m.db.LatestCheckpoint(projectID, storyID)
	if err != nil {
		return "", err
	}
	if ref == "" {
		return "", fmt.Errorf("story %s: %w", storyID, pipeline.ErrCheckpointUnavailable)
	}
	return ref, nil
}

// Restore rolls a project back to ref via the version-control collaborator.
// A failed restore is reported as ErrRestoreFailed so recovery escalates
// instead of entering a retry loop.
func (m *Manager) Restore(projectID, ref string) error {
	if err := m.vcs.RestoreTo(projectID, ref); err != nil {
		return fmt.Errorf("%w: %v", pipeline.ErrRestoreFailed, err)
	}
	return nil
}
