// Package vcs is the version-control collaborator used by checkpoint
// restore. Only two operations are owned here: reading the current ref and
// forcing a tree back to a known-good one.
package vcs

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// GitRunner provides git commands. Interface for testing.
type GitRunner interface {
	Run(dir string, args ...string) (string, error)
}

// ExecGit implements GitRunner using exec.Command.
type ExecGit struct{}

func (g *ExecGit) Run(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Client resolves project IDs to repository directories under a root and
// runs git against them.
type Client struct {
	git  GitRunner
	root string // projects live at <root>/<projectID>
}

// NewClient creates a Client rooted at the given projects directory.
func NewClient(git GitRunner, root string) *Client {
	return &Client{git: git, root: root}
}

func (c *Client) projectDir(projectID string) string {
	return filepath.Join(c.root, projectID)
}

// CurrentRef returns the commit hash at HEAD for a project.
func (c *Client) CurrentRef(projectID string) (string, error) {
	out, err := c.git.Run(c.projectDir(projectID), "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("current ref: %w", err)
	}
	return out, nil
}

// RestoreTo hard-resets a project's working tree to the given ref.
func (c *Client) RestoreTo(projectID, ref string) error {
	if _, err := c.git.Run(c.projectDir(projectID), "reset", "--hard", ref); err != nil {
		return fmt.Errorf("restore to %s: %w", ref, err)
	}
	if _, err := c.git.Run(c.projectDir(projectID), "clean", "-fd"); err != nil {
		return fmt.Errorf("clean after restore: %w", err)
	}
	return nil
}
