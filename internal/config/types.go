package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure parsed from conveyor YAML.
type Config struct {
	Orchestrator Orchestrator `yaml:"orchestrator"`
}

// Orchestrator defines retry bounds, detection windows, per-state budgets,
// and the failure-severity mapping used at escalation time.
type Orchestrator struct {
	Name          string              `yaml:"name"`
	MaxRetries    int                 `yaml:"max_retries"`
	BackoffBase   Duration            `yaml:"backoff_base"`
	BackoffCap    Duration            `yaml:"backoff_cap"`
	EpisodeWindow Duration            `yaml:"episode_window"`
	Detector      Detector            `yaml:"detector"`
	Budgets       map[string]Duration `yaml:"budgets"`  // per-state no-progress budgets
	Severity      map[string]string   `yaml:"severity"` // failure type -> "failed" | "paused"
	NotifyURL     string              `yaml:"notify_url"`
	RuntimeURL    string              `yaml:"runtime_url"`
	ProjectsRoot  string              `yaml:"projects_root"`
	Port          int                 `yaml:"port"`
}

// Detector holds the failure-detection window sizes.
type Detector struct {
	PollInterval  Duration `yaml:"poll_interval"`
	StuckPolls    int      `yaml:"stuck_polls"`
	LoopThreshold int      `yaml:"loop_threshold"`
}

// Duration wraps time.Duration so configs can say "30m" or "5s".
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML renders the duration in time.Duration notation.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
