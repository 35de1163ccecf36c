package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads and parses an orchestrator configuration from the given YAML
// file path, then applies defaults for anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a config in standard locations and loads the first
// one found. Search order: ./conveyor.yaml, ~/.conveyor/config.yaml. When
// neither exists it returns a default config rather than an error, so the
// orchestrator can run with built-in policy.
func LoadDefault() (*Config, error) {
	candidates := []string{"conveyor.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".conveyor", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	cfg := &Config{}
	applyDefaults(cfg)
	return cfg, nil
}

// applyDefaults fills unset fields with the built-in policy.
func applyDefaults(cfg *Config) {
	o := &cfg.Orchestrator

	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.BackoffBase == 0 {
		o.BackoffBase = Duration(2 * time.Second)
	}
	if o.BackoffCap == 0 {
		o.BackoffCap = Duration(60 * time.Second)
	}
	if o.EpisodeWindow == 0 {
		o.EpisodeWindow = Duration(30 * time.Minute)
	}
	if o.Detector.PollInterval == 0 {
		o.Detector.PollInterval = Duration(5 * time.Second)
	}
	if o.Detector.StuckPolls == 0 {
		o.Detector.StuckPolls = 4
	}
	if o.Detector.LoopThreshold == 0 {
		o.Detector.LoopThreshold = 3
	}
	if o.Port == 0 {
		o.Port = 8080
	}

	// qa and deploying tolerate different idle windows than implementing.
	defaults := map[string]Duration{
		"planning":     Duration(10 * time.Minute),
		"implementing": Duration(30 * time.Minute),
		"qa":           Duration(15 * time.Minute),
		"deploying":    Duration(20 * time.Minute),
	}
	if o.Budgets == nil {
		o.Budgets = make(map[string]Duration)
	}
	for state, d := range defaults {
		if _, ok := o.Budgets[state]; !ok {
			o.Budgets[state] = d
		}
	}

	// Crashes are the only failures escalated as unrecoverable by default;
	// everything else pauses for operator input.
	severityDefaults := map[string]string{
		"crash":     "failed",
		"timeout":   "paused",
		"stuck":     "paused",
		"loop":      "paused",
		"api_error": "paused",
	}
	if o.Severity == nil {
		o.Severity = make(map[string]string)
	}
	for ft, target := range severityDefaults {
		if _, ok := o.Severity[ft]; !ok {
			o.Severity[ft] = target
		}
	}
}
