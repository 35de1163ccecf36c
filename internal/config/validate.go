package config

import (
	"fmt"

	"github.com/stackmill/conveyor/internal/pipeline"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	o := cfg.Orchestrator

	if o.MaxRetries < 0 {
		errs = append(errs, ValidationError{Field: "orchestrator.max_retries", Message: "must not be negative"})
	}
	if o.BackoffBase < 0 {
		errs = append(errs, ValidationError{Field: "orchestrator.backoff_base", Message: "must not be negative"})
	}
	if o.BackoffCap < o.BackoffBase {
		errs = append(errs, ValidationError{Field: "orchestrator.backoff_cap", Message: "must be at least backoff_base"})
	}
	if o.EpisodeWindow <= 0 {
		errs = append(errs, ValidationError{Field: "orchestrator.episode_window", Message: "must be positive"})
	}
	if o.Detector.PollInterval <= 0 {
		errs = append(errs, ValidationError{Field: "orchestrator.detector.poll_interval", Message: "must be positive"})
	}
	if o.Detector.StuckPolls < 2 {
		errs = append(errs, ValidationError{Field: "orchestrator.detector.stuck_polls", Message: "must be at least 2"})
	}
	if o.Detector.LoopThreshold < 2 {
		errs = append(errs, ValidationError{Field: "orchestrator.detector.loop_threshold", Message: "must be at least 2"})
	}

	for state := range o.Budgets {
		if !pipeline.State(state).Working() {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("orchestrator.budgets[%s]", state),
				Message: "not a working state",
			})
		}
	}

	for ft, target := range o.Severity {
		if !pipeline.FailureType(ft).Valid() {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("orchestrator.severity[%s]", ft),
				Message: "unknown failure type",
			})
		}
		if target != string(pipeline.StateFailed) && target != string(pipeline.StatePaused) {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("orchestrator.severity[%s]", ft),
				Message: fmt.Sprintf("escalation target must be %q or %q, got %q", pipeline.StateFailed, pipeline.StatePaused, target),
			})
		}
	}

	return errs
}
