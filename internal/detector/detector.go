// Package detector watches in-flight agent executions and classifies
// anomalies. It never mutates pipeline state; it only reports evidence to the
// recovery engine.
package detector

import (
	"context"
	"log/slog"
	"time"

	"github.com/stackmill/conveyor/internal/agent"
	"github.com/stackmill/conveyor/internal/pipeline"
)

// Config holds the detection windows for one monitored execution. Budget is
// the per-state no-progress allowance, so qa and deploying can tolerate
// different idle windows than implementing.
type Config struct {
	PollInterval  time.Duration
	StuckPolls    int // unchanged progress signal across this many polls => stuck
	LoopThreshold int // identical action signature this many times => loop
	Budget        time.Duration
}

// Evidence is what the detector saw when it classified a failure.
type Evidence struct {
	LastProgressAt time.Time `json:"last_progress_at"`
	RepeatCount    int       `json:"repeat_count,omitempty"`
	ExitCode       *int      `json:"exit_code,omitempty"`
	ProviderError  string    `json:"provider_error,omitempty"`
	// Unclassified marks ambiguous evidence that defaulted to api_error
	// and is flagged for review.
	Unclassified bool `json:"unclassified,omitempty"`
}

// Report is the detector's verdict for one execution: exactly one failure
// type per episode, plus the evidence behind it.
type Report struct {
	Handle   *agent.Handle        `json:"handle"`
	Type     pipeline.FailureType `json:"type"`
	Evidence Evidence             `json:"evidence"`
}

// Detector observes executions through the agent runtime.
type Detector struct {
	runtime agent.Runtime
	logger  *slog.Logger
}

// New creates a Detector.
func New(runtime agent.Runtime, logger *slog.Logger) *Detector {
	return &Detector{runtime: runtime, logger: logger}
}

// Monitor polls the execution until it exits cleanly (nil report), a failure
// is classified (non-nil report), or ctx is cancelled. It runs as an
// independent, non-blocking watcher: one Monitor per active execution.
func (d *Detector) Monitor(ctx context.Context, h *agent.Handle, cfg Config) (*Report, error) {
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	var (
		lastProgress  = time.Now()
		lastSignal    string
		unchanged     int
		lastSignature string
		sigRepeats    int
	)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		st, err := d.runtime.ExecutionStatus(h)
		if err != nil {
			// Evidence is ambiguous when the runtime itself is unreachable:
			// default to api_error, flagged for review.
			d.logger.Warn("execution status unavailable", "session", h.SessionID, "error", err)
			return &Report{
				Handle: h,
				Type:   pipeline.FailureAPIError,
				Evidence: Evidence{
					LastProgressAt: lastProgress,
					ProviderError:  err.Error(),
					Unclassified:   true,
				},
			}, nil
		}

		if st.ExitCode != nil {
			if *st.ExitCode == 0 {
				return nil, nil
			}
			return &Report{
				Handle: h,
				Type:   pipeline.FailureCrash,
				Evidence: Evidence{
					LastProgressAt: lastProgress,
					ExitCode:       st.ExitCode,
				},
			}, nil
		}

		if st.ProviderError != "" {
			return &Report{
				Handle: h,
				Type:   pipeline.FailureAPIError,
				Evidence: Evidence{
					LastProgressAt: lastProgress,
					ProviderError:  st.ProviderError,
				},
			}, nil
		}

		if st.ActionSignature != "" && st.ActionSignature == lastSignature {
			sigRepeats++
		} else {
			sigRepeats = 1
		}
		lastSignature = st.ActionSignature
		if sigRepeats >= cfg.LoopThreshold {
			return &Report{
				Handle: h,
				Type:   pipeline.FailureLoop,
				Evidence: Evidence{
					LastProgressAt: lastProgress,
					RepeatCount:    sigRepeats,
				},
			}, nil
		}

		if st.ProgressSignal != lastSignal {
			lastSignal = st.ProgressSignal
			lastProgress = time.Now()
			unchanged = 0
		} else {
			unchanged++
		}
		if unchanged >= cfg.StuckPolls {
			return &Report{
				Handle: h,
				Type:   pipeline.FailureStuck,
				Evidence: Evidence{
					LastProgressAt: lastProgress,
					RepeatCount:    unchanged,
				},
			}, nil
		}

		if cfg.Budget > 0 && time.Since(lastProgress) > cfg.Budget {
			return &Report{
				Handle: h,
				Type:   pipeline.FailureTimeout,
				Evidence: Evidence{
					LastProgressAt: lastProgress,
				},
			}, nil
		}
	}
}
