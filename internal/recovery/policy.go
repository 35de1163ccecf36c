package recovery

import (
	"time"

	"github.com/stackmill/conveyor/internal/pipeline"
)

// decide maps (failure type, episode history) to a recovery strategy.
// manual_override is never selected here; it is only recorded when an
// operator forces an outcome.
func (e *Engine) decide(ep *Episode, ft pipeline.FailureType, hasCheckpoint bool) (pipeline.Strategy, string) {
	if ep.CheckpointUsed {
		return pipeline.StrategyEscalation, "recurrence after checkpoint recovery"
	}

	switch ft {
	case pipeline.FailureAPIError, pipeline.FailureTimeout:
		if ep.RetryCount >= e.cfg.MaxRetries {
			return pipeline.StrategyEscalation, pipeline.ErrRecoveryExhausted.Error()
		}
		return pipeline.StrategyRetry, ""

	case pipeline.FailureCrash:
		if hasCheckpoint {
			return pipeline.StrategyCheckpoint, ""
		}
		return pipeline.StrategyContextRefresh, pipeline.ErrCheckpointUnavailable.Error()

	case pipeline.FailureStuck:
		if ep.StuckCount == 0 {
			return pipeline.StrategyContextRefresh, ""
		}
		if hasCheckpoint {
			return pipeline.StrategyCheckpoint, ""
		}
		return pipeline.StrategyContextRefresh, pipeline.ErrCheckpointUnavailable.Error()

	case pipeline.FailureLoop:
		return pipeline.StrategyContextRefresh, ""
	}

	// Unknown types default to api_error handling, flagged for review.
	if ep.RetryCount >= e.cfg.MaxRetries {
		return pipeline.StrategyEscalation, pipeline.ErrRecoveryExhausted.Error()
	}
	return pipeline.StrategyRetry, pipeline.ErrUnclassifiedFailure.Error()
}

// Backoff returns the delay before the nth retry: base*2^n, capped.
func (e *Engine) Backoff(retryCount int) time.Duration {
	d := e.cfg.BackoffBase
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= e.cfg.BackoffCap {
			return e.cfg.BackoffCap
		}
	}
	if d > e.cfg.BackoffCap {
		return e.cfg.BackoffCap
	}
	return d
}
