package failure

import (
	"math"
	"time"

	"github.com/phrazzld/taskhive/internal/queue"
)

// jitterLow and jitterHigh bound the uniform jitter factor applied when a
// policy enables jitter.
const (
	jitterLow  = 0.8
	jitterHigh = 1.2
)

// Backoff computes the deterministic retry delay for the given policy and
// retry count: the strategy's raw delay clamped to the policy's max. Jitter
// is applied separately by BackoffWithJitter so tests and callers that need
// reproducibility use this function directly.
func Backoff(policy queue.RetryPolicy, retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}

	var seconds float64
	switch policy.Strategy {
	case queue.StrategyFixedDelay:
		seconds = policy.BaseDelay
	case queue.StrategyLinearBackoff:
		seconds = policy.BaseDelay * float64(retryCount+1)
	case queue.StrategyExponentialBackoff:
		factor := policy.BackoffFactor
		if factor <= 0 {
			factor = 2
		}
		seconds = policy.BaseDelay * math.Pow(factor, float64(retryCount))
	case queue.StrategyImmediate:
		return 0
	default:
		seconds = policy.BaseDelay
	}

	if policy.MaxDelay > 0 && seconds > policy.MaxDelay {
		seconds = policy.MaxDelay
	}
	if seconds < 0 {
		seconds = 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// BackoffWithJitter applies the policy's jitter flag on top of Backoff,
// multiplying the clamped delay by a uniform factor in [0.8, 1.2]. The random
// source is injected so the handler can be tested deterministically; rand01
// must return values in [0, 1).
func BackoffWithJitter(policy queue.RetryPolicy, retryCount int, rand01 func() float64) time.Duration {
	delay := Backoff(policy, retryCount)
	if !policy.Jitter || delay == 0 || rand01 == nil {
		return delay
	}
	factor := jitterLow + (jitterHigh-jitterLow)*rand01()
	return time.Duration(float64(delay) * factor)
}
