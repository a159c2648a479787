package jobqueue

import (
	"math/rand"

	"github.com/scanq/scanq/internal/config"
)

// BackoffDelayMs computes the delay before a job's next attempt.
// attempts is the number of attempts consumed so far (>= 1 on any
// failure path). Exponential doubles per attempt: base * 2^(attempts-1),
// optionally capped and jittered by up to 10%.
func BackoffDelayMs(policy config.BackoffConfig, attempts int) int64 {
	if attempts < 1 {
		attempts = 1
	}
	delay := policy.BaseDelayMs
	if policy.Type == config.BackoffExponential {
		for i := 1; i < attempts; i++ {
			delay *= 2
			if policy.MaxDelayMs > 0 && delay >= policy.MaxDelayMs {
				delay = policy.MaxDelayMs
				break
			}
		}
		if policy.MaxDelayMs > 0 && delay > policy.MaxDelayMs {
			delay = policy.MaxDelayMs
		}
	}
	if policy.Jitter && delay > 0 {
		delay += rand.Int63n(delay/10 + 1)
	}
	return delay
}
