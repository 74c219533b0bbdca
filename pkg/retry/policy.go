// Package retry computes retry delays and retry eligibility per spec §4.5.
package retry

import (
	"math/rand/v2"
	"time"

	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/model"
)

// Delay returns the wait time after the failed attempt (1-indexed) before the
// next one runs, applying
// exponential backoff and jitter per the policy, clamped to >= 0. Jitter uses
// math/rand/v2 — no pack dependency offers backoff-with-jitter worth adopting
// over this arithmetic (see DESIGN.md).
func Delay(policy model.RetryPolicy, attempt int) time.Duration {
	base := policy.DelaySeconds
	if policy.ExponentialBackoff && attempt > 1 {
		base *= float64(uint64(1) << uint(attempt-1))
	}

	jitter := policy.JitterFraction
	if jitter > 0 {
		factor := 1 + (rand.Float64()*2-1)*jitter
		base *= factor
	}

	if base < 0 {
		base = 0
	}
	return time.Duration(base * float64(time.Second))
}

// ShouldRetry reports whether, after attempt (the number of attempts already
// made, 1-indexed) failed, another attempt is still within the policy's budget.
func ShouldRetry(policy model.RetryPolicy, attempt int) bool {
	return attempt < policy.MaxAttempts
}
