// Package backoff computes retry delays as a pure function of attempt
// number and configuration. It holds no state and starts no timers; the
// BrokerPublisher implementation (internal/broker/rabbitmq.Publisher.Retry)
// turns a Delay result into an actual scheduled redelivery.
package backoff

import (
	"math/rand/v2"
	"time"

	"github.com/shaiso/sagaflow/internal/workflow"
)

// Delay returns how long to wait before attempt number attempt (1-based:
// attempt=1 is the delay before the first retry, i.e. after the initial
// delivery failed). src may be nil, in which case a package-level source
// is used; pass a seeded *rand.Rand in tests to make jittered strategies
// deterministic.
func Delay(attempt int, cfg workflow.RetryConfig, src *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := time.Duration(cfg.BaseMillis) * time.Millisecond
	max := time.Duration(cfg.MaxMillis) * time.Millisecond
	if max <= 0 {
		max = base
	}

	mult := cfg.Multiplier
	if mult <= 0 {
		mult = 2
	}

	switch cfg.Strategy {
	case workflow.BackoffFixed:
		return capped(base, max)

	case workflow.BackoffExponential:
		return capped(exponential(base, mult, attempt), max)

	case workflow.BackoffExponentialJitter:
		cap := capped(exponential(base, mult, attempt), max)
		return randDuration(src, jitterFloor(cap, cfg.JitterFraction), cap)

	case workflow.BackoffDecorrelatedJitter:
		// No "previous" delay is available from a pure (attempt, cfg)
		// signature, so the decorrelated walk is seeded from the
		// exponential curve at attempt-1 — see DecorrelatedJitter for the
		// stateful variant that takes an explicit previous value.
		previous := capped(exponential(base, mult, attempt-1), max)
		return DecorrelatedJitter(previous, base, max, src)

	default:
		return capped(base, max)
	}
}

// DecorrelatedJitter implements the AWS-style "decorrelated jitter"
// backoff: next = min(max, random(initial, previous*3)). Callers that
// track the previous delay themselves (rather than deriving it from
// attempt number via Delay) should call this directly.
func DecorrelatedJitter(previous, initial, max time.Duration, src *rand.Rand) time.Duration {
	if previous <= 0 {
		previous = initial
	}
	upper := previous * 3
	if upper < initial {
		upper = initial
	}
	return randDuration(src, initial, capped(upper, max))
}

func exponential(base time.Duration, multiplier float64, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * multiplier)
		if d <= 0 { // overflow guard
			return time.Duration(1<<62 - 1)
		}
	}
	return d
}

// jitterFloor implements spec.md §4.4's jitter = f ∈ (0,1]: the lower
// bound of the uniform band [cap·(1-f), cap]. f<=0 defaults to 1 (full
// jitter, floor 0); f>1 is clamped to 1.
func jitterFloor(cap time.Duration, f float64) time.Duration {
	if f <= 0 || f > 1 {
		f = 1
	}
	floor := time.Duration(float64(cap) * (1 - f))
	if floor < 0 {
		floor = 0
	}
	return floor
}

func capped(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	if d < 0 {
		return 0
	}
	return d
}

// randDuration returns a uniform value in [lo, hi]. If hi <= lo, lo is
// returned.
func randDuration(src *rand.Rand, lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	span := int64(hi - lo)
	var n int64
	if src == nil {
		n = rand.Int64N(span + 1)
	} else {
		n = src.Int64N(span + 1)
	}
	return lo + time.Duration(n)
}
