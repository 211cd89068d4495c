package backoff

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/shaiso/sagaflow/internal/workflow"
)

func TestDelay_Fixed(t *testing.T) {
	cfg := workflow.RetryConfig{Strategy: workflow.BackoffFixed, BaseMillis: 500}
	for attempt := 1; attempt <= 5; attempt++ {
		if got := Delay(attempt, cfg, nil); got != 500*time.Millisecond {
			t.Errorf("attempt %d: got %v, want 500ms", attempt, got)
		}
	}
}

func TestDelay_Exponential_CapsAtMax(t *testing.T) {
	cfg := workflow.RetryConfig{
		Strategy:   workflow.BackoffExponential,
		BaseMillis: 100,
		MaxMillis:  1000,
	}

	got := Delay(1, cfg, nil)
	if got != 100*time.Millisecond {
		t.Errorf("attempt 1: got %v, want 100ms", got)
	}

	got = Delay(3, cfg, nil) // 100 * 2^2 = 400
	if got != 400*time.Millisecond {
		t.Errorf("attempt 3: got %v, want 400ms", got)
	}

	got = Delay(10, cfg, nil) // would overflow past max
	if got != 1000*time.Millisecond {
		t.Errorf("attempt 10: got %v, want capped 1000ms", got)
	}
}

func TestDelay_Exponential_CustomMultiplier(t *testing.T) {
	cfg := workflow.RetryConfig{
		Strategy:   workflow.BackoffExponential,
		BaseMillis: 100,
		MaxMillis:  10000,
		Multiplier: 3,
	}

	got := Delay(3, cfg, nil) // 100 * 3^2 = 900
	if got != 900*time.Millisecond {
		t.Errorf("attempt 3: got %v, want 900ms", got)
	}
}

func TestDelay_ExponentialJitter_StaysWithinBounds(t *testing.T) {
	cfg := workflow.RetryConfig{
		Strategy:       workflow.BackoffExponentialJitter,
		BaseMillis:     100,
		MaxMillis:      2000,
		JitterFraction: 1.0,
	}
	src := rand.New(rand.NewPCG(1, 2))

	for attempt := 1; attempt <= 20; attempt++ {
		d := Delay(attempt, cfg, src)
		capExpected := capped(exponential(100*time.Millisecond, 2, attempt), 2000*time.Millisecond)
		if d < 0 || d > capExpected {
			t.Fatalf("attempt %d: delay %v out of bounds [0, %v]", attempt, d, capExpected)
		}
	}
}

func TestDelay_PartialJitter_NeverBelowHalfCap(t *testing.T) {
	cfg := workflow.RetryConfig{
		Strategy:       workflow.BackoffExponentialJitter,
		BaseMillis:     200,
		MaxMillis:      2000,
		JitterFraction: 0.5,
	}
	src := rand.New(rand.NewPCG(7, 9))

	for attempt := 1; attempt <= 20; attempt++ {
		d := Delay(attempt, cfg, src)
		capExpected := capped(exponential(200*time.Millisecond, 2, attempt), 2000*time.Millisecond)
		if d < capExpected/2 || d > capExpected {
			t.Fatalf("attempt %d: delay %v out of bounds [%v, %v]", attempt, d, capExpected/2, capExpected)
		}
	}
}

func TestDelay_JitterFraction_BoundsScaleWithFraction(t *testing.T) {
	cfg := workflow.RetryConfig{
		Strategy:       workflow.BackoffExponentialJitter,
		BaseMillis:     400,
		MaxMillis:      2000,
		JitterFraction: 0.2,
	}
	src := rand.New(rand.NewPCG(11, 13))

	for attempt := 1; attempt <= 20; attempt++ {
		d := Delay(attempt, cfg, src)
		capExpected := capped(exponential(400*time.Millisecond, 2, attempt), 2000*time.Millisecond)
		floor := time.Duration(float64(capExpected) * 0.8)
		if d < floor || d > capExpected {
			t.Fatalf("attempt %d: delay %v out of bounds [%v, %v]", attempt, d, floor, capExpected)
		}
	}
}

func TestDecorrelatedJitter_BoundedByInitialAndMax(t *testing.T) {
	src := rand.New(rand.NewPCG(3, 4))
	initial := 100 * time.Millisecond
	max := 5 * time.Second

	previous := initial
	for i := 0; i < 50; i++ {
		d := DecorrelatedJitter(previous, initial, max, src)
		if d < initial || d > max {
			t.Fatalf("iteration %d: delay %v out of bounds [%v, %v]", i, d, initial, max)
		}
		previous = d
	}
}

func TestDelay_DeterministicWithSeededSource(t *testing.T) {
	cfg := workflow.RetryConfig{
		Strategy:       workflow.BackoffExponentialJitter,
		BaseMillis:     100,
		MaxMillis:      2000,
		JitterFraction: 1.0,
	}

	a := Delay(4, cfg, rand.New(rand.NewPCG(42, 42)))
	b := Delay(4, cfg, rand.New(rand.NewPCG(42, 42)))
	if a != b {
		t.Errorf("same seed should produce same delay, got %v and %v", a, b)
	}
}
