package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func failN(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("fail") })
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute})
	failN(cb, 3)

	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}
	err := cb.Execute(context.Background(), func(context.Context) error {
		t.Error("should not be called when open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 3})
	failN(cb, 2)
	_ = cb.Execute(context.Background(), func(context.Context) error { return nil })
	failN(cb, 2)
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Now()
	var transitions []string
	cb := NewCircuitBreaker(BreakerConfig{
		FailureThreshold: 1,
		Cooldown:         time.Minute,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	cb.nowFunc = func() time.Time { return now }

	failN(cb, 1)
	now = now.Add(2 * time.Minute)

	if err := cb.Execute(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("probe should pass: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after probe, got %s", cb.State())
	}
	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v", transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute})
	cb.nowFunc = func() time.Time { return now }

	failN(cb, 1)
	now = now.Add(2 * time.Minute)
	failN(cb, 1)

	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}
}

func TestCircuitBreaker_AbortedCallsNotCounted(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1})
	ctx, stop := context.WithCancel(context.Background())
	stop()
	_ = cb.Execute(ctx, func(context.Context) error { return context.Canceled })
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}

func TestSourceBreakers(t *testing.T) {
	sb := NewSourceBreakers(BreakerConfig{FailureThreshold: 1})
	if sb.Get("gmap") != sb.Get("gmap") {
		t.Error("expected the same breaker per name")
	}
	failN(sb.Get("gmap"), 1)
	states := sb.States()
	if states["gmap"] != CircuitOpen {
		t.Errorf("gmap state = %s", states["gmap"])
	}
}
