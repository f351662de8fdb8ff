package sqlite

import (
	"errors"
	"testing"
	"time"

	"github.com/mistakeknot/concourse/internal/core"
)

func TestBreakerTripsAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)
	infra := errors.New("disk I/O error")

	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return infra }); !errors.Is(err, infra) {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("open breaker executed anyway: %v", err)
	}
}

func TestBreakerIgnoresExpectedErrors(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)

	for i := 0; i < 10; i++ {
		cb.Execute(func() error { return &core.LockTimeoutError{Resource: "build"} })
		cb.Execute(func() error { return &core.DeferredNotFoundError{URL: "deferred/x"} })
		cb.Execute(func() error { return &core.ValidationError{Field: "name", Reason: "required"} })
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected errors tripped the breaker: %v", cb.State())
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)
	infra := errors.New("disk I/O error")

	cb.Execute(func() error { return infra })
	cb.Execute(func() error { return infra })
	cb.Execute(func() error { return nil })
	cb.Execute(func() error { return infra })
	cb.Execute(func() error { return infra })

	if cb.State() != StateClosed {
		t.Fatalf("breaker tripped despite interleaved success: %v", cb.State())
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(1, 30*time.Second)
	cb.nowFunc = func() time.Time { return now }

	cb.Execute(func() error { return errors.New("disk I/O error") })
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	// Before the reset timeout the breaker stays shut.
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("probe before reset timeout: %v", err)
	}

	// After the timeout one successful probe closes it.
	now = now.Add(31 * time.Second)
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state after successful probe = %v", cb.State())
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(1, 30*time.Second)
	cb.nowFunc = func() time.Time { return now }

	cb.Execute(func() error { return errors.New("disk I/O error") })
	now = now.Add(31 * time.Second)
	cb.Execute(func() error { return errors.New("disk I/O error") })

	if cb.State() != StateOpen {
		t.Fatalf("state after failed probe = %v", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("breaker accepted work right after failed probe: %v", err)
	}
}
