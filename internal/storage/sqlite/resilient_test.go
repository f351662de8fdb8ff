package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/mistakeknot/concourse/internal/core"
	"github.com/mistakeknot/concourse/internal/storage"
)

func newResilientTest(t *testing.T) *ResilientStore {
	t.Helper()
	return NewResilient(NewStoreTest(t))
}

func TestResilientPassthrough(t *testing.T) {
	rs := newResilientTest(t)
	ctx := context.Background()

	a, err := rs.RegisterAgent(ctx, "proj", core.AgentRegistered{Name: "alice"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if a.Name != "alice" {
		t.Fatalf("agent: %+v", a)
	}

	ev, err := rs.SendMessage(ctx, "proj", core.MessageSent{
		From: "alice", To: []string{"alice"}, Payload: []byte(`"note to self"`),
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ev.Sequence == 0 {
		t.Fatal("sequence not assigned through wrapper")
	}

	h, err := rs.Health(ctx)
	if err != nil || !h.OK {
		t.Fatalf("health: %+v, %v", h, err)
	}
}

func TestResilientExpectedErrorsDontTrip(t *testing.T) {
	rs := newResilientTest(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if _, err := rs.GetAgent(ctx, "proj", "ghost"); !IsNotFound(err) {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if rs.CircuitBreakerState() != "closed" {
		t.Fatalf("breaker state = %s after expected errors", rs.CircuitBreakerState())
	}
}

func TestResilientValidationErrorsDontTrip(t *testing.T) {
	rs := newResilientTest(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		rs.RegisterAgent(ctx, "proj", core.AgentRegistered{Name: ""})
		rs.ReservePaths(ctx, "proj", storage.ReserveRequest{Agent: "a", Paths: nil, TTL: time.Hour})
	}
	if rs.CircuitBreakerState() != "closed" {
		t.Fatalf("breaker state = %s after validation errors", rs.CircuitBreakerState())
	}
}
