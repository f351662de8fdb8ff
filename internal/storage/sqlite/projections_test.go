package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mistakeknot/concourse/internal/core"
	"github.com/mistakeknot/concourse/internal/storage"
)

func TestRegisterAndGetAgent(t *testing.T) {
	st := NewStoreTest(t)
	ctx := context.Background()

	a, err := st.RegisterAgent(ctx, "proj", core.AgentRegistered{
		Name:            "alice",
		Program:         "coder",
		Model:           "m1",
		TaskDescription: "refactor storage",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if a.Name != "alice" || a.Program != "coder" || a.Model != "m1" {
		t.Fatalf("agent wrong: %+v", a)
	}
	if a.RegisteredAt.IsZero() || a.LastActiveAt.IsZero() {
		t.Fatalf("timestamps not set: %+v", a)
	}

	got, err := st.GetAgent(ctx, "proj", "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TaskDescription != "refactor storage" {
		t.Fatalf("task = %s", got.TaskDescription)
	}

	_, err = st.GetAgent(ctx, "proj", "nobody")
	if !IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestReregisterPreservesRegisteredAt(t *testing.T) {
	st := NewStoreTest(t)
	ctx := context.Background()

	first, _ := st.RegisterAgent(ctx, "proj", core.AgentRegistered{Name: "alice", Model: "m1"})
	time.Sleep(5 * time.Millisecond)
	second, err := st.RegisterAgent(ctx, "proj", core.AgentRegistered{Name: "alice", Model: "m2"})
	if err != nil {
		t.Fatalf("reregister: %v", err)
	}
	if !second.RegisteredAt.Equal(first.RegisteredAt) {
		t.Fatalf("registered_at changed: %v vs %v", second.RegisteredAt, first.RegisteredAt)
	}
	if second.Model != "m2" {
		t.Fatalf("model not updated: %s", second.Model)
	}
}

func TestTouchAgent(t *testing.T) {
	st := NewStoreTest(t)
	ctx := context.Background()

	a, _ := st.RegisterAgent(ctx, "proj", core.AgentRegistered{Name: "alice"})
	time.Sleep(5 * time.Millisecond)
	touched, err := st.TouchAgent(ctx, "proj", "alice")
	if err != nil {
		t.Fatalf("touch: %v", err)
	}
	if !touched.LastActiveAt.After(a.LastActiveAt) {
		t.Fatalf("last_active_at did not advance: %v vs %v", touched.LastActiveAt, a.LastActiveAt)
	}

	if _, err := st.TouchAgent(ctx, "proj", "ghost"); !IsNotFound(err) {
		t.Fatalf("touch unknown: got %v", err)
	}
}

func TestListAgentsScopedByProject(t *testing.T) {
	st := NewStoreTest(t)
	ctx := context.Background()

	registerTestAgent(t, st, "proj-a", "alice")
	registerTestAgent(t, st, "proj-a", "bob")
	registerTestAgent(t, st, "proj-b", "carol")

	agents, err := st.ListAgents(ctx, "proj-a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("got %d agents, want 2", len(agents))
	}
}

func TestInboxFilters(t *testing.T) {
	st := NewStoreTest(t)
	ctx := context.Background()

	registerTestAgent(t, st, "proj", "alice")
	registerTestAgent(t, st, "proj", "bob")

	st.SendMessage(ctx, "proj", core.MessageSent{
		From: "alice", To: []string{"bob"}, Payload: json.RawMessage(`"low"`),
	})
	urgent, _ := st.SendMessage(ctx, "proj", core.MessageSent{
		From: "alice", To: []string{"bob"}, Payload: json.RawMessage(`"urgent"`), Importance: "high",
	})

	all, err := st.Inbox(ctx, "proj", "bob", storage.InboxOptions{IncludeBody: true})
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("inbox size = %d, want 2", len(all))
	}
	if string(all[0].Payload) == "" {
		t.Fatal("include-body inbox returned empty payload")
	}

	high, _ := st.Inbox(ctx, "proj", "bob", storage.InboxOptions{Importance: "high"})
	if len(high) != 1 {
		t.Fatalf("importance filter: %d, want 1", len(high))
	}

	headers, _ := st.Inbox(ctx, "proj", "bob", storage.InboxOptions{})
	for _, m := range headers {
		if len(m.Payload) != 0 {
			t.Fatalf("header-only inbox leaked body: %s", m.Payload)
		}
	}

	if err := st.MarkRead(ctx, "proj", urgent.ID, "bob"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	unread, _ := st.Inbox(ctx, "proj", "bob", storage.InboxOptions{UnreadOnly: true})
	if len(unread) != 1 {
		t.Fatalf("unread filter: %d, want 1", len(unread))
	}

	limited, _ := st.Inbox(ctx, "proj", "bob", storage.InboxOptions{Limit: 1})
	if len(limited) != 1 {
		t.Fatalf("limit: %d, want 1", len(limited))
	}
}

func TestFirstReadWins(t *testing.T) {
	st := NewStoreTest(t)
	ctx := context.Background()

	registerTestAgent(t, st, "proj", "alice")
	registerTestAgent(t, st, "proj", "bob")
	ev := sendTestMessage(t, st, "proj", "alice", []string{"bob"}, "hi")

	if err := st.MarkRead(ctx, "proj", ev.ID, "bob"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	first, _ := st.GetMessage(ctx, "proj", ev.ID)

	time.Sleep(5 * time.Millisecond)
	if err := st.MarkRead(ctx, "proj", ev.ID, "bob"); err != nil {
		t.Fatalf("second mark read: %v", err)
	}
	second, _ := st.GetMessage(ctx, "proj", ev.ID)
	if !second.Recipients[0].ReadAt.Equal(*first.Recipients[0].ReadAt) {
		t.Fatalf("read_at moved on redundant mark: %v vs %v",
			second.Recipients[0].ReadAt, first.Recipients[0].ReadAt)
	}
}

func TestMarkAck(t *testing.T) {
	st := NewStoreTest(t)
	ctx := context.Background()

	registerTestAgent(t, st, "proj", "alice")
	registerTestAgent(t, st, "proj", "bob")
	ev := sendTestMessage(t, st, "proj", "alice", []string{"bob"}, "ack me")

	if err := st.MarkAck(ctx, "proj", ev.ID, "bob"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	m, _ := st.GetMessage(ctx, "proj", ev.ID)
	if m.Recipients[0].AckedAt == nil {
		t.Fatal("acked_at not set")
	}
}

func TestThreadMessages(t *testing.T) {
	st := NewStoreTest(t)
	ctx := context.Background()

	registerTestAgent(t, st, "proj", "alice")
	registerTestAgent(t, st, "proj", "bob")
	st.SendMessage(ctx, "proj", core.MessageSent{From: "alice", To: []string{"bob"}, Payload: json.RawMessage(`"1"`), ThreadID: "t1"})
	st.SendMessage(ctx, "proj", core.MessageSent{From: "bob", To: []string{"alice"}, Payload: json.RawMessage(`"2"`), ThreadID: "t1"})
	st.SendMessage(ctx, "proj", core.MessageSent{From: "alice", To: []string{"bob"}, Payload: json.RawMessage(`"other"`), ThreadID: "t2"})

	thread, err := st.ThreadMessages(ctx, "proj", "t1")
	if err != nil {
		t.Fatalf("thread: %v", err)
	}
	if len(thread) != 2 {
		t.Fatalf("thread size = %d, want 2", len(thread))
	}
	if thread[0].Sequence > thread[1].Sequence {
		t.Fatal("thread not in log order")
	}
}

func TestGetMessageNotFound(t *testing.T) {
	st := NewStoreTest(t)

	_, err := st.GetMessage(context.Background(), "proj", 999)
	if !IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestReservationConflicts(t *testing.T) {
	st := NewStoreTest(t)
	ctx := context.Background()

	res, err := st.ReservePaths(ctx, "proj", storage.ReserveRequest{
		Agent: "alice", Paths: []string{"src/**"}, Exclusive: true, TTL: time.Hour, Reason: "refactor",
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if len(res.Granted) != 1 || len(res.Conflicts) != 0 {
		t.Fatalf("first reserve: %+v", res)
	}

	// Overlapping request from another agent is blocked.
	blocked, err := st.ReservePaths(ctx, "proj", storage.ReserveRequest{
		Agent: "bob", Paths: []string{"src/api/handler.go"}, Exclusive: true, TTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("conflicting reserve: %v", err)
	}
	if len(blocked.Granted) != 0 {
		t.Fatalf("conflicting reserve granted: %+v", blocked.Granted)
	}
	if len(blocked.Conflicts) != 1 || blocked.Conflicts[0].Holder != "alice" {
		t.Fatalf("conflicts wrong: %+v", blocked.Conflicts)
	}

	// Force grants through, still reporting the conflicts.
	forced, err := st.ReservePaths(ctx, "proj", storage.ReserveRequest{
		Agent: "bob", Paths: []string{"src/api/handler.go"}, Exclusive: true, TTL: time.Hour, Force: true,
	})
	if err != nil {
		t.Fatalf("forced reserve: %v", err)
	}
	if len(forced.Granted) != 1 || len(forced.Conflicts) != 1 {
		t.Fatalf("forced reserve: %+v", forced)
	}
}

func TestNonExclusiveReservationsCoexist(t *testing.T) {
	st := NewStoreTest(t)
	ctx := context.Background()

	st.ReservePaths(ctx, "proj", storage.ReserveRequest{
		Agent: "alice", Paths: []string{"docs/**"}, TTL: time.Hour,
	})
	res, err := st.ReservePaths(ctx, "proj", storage.ReserveRequest{
		Agent: "bob", Paths: []string{"docs/readme.md"}, TTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if len(res.Conflicts) != 0 || len(res.Granted) != 1 {
		t.Fatalf("shared claims should coexist: %+v", res)
	}
}

func TestOwnReservationNeverConflicts(t *testing.T) {
	st := NewStoreTest(t)
	ctx := context.Background()

	st.ReservePaths(ctx, "proj", storage.ReserveRequest{
		Agent: "alice", Paths: []string{"src/**"}, Exclusive: true, TTL: time.Hour,
	})
	conflicts, err := st.CheckConflicts(ctx, "proj", "alice", []string{"src/main.go"})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("self-conflict reported: %+v", conflicts)
	}
}

func TestReleasePaths(t *testing.T) {
	st := NewStoreTest(t)
	ctx := context.Background()

	st.ReservePaths(ctx, "proj", storage.ReserveRequest{
		Agent: "alice", Paths: []string{"a/**", "b/**"}, Exclusive: true, TTL: time.Hour,
	})

	n, err := st.ReleasePaths(ctx, "proj", "alice", []string{"a/**"})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if n != 1 {
		t.Fatalf("released %d, want 1", n)
	}
	active, _ := st.ActiveReservations(ctx, "proj", "alice")
	if len(active) != 1 || active[0].PathPattern != "b/**" {
		t.Fatalf("active after partial release: %+v", active)
	}

	// Empty paths releases everything the agent holds.
	n, _ = st.ReleasePaths(ctx, "proj", "alice", nil)
	if n != 1 {
		t.Fatalf("release all: %d, want 1", n)
	}
	active, _ = st.ActiveReservations(ctx, "proj", "alice")
	if len(active) != 0 {
		t.Fatalf("active after full release: %+v", active)
	}
}

func TestReservationExpiry(t *testing.T) {
	st := NewStoreTest(t)
	ctx := context.Background()

	if _, err := st.ReservePaths(ctx, "proj", storage.ReserveRequest{
		Agent: "alice", Paths: []string{"src/**"}, Exclusive: true, TTL: time.Second,
	}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	time.Sleep(1100 * time.Millisecond)

	active, _ := st.ActiveReservations(ctx, "proj", "")
	if len(active) != 0 {
		t.Fatalf("expired reservation still active: %+v", active)
	}
	conflicts, _ := st.CheckConflicts(ctx, "proj", "bob", []string{"src/main.go"})
	if len(conflicts) != 0 {
		t.Fatalf("expired reservation still conflicts: %+v", conflicts)
	}
}

func TestReserveRejectsSubSecondTTL(t *testing.T) {
	st := NewStoreTest(t)

	_, err := st.ReservePaths(context.Background(), "proj", storage.ReserveRequest{
		Agent: "alice", Paths: []string{"src/**"}, TTL: 500 * time.Millisecond,
	})
	var validation *core.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestReserveRejectsPathologicalPattern(t *testing.T) {
	st := NewStoreTest(t)

	long := ""
	for i := 0; i < 60; i++ {
		long += "*/"
	}
	_, err := st.ReservePaths(context.Background(), "proj", storage.ReserveRequest{
		Agent: "alice", Paths: []string{long + "x"}, TTL: time.Hour,
	})
	var validation *core.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}
