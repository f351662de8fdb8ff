package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mistakeknot/concourse/internal/auth"
	httpapi "github.com/mistakeknot/concourse/internal/http"
	"github.com/mistakeknot/concourse/internal/storage/sqlite"
	"github.com/mistakeknot/concourse/internal/ws"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	st := sqlite.NewStoreTest(t)
	hub := ws.NewHub()
	svc := httpapi.NewService(st).WithBroadcaster(hub)
	srv := httptest.NewServer(httpapi.NewRouter(svc, hub.Handler(), auth.Middleware(nil)))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientAgentLifecycle(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.URL, WithProjectKey("proj"))
	ctx := context.Background()

	agent, err := c.RegisterAgent(ctx, Agent{Name: "alice", Program: "claude-code"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if agent.Name != "alice" || agent.ProjectKey != "proj" {
		t.Fatalf("agent = %+v", agent)
	}

	if _, err := c.TouchAgent(ctx, "alice"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, err := c.GetAgent(ctx, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Program != "claude-code" {
		t.Fatalf("agent = %+v", got)
	}

	agents, err := c.ListAgents(ctx)
	if err != nil || len(agents) != 1 {
		t.Fatalf("list: %v, %d agents", err, len(agents))
	}
}

func TestClientMessaging(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.URL, WithProjectKey("proj"))
	ctx := context.Background()

	sent, err := c.SendMessage(ctx, Message{
		From:    "alice",
		To:      []string{"bob"},
		Payload: json.RawMessage(`{"task":"review"}`),
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent.MessageID == 0 {
		t.Fatalf("sent = %+v", sent)
	}

	inbox, err := c.Inbox(ctx, "bob", InboxOptions{})
	if err != nil || len(inbox) != 1 {
		t.Fatalf("inbox: %v, %d messages", err, len(inbox))
	}
	if inbox[0].From != "alice" {
		t.Fatalf("message = %+v", inbox[0])
	}

	if err := c.MarkRead(ctx, sent.MessageID, "bob"); err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := c.MarkAck(ctx, sent.MessageID, "bob"); err != nil {
		t.Fatalf("ack: %v", err)
	}

	msg, err := c.GetMessage(ctx, sent.MessageID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if len(msg.Recipients) != 1 || msg.Recipients[0].ReadAt == nil || msg.Recipients[0].AckedAt == nil {
		t.Fatalf("recipients = %+v", msg.Recipients)
	}

	unread, err := c.Inbox(ctx, "bob", InboxOptions{UnreadOnly: true})
	if err != nil || len(unread) != 0 {
		t.Fatalf("unread inbox: %v, %d messages", err, len(unread))
	}
}

func TestClientThreads(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.URL, WithProjectKey("proj"))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := c.SendMessage(ctx, Message{
			From: "alice", To: []string{"bob"},
			Payload:  json.RawMessage(`"m"`),
			ThreadID: "t1",
		}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	msgs, err := c.ThreadMessages(ctx, "t1")
	if err != nil || len(msgs) != 2 {
		t.Fatalf("thread: %v, %d messages", err, len(msgs))
	}
}

func TestClientReservations(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.URL, WithProjectKey("proj"))
	ctx := context.Background()

	granted, err := c.Reserve(ctx, ReserveRequest{
		Agent: "alice", Paths: []string{"src/**"}, Exclusive: true,
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if len(granted.Granted) != 1 {
		t.Fatalf("granted = %+v", granted)
	}

	_, err = c.Reserve(ctx, ReserveRequest{
		Agent: "bob", Paths: []string{"src/main.go"}, Exclusive: true,
	})
	var conflictErr *ConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if len(conflictErr.Conflicts) != 1 || conflictErr.Conflicts[0].Holder != "alice" {
		t.Fatalf("conflicts = %+v", conflictErr.Conflicts)
	}

	active, err := c.ActiveReservations(ctx, "")
	if err != nil || len(active) != 1 {
		t.Fatalf("active: %v, %d reservations", err, len(active))
	}

	released, err := c.Release(ctx, "alice", nil)
	if err != nil || released != 1 {
		t.Fatalf("release: %v, released %d", err, released)
	}
}

func TestClientHealth(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.URL)

	h, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if !h.OK {
		t.Fatalf("health = %+v", h)
	}
}

func TestWSClientReceivesEvents(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events := make(chan Event, 1)
	wsc := NewWSClient(srv.URL, "bob", WithWSProjectKey("proj"), WithAutoReconnect(false))
	wsc.OnEvent(func(ev Event) {
		select {
		case events <- ev:
		default:
		}
	})
	if err := wsc.Connect(ctx); err != nil {
		t.Fatalf("ws connect: %v", err)
	}
	defer wsc.Close()

	c := New(srv.URL, WithProjectKey("proj"))
	if _, err := c.SendMessage(ctx, Message{
		From: "alice", To: []string{"bob"}, Payload: json.RawMessage(`"ping"`),
	}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Type != "message_sent" || ev.Agent != "bob" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no event received")
	}
}
