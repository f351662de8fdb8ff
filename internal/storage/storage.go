// Package storage defines the coordination store surface: the append-only
// event log, its materialized views, and the read-side queries. Durable
// primitives (cursors, locks, deferreds, mailboxes) are concrete types in
// the sqlite implementation.
package storage

import (
	"context"
	"time"

	"github.com/mistakeknot/concourse/internal/core"
)

// Filter selects events from the log. Zero values mean "no constraint".
type Filter struct {
	ProjectKey    string
	Types         []core.EventType
	Since         time.Time
	Until         time.Time
	AfterSequence uint64
	Limit         int
	Offset        int
	// Descending reverses the order for "most recent first" timeline
	// views; replay always reads ascending.
	Descending bool
}

// ReplayResult summarizes one replay run.
type ReplayResult struct {
	EventsReplayed int
	Duration       time.Duration
}

// Progress is reported after each replay window.
type Progress struct {
	Processed int
	Total     int
	Percent   float64
}

// ReplayOptions tunes batched replay.
type ReplayOptions struct {
	BatchSize    int
	FromSequence uint64
	ClearViews   bool
}

// InboxOptions filters an agent's inbox query.
type InboxOptions struct {
	UnreadOnly  bool
	Importance  string
	IncludeBody bool
	Limit       int
}

// ReserveRequest asks for exclusive or shared claims over path patterns.
type ReserveRequest struct {
	Agent     string
	Paths     []string
	Exclusive bool
	Reason    string
	TTL       time.Duration
	// Force grants the reservation even when conflicts exist; the
	// conflicts are still reported so the caller can decide what to do.
	Force bool
}

// ReserveResult carries the grant decision alongside any conflicts.
type ReserveResult struct {
	Granted   []core.Reservation
	Conflicts []core.Conflict
}

// Health reports connectivity and view row counts.
type Health struct {
	OK                 bool
	Events             int64
	Agents             int64
	Messages           int64
	ActiveReservations int64
}

// Snapshot is a full-state export for debugging.
type Snapshot struct {
	ProjectKey   string
	TakenAt      time.Time
	Agents       []core.Agent
	Messages     []core.Message
	Reservations []core.Reservation
	LastSequence uint64
}

// Store is the full coordination store surface. All mutating operations
// funnel through the event log; the view-mutating convenience methods
// (RegisterAgent, SendMessage, ReservePaths, ...) construct and append the
// corresponding event rather than writing views directly.
type Store interface {
	AppendEvent(ctx context.Context, ev core.Event) (core.Event, error)
	AppendBatch(ctx context.Context, evs []core.Event) ([]core.Event, error)
	ReadEvents(ctx context.Context, f Filter) ([]core.Event, error)
	Replay(ctx context.Context, f Filter, clearViews bool) (ReplayResult, error)
	ReplayBatched(ctx context.Context, projectKey string, onBatch func(Progress), opts ReplayOptions) (ReplayResult, error)

	RegisterAgent(ctx context.Context, projectKey string, reg core.AgentRegistered) (core.Agent, error)
	TouchAgent(ctx context.Context, projectKey, name string) (core.Agent, error)
	GetAgent(ctx context.Context, projectKey, name string) (core.Agent, error)
	ListAgents(ctx context.Context, projectKey string) ([]core.Agent, error)

	SendMessage(ctx context.Context, projectKey string, msg core.MessageSent) (core.Event, error)
	Inbox(ctx context.Context, projectKey, agent string, opts InboxOptions) ([]core.Message, error)
	GetMessage(ctx context.Context, projectKey string, id int64) (core.Message, error)
	ThreadMessages(ctx context.Context, projectKey, threadID string) ([]core.Message, error)
	MarkRead(ctx context.Context, projectKey string, messageID int64, agent string) error
	MarkAck(ctx context.Context, projectKey string, messageID int64, agent string) error

	ReservePaths(ctx context.Context, projectKey string, req ReserveRequest) (ReserveResult, error)
	ReleasePaths(ctx context.Context, projectKey, agent string, paths []string) (int, error)
	ActiveReservations(ctx context.Context, projectKey, agent string) ([]core.Reservation, error)
	CheckConflicts(ctx context.Context, projectKey, agent string, paths []string) ([]core.Conflict, error)

	Health(ctx context.Context) (Health, error)
	Snapshot(ctx context.Context, projectKey string) (Snapshot, error)
	Close() error
}
