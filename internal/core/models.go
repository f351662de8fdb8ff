package core

import (
	"encoding/json"
	"time"
)

// Agent is a materialized row keyed by (project_key, name), derived from
// agent_registered and touched by agent_active.
type Agent struct {
	ProjectKey      string
	Name            string
	Program         string
	Model           string
	TaskDescription string
	RegisteredAt    time.Time
	LastActiveAt    time.Time
}

// Recipient tracks per-addressee read/ack state for one message.
type Recipient struct {
	AgentName string
	ReadAt    *time.Time
	AckedAt   *time.Time
}

// Message is the materialized row for one message_sent event. ID is the
// originating event's id; Sequence its log position.
type Message struct {
	ID          int64
	ProjectKey  string
	ThreadID    string
	Sender      string
	Payload     json.RawMessage
	ReplyTo     string
	Importance  string
	AckRequired bool
	CreatedAt   time.Time
	Sequence    uint64
	Recipients  []Recipient
}

// Reservation is one (agent, path pattern) claim. Expiry is evaluated at
// query time; ReleasedAt is a soft delete.
type Reservation struct {
	ID          string
	ProjectKey  string
	AgentName   string
	PathPattern string
	Exclusive   bool
	Reason      string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	ReleasedAt  *time.Time
}

// IsActive reports whether the reservation is unreleased and unexpired.
func (r Reservation) IsActive(now time.Time) bool {
	return r.ReleasedAt == nil && r.ExpiresAt.After(now)
}

// Conflict reports a requested path matching another agent's active
// exclusive reservation.
type Conflict struct {
	Path    string `json:"path"`
	Holder  string `json:"holder"`
	Pattern string `json:"pattern"`
}

// Envelope is the per-recipient view of a message_sent event, produced
// when a mailbox consumes the event. Seq is what the consumer commits.
type Envelope struct {
	MessageID  int64
	Seq        uint64
	Payload    json.RawMessage
	Sender     string
	ReplyTo    string
	ThreadID   string
	Importance string
	SentAt     time.Time
}
