package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/mistakeknot/concourse/internal/core"
)

// MailboxOptions tunes the underlying cursor.
type MailboxOptions struct {
	BatchSize int
}

// Mailbox is an agent's logical channel: a cursor over message_sent
// events at checkpoint agents/{agent}/mailbox, with envelope fan-out.
type Mailbox struct {
	store      *Store
	projectKey string
	agent      string
	cursor     *Cursor
	pending    *core.Envelope // peeked but not yet received
}

// OpenMailbox builds the agent's mailbox cursor, resuming at its last
// committed position.
func (s *Store) OpenMailbox(ctx context.Context, projectKey, agent string, opts MailboxOptions) (*Mailbox, error) {
	if agent == "" {
		return nil, &core.ValidationError{Field: "agent", Reason: "required"}
	}
	cursor, err := s.OpenCursor(ctx, projectKey, "agents/"+agent+"/mailbox", CursorOptions{
		Types:     []core.EventType{core.EventMessageSent},
		BatchSize: opts.BatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("open mailbox for %s: %w", agent, err)
	}
	return &Mailbox{store: s, projectKey: projectKey, agent: agent, cursor: cursor}, nil
}

// SendOptions carries the optional envelope fields.
type SendOptions struct {
	ReplyTo    string
	ThreadID   string
	Importance string
}

// Send appends one message_sent event addressed to all recipients.
func (m *Mailbox) Send(ctx context.Context, to []string, payload json.RawMessage, opts SendOptions) (core.Event, error) {
	return m.store.SendMessage(ctx, m.projectKey, core.MessageSent{
		From:       m.agent,
		To:         to,
		Payload:    payload,
		ReplyTo:    opts.ReplyTo,
		ThreadID:   opts.ThreadID,
		Importance: opts.Importance,
	})
}

// Receive yields the next envelope addressed to this agent, or nil when
// the channel is drained. Events not addressed here are committed and
// skipped so the cursor always advances past them; the yielded envelope
// itself must be committed by the caller via Commit(env.Seq).
func (m *Mailbox) Receive(ctx context.Context) (*core.Envelope, error) {
	if env := m.pending; env != nil {
		m.pending = nil
		return env, nil
	}
	return m.next(ctx)
}

// Peek returns the next addressed envelope without consuming it; the
// following Receive yields the same envelope. Misaddressed events are
// still committed and skipped along the way.
func (m *Mailbox) Peek(ctx context.Context) (*core.Envelope, error) {
	if m.pending != nil {
		return m.pending, nil
	}
	env, err := m.next(ctx)
	if err != nil {
		return nil, err
	}
	m.pending = env
	return env, nil
}

func (m *Mailbox) next(ctx context.Context) (*core.Envelope, error) {
	for {
		ev, ok, err := m.cursor.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		p, err := core.DecodePayload(ev.Type, ev.Data)
		if err != nil {
			return nil, fmt.Errorf("decode message event %d: %w", ev.ID, err)
		}
		msg, ok := p.(core.MessageSent)
		if !ok {
			return nil, fmt.Errorf("unexpected payload for event %d (%s)", ev.ID, ev.Type)
		}
		if !slices.Contains(msg.To, m.agent) {
			// Not for us; advance the checkpoint so it is never
			// redelivered.
			if err := m.cursor.Commit(ctx, ev.Sequence); err != nil {
				return nil, err
			}
			continue
		}
		env := &core.Envelope{
			MessageID:  ev.ID,
			Seq:        ev.Sequence,
			Payload:    msg.Payload,
			Sender:     msg.From,
			ReplyTo:    msg.ReplyTo,
			ThreadID:   msg.ThreadID,
			Importance: msg.Importance,
			SentAt:     ev.Timestamp,
		}
		return env, nil
	}
}

// Commit acknowledges an envelope by its sequence.
func (m *Mailbox) Commit(ctx context.Context, seq uint64) error {
	return m.cursor.Commit(ctx, seq)
}

// Agent returns the mailbox owner's name.
func (m *Mailbox) Agent() string { return m.agent }

// Ask sends payload to one agent with a fresh deferred as the reply
// address and awaits the answer. It fails with whatever the await fails
// with: timeout, not-found, or the responder's rejection.
func (m *Mailbox) Ask(ctx context.Context, to string, payload json.RawMessage, ttl time.Duration, threadID string) (json.RawMessage, error) {
	d, err := m.store.CreateDeferred(ctx, ttl)
	if err != nil {
		return nil, err
	}
	if _, err := m.Send(ctx, []string{to}, payload, SendOptions{ReplyTo: d.URL, ThreadID: threadID}); err != nil {
		return nil, err
	}
	return m.store.AwaitDeferred(ctx, d.URL, ttl)
}

// Respond resolves the envelope's reply deferred. A no-op when the
// envelope carries no reply address (the send was not an ask).
func (m *Mailbox) Respond(ctx context.Context, env *core.Envelope, value json.RawMessage) error {
	if env == nil || env.ReplyTo == "" {
		return nil
	}
	return m.store.ResolveDeferred(ctx, env.ReplyTo, value)
}

// RespondErr rejects the envelope's reply deferred with an error message.
func (m *Mailbox) RespondErr(ctx context.Context, env *core.Envelope, message string) error {
	if env == nil || env.ReplyTo == "" {
		return nil
	}
	return m.store.RejectDeferred(ctx, env.ReplyTo, message)
}
