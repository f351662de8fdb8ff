package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/mistakeknot/concourse/internal/core"
)

// applyEvent dispatches an event to its materialized-view update. Every
// handler is idempotent: replay and at-least-once re-delivery depend on
// re-running them being safe. Collaborator events have no view.
func applyEvent(tx *sql.Tx, ev core.Event) error {
	p, err := core.DecodePayload(ev.Type, ev.Data)
	if err != nil {
		return err
	}
	switch v := p.(type) {
	case core.AgentRegistered:
		return applyAgentRegistered(tx, ev, v)
	case core.AgentActive:
		return applyAgentActive(tx, ev, v)
	case core.MessageSent:
		return applyMessageSent(tx, ev, v)
	case core.MessageRead:
		return applyRecipientMark(tx, ev, v.MessageID, v.Agent, "read_at")
	case core.MessageAcked:
		return applyRecipientMark(tx, ev, v.MessageID, v.Agent, "acked_at")
	case core.FileReserved:
		return applyFileReserved(tx, ev, v)
	case core.FileReleased:
		return applyFileReleased(tx, ev, v)
	case core.DecompositionGenerated, core.SubtaskOutcome, core.HumanFeedback:
		return nil
	default:
		return fmt.Errorf("no view handler for event type %s", ev.Type)
	}
}

func applyAgentRegistered(tx *sql.Tx, ev core.Event, v core.AgentRegistered) error {
	_, err := tx.Exec(
		`INSERT INTO agents (project_key, name, program, model, task_description, registered_at, last_active_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(project_key, name) DO UPDATE SET
			program = excluded.program,
			model = excluded.model,
			task_description = excluded.task_description,
			last_active_at = excluded.last_active_at`,
		ev.ProjectKey, v.Name, v.Program, v.Model, v.TaskDescription, msOf(ev.Timestamp), msOf(ev.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

func applyAgentActive(tx *sql.Tx, ev core.Event, v core.AgentActive) error {
	_, err := tx.Exec(
		`UPDATE agents SET last_active_at = ? WHERE project_key = ? AND name = ?`,
		msOf(ev.Timestamp), ev.ProjectKey, v.Name,
	)
	if err != nil {
		return fmt.Errorf("touch agent: %w", err)
	}
	return nil
}

func applyMessageSent(tx *sql.Tx, ev core.Event, v core.MessageSent) error {
	_, err := tx.Exec(
		`INSERT INTO messages (id, project_key, thread_id, sender, payload, reply_to, importance, ack_required, created_at, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			thread_id = excluded.thread_id,
			sender = excluded.sender,
			payload = excluded.payload,
			reply_to = excluded.reply_to,
			importance = excluded.importance,
			ack_required = excluded.ack_required`,
		ev.ID, ev.ProjectKey, v.ThreadID, v.From, string(v.Payload), v.ReplyTo, v.Importance,
		boolInt(v.AckRequired), msOf(ev.Timestamp), ev.Sequence,
	)
	if err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	for _, agent := range v.To {
		if _, err := tx.Exec(
			`INSERT INTO message_recipients (message_id, agent_name) VALUES (?, ?)
			 ON CONFLICT(message_id, agent_name) DO NOTHING`,
			ev.ID, agent,
		); err != nil {
			return fmt.Errorf("insert recipient: %w", err)
		}
	}
	return nil
}

// applyRecipientMark sets read_at or acked_at from the event timestamp.
// The IS NULL guard keeps the first mark's time on re-delivery, so replay
// is deterministic.
func applyRecipientMark(tx *sql.Tx, ev core.Event, messageID int64, agent, column string) error {
	_, err := tx.Exec(
		`UPDATE message_recipients SET `+column+` = ? WHERE message_id = ? AND agent_name = ? AND `+column+` IS NULL`,
		msOf(ev.Timestamp), messageID, agent,
	)
	if err != nil {
		return fmt.Errorf("mark %s: %w", column, err)
	}
	return nil
}

// reservationID derives a stable row id from the originating event, so
// replay reproduces rows bit-for-bit.
func reservationID(eventID int64, i int) string {
	return fmt.Sprintf("%d-%d", eventID, i)
}

func applyFileReserved(tx *sql.Tx, ev core.Event, v core.FileReserved) error {
	expires := ev.Timestamp.Add(time.Duration(v.TTLSeconds) * time.Second)
	for i, path := range v.Paths {
		// Drop any still-active claim for the same (agent, path) so
		// re-delivery of the event can't stack duplicate rows.
		if _, err := tx.Exec(
			`DELETE FROM reservations
			 WHERE project_key = ? AND agent_name = ? AND path_pattern = ? AND released_at IS NULL`,
			ev.ProjectKey, v.Agent, path,
		); err != nil {
			return fmt.Errorf("clear stale reservation: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO reservations (id, project_key, agent_name, path_pattern, exclusive, reason, created_at, expires_at, released_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
			reservationID(ev.ID, i), ev.ProjectKey, v.Agent, path, boolInt(v.Exclusive), v.Reason,
			msOf(ev.Timestamp), msOf(expires),
		); err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}
	}
	return nil
}

func applyFileReleased(tx *sql.Tx, ev core.Event, v core.FileReleased) error {
	if len(v.Paths) == 0 {
		_, err := tx.Exec(
			`UPDATE reservations SET released_at = ?
			 WHERE project_key = ? AND agent_name = ? AND released_at IS NULL`,
			msOf(ev.Timestamp), ev.ProjectKey, v.Agent,
		)
		if err != nil {
			return fmt.Errorf("release reservations: %w", err)
		}
		return nil
	}
	for _, path := range v.Paths {
		if _, err := tx.Exec(
			`UPDATE reservations SET released_at = ?
			 WHERE project_key = ? AND agent_name = ? AND path_pattern = ? AND released_at IS NULL`,
			msOf(ev.Timestamp), ev.ProjectKey, v.Agent, path,
		); err != nil {
			return fmt.Errorf("release reservation: %w", err)
		}
	}
	return nil
}

// clearProjectViews deletes the materialized rows for one project (or all
// projects when projectKey is empty) ahead of a clean replay. Cursor
// checkpoints and coordination primitives are not views and survive.
func clearProjectViews(tx *sql.Tx, projectKey string) error {
	statements := []struct {
		all    string
		scoped string
	}{
		{`DELETE FROM message_recipients`, `DELETE FROM message_recipients WHERE message_id IN (SELECT id FROM messages WHERE project_key = ?)`},
		{`DELETE FROM messages`, `DELETE FROM messages WHERE project_key = ?`},
		{`DELETE FROM agents`, `DELETE FROM agents WHERE project_key = ?`},
		{`DELETE FROM reservations`, `DELETE FROM reservations WHERE project_key = ?`},
	}
	for _, stmt := range statements {
		var err error
		if projectKey == "" {
			_, err = tx.Exec(stmt.all)
		} else {
			_, err = tx.Exec(stmt.scoped, projectKey)
		}
		if err != nil {
			return fmt.Errorf("clear views: %w", err)
		}
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
