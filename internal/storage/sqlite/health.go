package sqlite

import (
	"context"
	"fmt"

	"github.com/mistakeknot/concourse/internal/core"
	"github.com/mistakeknot/concourse/internal/storage"
)

// Health checks connectivity and reports row counts across the log and
// its views.
func (s *Store) Health(ctx context.Context) (storage.Health, error) {
	h := storage.Health{}
	counts := []struct {
		query string
		dest  *int64
	}{
		{`SELECT COUNT(*) FROM events`, &h.Events},
		{`SELECT COUNT(*) FROM agents`, &h.Agents},
		{`SELECT COUNT(*) FROM messages`, &h.Messages},
		{`SELECT COUNT(*) FROM reservations WHERE released_at IS NULL AND expires_at > ?`, &h.ActiveReservations},
	}
	for _, c := range counts {
		var args []any
		if c.dest == &h.ActiveReservations {
			args = append(args, msOf(nowMS()))
		}
		if err := s.db.QueryRowContext(ctx, c.query, args...).Scan(c.dest); err != nil {
			return h, fmt.Errorf("health: %w", err)
		}
	}
	h.OK = true
	return h, nil
}

// Snapshot exports a project's full materialized state plus the log's
// high-water mark, for debugging and inspection.
func (s *Store) Snapshot(ctx context.Context, projectKey string) (storage.Snapshot, error) {
	snap := storage.Snapshot{ProjectKey: projectKey, TakenAt: nowMS()}

	agents, err := s.ListAgents(ctx, projectKey)
	if err != nil {
		return snap, err
	}
	snap.Agents = agents

	messages, err := s.allMessages(ctx, projectKey)
	if err != nil {
		return snap, err
	}
	snap.Messages = messages

	reservations, err := s.ActiveReservations(ctx, projectKey, "")
	if err != nil {
		return snap, err
	}
	snap.Reservations = reservations

	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM events WHERE project_key = ?`,
		projectKey,
	).Scan(&snap.LastSequence); err != nil {
		return snap, fmt.Errorf("snapshot sequence: %w", err)
	}
	return snap, nil
}

func (s *Store) allMessages(ctx context.Context, projectKey string) ([]core.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_key, thread_id, sender, payload, reply_to, importance, ack_required, created_at, sequence
		 FROM messages WHERE project_key = ? ORDER BY sequence ASC`,
		projectKey,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	var out []core.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
