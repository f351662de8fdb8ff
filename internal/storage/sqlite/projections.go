package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mistakeknot/concourse/internal/core"
	"github.com/mistakeknot/concourse/internal/glob"
	"github.com/mistakeknot/concourse/internal/storage"
)

// Inbox is hard-capped regardless of the requested limit.
const (
	defaultInboxLimit = 100
	maxInboxLimit     = 500
)

var errNotFound = errors.New("not found")

// IsNotFound reports whether err is a projection-level "no such row".
func IsNotFound(err error) bool { return errors.Is(err, errNotFound) }

// ---------------------------------------------------------------------------
// Write funnel: these construct and append events; the views follow.
// ---------------------------------------------------------------------------

// RegisterAgent appends agent_registered and returns the materialized row.
func (s *Store) RegisterAgent(ctx context.Context, projectKey string, reg core.AgentRegistered) (core.Agent, error) {
	ev, err := core.NewEvent(projectKey, reg)
	if err != nil {
		return core.Agent{}, err
	}
	if _, err := s.AppendEvent(ctx, ev); err != nil {
		return core.Agent{}, err
	}
	return s.GetAgent(ctx, projectKey, reg.Name)
}

// TouchAgent appends agent_active for a known agent.
func (s *Store) TouchAgent(ctx context.Context, projectKey, name string) (core.Agent, error) {
	if _, err := s.GetAgent(ctx, projectKey, name); err != nil {
		return core.Agent{}, err
	}
	ev, err := core.NewEvent(projectKey, core.AgentActive{Name: name})
	if err != nil {
		return core.Agent{}, err
	}
	if _, err := s.AppendEvent(ctx, ev); err != nil {
		return core.Agent{}, err
	}
	return s.GetAgent(ctx, projectKey, name)
}

// SendMessage appends one message_sent event naming all recipients.
func (s *Store) SendMessage(ctx context.Context, projectKey string, msg core.MessageSent) (core.Event, error) {
	ev, err := core.NewEvent(projectKey, msg)
	if err != nil {
		return core.Event{}, err
	}
	return s.AppendEvent(ctx, ev)
}

// MarkRead appends message_read for one recipient of a known message.
func (s *Store) MarkRead(ctx context.Context, projectKey string, messageID int64, agent string) error {
	return s.markRecipient(ctx, projectKey, core.MessageRead{MessageID: messageID, Agent: agent})
}

// MarkAck appends message_acked for one recipient of a known message.
func (s *Store) MarkAck(ctx context.Context, projectKey string, messageID int64, agent string) error {
	return s.markRecipient(ctx, projectKey, core.MessageAcked{MessageID: messageID, Agent: agent})
}

func (s *Store) markRecipient(ctx context.Context, projectKey string, p core.Payload) error {
	ev, err := core.NewEvent(projectKey, p)
	if err != nil {
		return err
	}
	_, err = s.AppendEvent(ctx, ev)
	return err
}

// ReservePaths checks conflicts, then appends file_reserved unless blocked.
// Conflicts are always reported; Force grants through them.
func (s *Store) ReservePaths(ctx context.Context, projectKey string, req storage.ReserveRequest) (storage.ReserveResult, error) {
	for _, path := range req.Paths {
		if err := glob.ValidateComplexity(path); err != nil {
			return storage.ReserveResult{}, &core.ValidationError{Field: "paths", Reason: err.Error()}
		}
	}
	conflicts, err := s.CheckConflicts(ctx, projectKey, req.Agent, req.Paths)
	if err != nil {
		return storage.ReserveResult{}, err
	}
	if len(conflicts) > 0 && !req.Force {
		return storage.ReserveResult{Conflicts: conflicts}, nil
	}
	ev, err := core.NewEvent(projectKey, core.FileReserved{
		Agent:      req.Agent,
		Paths:      req.Paths,
		Exclusive:  req.Exclusive,
		Reason:     req.Reason,
		TTLSeconds: int(req.TTL.Seconds()),
	})
	if err != nil {
		return storage.ReserveResult{}, err
	}
	ev, err = s.AppendEvent(ctx, ev)
	if err != nil {
		return storage.ReserveResult{}, err
	}
	granted := make([]core.Reservation, len(req.Paths))
	for i, path := range req.Paths {
		granted[i] = core.Reservation{
			ID:          reservationID(ev.ID, i),
			ProjectKey:  projectKey,
			AgentName:   req.Agent,
			PathPattern: path,
			Exclusive:   req.Exclusive,
			Reason:      req.Reason,
			CreatedAt:   ev.Timestamp,
			ExpiresAt:   ev.Timestamp.Add(req.TTL),
		}
	}
	return storage.ReserveResult{Granted: granted, Conflicts: conflicts}, nil
}

// ReleasePaths appends file_released and returns how many active
// reservations it covered.
func (s *Store) ReleasePaths(ctx context.Context, projectKey, agent string, paths []string) (int, error) {
	count, err := s.countActive(ctx, projectKey, agent, paths)
	if err != nil {
		return 0, err
	}
	ev, err := core.NewEvent(projectKey, core.FileReleased{Agent: agent, Paths: paths})
	if err != nil {
		return 0, err
	}
	if _, err := s.AppendEvent(ctx, ev); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) countActive(ctx context.Context, projectKey, agent string, paths []string) (int, error) {
	now := msOf(nowMS())
	query := `SELECT COUNT(*) FROM reservations
		WHERE project_key = ? AND agent_name = ? AND released_at IS NULL AND expires_at > ?`
	args := []any{projectKey, agent, now}
	if len(paths) > 0 {
		query += ` AND path_pattern IN (` + placeholders(len(paths)) + `)`
		for _, p := range paths {
			args = append(args, p)
		}
	}
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count reservations: %w", err)
	}
	return count, nil
}

// ---------------------------------------------------------------------------
// Read side
// ---------------------------------------------------------------------------

func (s *Store) GetAgent(ctx context.Context, projectKey, name string) (core.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT project_key, name, program, model, task_description, registered_at, last_active_at
		 FROM agents WHERE project_key = ? AND name = ?`,
		projectKey, name,
	)
	var (
		a                    core.Agent
		registered, lastSeen int64
	)
	err := row.Scan(&a.ProjectKey, &a.Name, &a.Program, &a.Model, &a.TaskDescription, &registered, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Agent{}, fmt.Errorf("agent %s/%s: %w", projectKey, name, errNotFound)
	}
	if err != nil {
		return core.Agent{}, fmt.Errorf("get agent: %w", err)
	}
	a.RegisteredAt = timeOfMS(registered)
	a.LastActiveAt = timeOfMS(lastSeen)
	return a, nil
}

func (s *Store) ListAgents(ctx context.Context, projectKey string) ([]core.Agent, error) {
	query := `SELECT project_key, name, program, model, task_description, registered_at, last_active_at FROM agents`
	var args []any
	if projectKey != "" {
		query += ` WHERE project_key = ?`
		args = append(args, projectKey)
	}
	query += ` ORDER BY last_active_at DESC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var out []core.Agent
	for rows.Next() {
		var (
			a                    core.Agent
			registered, lastSeen int64
		)
		if err := rows.Scan(&a.ProjectKey, &a.Name, &a.Program, &a.Model, &a.TaskDescription, &registered, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.RegisteredAt = timeOfMS(registered)
		a.LastActiveAt = timeOfMS(lastSeen)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Inbox lists messages addressed to agent, newest last.
func (s *Store) Inbox(ctx context.Context, projectKey, agent string, opts storage.InboxOptions) ([]core.Message, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultInboxLimit
	}
	if limit > maxInboxLimit {
		limit = maxInboxLimit
	}
	payloadCol := `''`
	if opts.IncludeBody {
		payloadCol = `m.payload`
	}
	query := `SELECT m.id, m.project_key, m.thread_id, m.sender, ` + payloadCol + `, m.reply_to, m.importance, m.ack_required, m.created_at, m.sequence, r.read_at, r.acked_at
		FROM message_recipients r
		JOIN messages m ON m.id = r.message_id
		WHERE m.project_key = ? AND r.agent_name = ?`
	args := []any{projectKey, agent}
	if opts.UnreadOnly {
		query += ` AND r.read_at IS NULL`
	}
	if opts.Importance != "" {
		query += ` AND m.importance = ?`
		args = append(args, opts.Importance)
	}
	query += ` ORDER BY m.sequence ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query inbox: %w", err)
	}
	defer rows.Close()

	var out []core.Message
	for rows.Next() {
		var (
			m               core.Message
			payload         string
			ackRequired     int
			created         int64
			readAt, ackedAt sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &m.ProjectKey, &m.ThreadID, &m.Sender, &payload, &m.ReplyTo, &m.Importance, &ackRequired, &created, &m.Sequence, &readAt, &ackedAt); err != nil {
			return nil, fmt.Errorf("scan inbox: %w", err)
		}
		m.Payload = []byte(payload)
		m.AckRequired = ackRequired != 0
		m.CreatedAt = timeOfMS(created)
		m.Recipients = []core.Recipient{{AgentName: agent, ReadAt: nullTimeOfMS(readAt), AckedAt: nullTimeOfMS(ackedAt)}}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetMessage returns one message with its full body and all recipients.
func (s *Store) GetMessage(ctx context.Context, projectKey string, id int64) (core.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_key, thread_id, sender, payload, reply_to, importance, ack_required, created_at, sequence
		 FROM messages WHERE project_key = ? AND id = ?`,
		projectKey, id,
	)
	m, err := scanMessage(row)
	if err != nil {
		return core.Message{}, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_name, read_at, acked_at FROM message_recipients WHERE message_id = ? ORDER BY agent_name`,
		id,
	)
	if err != nil {
		return core.Message{}, fmt.Errorf("query recipients: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			r               core.Recipient
			readAt, ackedAt sql.NullInt64
		)
		if err := rows.Scan(&r.AgentName, &readAt, &ackedAt); err != nil {
			return core.Message{}, fmt.Errorf("scan recipient: %w", err)
		}
		r.ReadAt = nullTimeOfMS(readAt)
		r.AckedAt = nullTimeOfMS(ackedAt)
		m.Recipients = append(m.Recipients, r)
	}
	return m, rows.Err()
}

// ThreadMessages returns a thread's messages in log order.
func (s *Store) ThreadMessages(ctx context.Context, projectKey, threadID string) ([]core.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_key, thread_id, sender, payload, reply_to, importance, ack_required, created_at, sequence
		 FROM messages WHERE project_key = ? AND thread_id = ? ORDER BY sequence ASC`,
		projectKey, threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("query thread: %w", err)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (core.Message, error) {
	var (
		m           core.Message
		payload     string
		ackRequired int
		created     int64
	)
	err := row.Scan(&m.ID, &m.ProjectKey, &m.ThreadID, &m.Sender, &payload, &m.ReplyTo, &m.Importance, &ackRequired, &created, &m.Sequence)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Message{}, fmt.Errorf("message: %w", errNotFound)
	}
	if err != nil {
		return core.Message{}, fmt.Errorf("scan message: %w", err)
	}
	m.Payload = []byte(payload)
	m.AckRequired = ackRequired != 0
	m.CreatedAt = timeOfMS(created)
	return m, nil
}

// ActiveReservations lists unreleased, unexpired reservations, optionally
// scoped to one agent.
func (s *Store) ActiveReservations(ctx context.Context, projectKey, agent string) ([]core.Reservation, error) {
	query := `SELECT id, project_key, agent_name, path_pattern, exclusive, reason, created_at, expires_at, released_at
		FROM reservations WHERE project_key = ? AND released_at IS NULL AND expires_at > ?`
	args := []any{projectKey, msOf(nowMS())}
	if agent != "" {
		query += ` AND agent_name = ?`
		args = append(args, agent)
	}
	query += ` ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query reservations: %w", err)
	}
	defer rows.Close()
	var out []core.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanReservation(rows *sql.Rows) (core.Reservation, error) {
	var (
		r                core.Reservation
		exclusive        int
		created, expires int64
		released         sql.NullInt64
	)
	if err := rows.Scan(&r.ID, &r.ProjectKey, &r.AgentName, &r.PathPattern, &exclusive, &r.Reason, &created, &expires, &released); err != nil {
		return core.Reservation{}, fmt.Errorf("scan reservation: %w", err)
	}
	r.Exclusive = exclusive != 0
	r.CreatedAt = timeOfMS(created)
	r.ExpiresAt = timeOfMS(expires)
	r.ReleasedAt = nullTimeOfMS(released)
	return r, nil
}

// CheckConflicts tests each requested path against every other agent's
// active exclusive reservation: exact match first, then glob. Own and
// non-exclusive reservations never conflict. O(reservations x paths),
// fine at the scale of one project's agents.
func (s *Store) CheckConflicts(ctx context.Context, projectKey, agent string, paths []string) ([]core.Conflict, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_name, path_pattern FROM reservations
		 WHERE project_key = ? AND agent_name != ? AND exclusive = 1
		   AND released_at IS NULL AND expires_at > ?`,
		projectKey, agent, msOf(nowMS()),
	)
	if err != nil {
		return nil, fmt.Errorf("query exclusive reservations: %w", err)
	}
	defer rows.Close()

	type claim struct{ holder, pattern string }
	var claims []claim
	for rows.Next() {
		var c claim
		if err := rows.Scan(&c.holder, &c.pattern); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		claims = append(claims, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var conflicts []core.Conflict
	for _, c := range claims {
		for _, path := range paths {
			matched, err := glob.Match(c.pattern, path)
			if err != nil {
				return nil, fmt.Errorf("match %q against %q: %w", path, c.pattern, err)
			}
			if matched {
				conflicts = append(conflicts, core.Conflict{Path: path, Holder: c.holder, Pattern: c.pattern})
			}
		}
	}
	return conflicts, nil
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	out := "?"
	for i := 1; i < n; i++ {
		out += ", ?"
	}
	return out
}
