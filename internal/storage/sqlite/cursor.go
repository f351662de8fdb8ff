package sqlite

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/mistakeknot/concourse/internal/core"
	"github.com/mistakeknot/concourse/internal/storage"
)

const defaultCursorBatchSize = 100

// CursorOptions tunes a cursor. Types is an event-type allow-list; empty
// means all types.
type CursorOptions struct {
	Types     []core.EventType
	BatchSize int
}

// Cursor is a named, checkpointed read position into the event log.
// Stream is the logical log (the project key); checkpoint names the
// consumer, so independent consumers replay the same stream at their own
// pace. One active consumer per checkpoint: concurrent cursors sharing a
// checkpoint race on commits.
type Cursor struct {
	store      *Store
	stream     string
	checkpoint string
	types      []core.EventType
	batchSize  int
	position   uint64
	seen       uint64
	buf        []core.Event
}

// OpenCursor loads (or creates at position 0) the checkpoint row and
// returns a cursor resuming from the last committed position.
func (s *Store) OpenCursor(ctx context.Context, stream, checkpoint string, opts CursorOptions) (*Cursor, error) {
	if stream == "" || checkpoint == "" {
		return nil, &core.ValidationError{Field: "cursor", Reason: "stream and checkpoint required"}
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultCursorBatchSize
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO cursors (stream, checkpoint, position, updated_at) VALUES (?, ?, 0, ?)
		 ON CONFLICT(stream, checkpoint) DO NOTHING`,
		stream, checkpoint, time.Now().UTC().UnixMilli(),
	); err != nil {
		return nil, fmt.Errorf("init cursor: %w", err)
	}
	var position uint64
	if err := s.db.QueryRowContext(ctx,
		`SELECT position FROM cursors WHERE stream = ? AND checkpoint = ?`,
		stream, checkpoint,
	).Scan(&position); err != nil {
		return nil, fmt.Errorf("load cursor: %w", err)
	}
	return &Cursor{
		store:      s,
		stream:     stream,
		checkpoint: checkpoint,
		types:      slices.Clone(opts.Types),
		batchSize:  batchSize,
		position:   position,
	}, nil
}

// Next returns the next event strictly after the last committed position,
// refilling in batches. ok is false when the log is exhausted; this is a
// finite, restartable iteration, not a blocking wait.
func (c *Cursor) Next(ctx context.Context) (core.Event, bool, error) {
	if len(c.buf) == 0 {
		// Refill past everything already yielded by this instance, not
		// just past the committed position; redelivery of uncommitted
		// events is the next instance's job.
		after := c.position
		if c.seen > after {
			after = c.seen
		}
		events, err := c.store.ReadEvents(ctx, storage.Filter{
			ProjectKey:    c.stream,
			Types:         c.types,
			AfterSequence: after,
			Limit:         c.batchSize,
		})
		if err != nil {
			return core.Event{}, false, err
		}
		if len(events) == 0 {
			return core.Event{}, false, nil
		}
		c.buf = events
	}
	ev := c.buf[0]
	c.buf = c.buf[1:]
	c.seen = ev.Sequence
	return ev, true, nil
}

// Commit persists seq as the new checkpoint position. The checkpoint only
// ever advances; committing a sequence at or below the stored position is
// a no-op. Events consumed but never committed are redelivered to the next
// cursor instance (at-least-once).
func (c *Cursor) Commit(ctx context.Context, seq uint64) error {
	if _, err := c.store.db.ExecContext(ctx,
		`UPDATE cursors SET position = ?, updated_at = ?
		 WHERE stream = ? AND checkpoint = ? AND position < ?`,
		seq, time.Now().UTC().UnixMilli(), c.stream, c.checkpoint, seq,
	); err != nil {
		return fmt.Errorf("commit cursor: %w", err)
	}
	if seq > c.position {
		c.position = seq
	}
	return nil
}

// Position returns the last committed position.
func (c *Cursor) Position() uint64 { return c.position }
