package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mistakeknot/concourse/internal/core"
	"github.com/mistakeknot/concourse/internal/storage"
)

// AppendEvent validates the payload, assigns id and sequence, persists the
// event, and synchronously applies the materialized-view update in the
// same transaction. A view-update failure is logged with the event
// identity and returned; it never leaves the log and the views silently
// diverged.
func (s *Store) AppendEvent(ctx context.Context, ev core.Event) (core.Event, error) {
	if err := validateEvent(ev); err != nil {
		return core.Event{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Event{}, &core.StoreError{Op: "append", Err: err}
	}
	if err := appendInTx(tx, &ev); err != nil {
		return core.Event{}, rollbackErr(tx, "append", err)
	}
	if err := tx.Commit(); err != nil {
		return core.Event{}, &core.StoreError{Op: "append", Err: err}
	}
	return ev, nil
}

// AppendBatch appends all events in one transaction. If the rollback after
// a failure itself fails, the returned StoreError carries both errors and
// flags the store as potentially inconsistent.
func (s *Store) AppendBatch(ctx context.Context, evs []core.Event) ([]core.Event, error) {
	for _, ev := range evs {
		if err := validateEvent(ev); err != nil {
			return nil, err
		}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &core.StoreError{Op: "append_batch", Err: err}
	}
	out := make([]core.Event, len(evs))
	for i, ev := range evs {
		if err := appendInTx(tx, &ev); err != nil {
			return nil, rollbackErr(tx, "append_batch", err)
		}
		out[i] = ev
	}
	if err := tx.Commit(); err != nil {
		return nil, &core.StoreError{Op: "append_batch", Err: err}
	}
	return out, nil
}

func validateEvent(ev core.Event) error {
	if ev.ProjectKey == "" {
		return &core.ValidationError{Field: "project_key", Reason: "required"}
	}
	if ev.Type == "" {
		return &core.ValidationError{Field: "type", Reason: "required"}
	}
	p, err := core.DecodePayload(ev.Type, ev.Data)
	if err != nil {
		return err
	}
	return core.ValidatePayload(p)
}

// appendInTx assigns sequence and id, inserts the event row, then applies
// the view update. The sequence is MAX+1 inside the transaction; the
// single-connection store serializes writers, so it is gapless.
func appendInTx(tx *sql.Tx, ev *core.Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = nowMS()
	}
	var seq uint64
	if err := tx.QueryRow(`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events`).Scan(&seq); err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	res, err := tx.Exec(
		`INSERT INTO events (type, project_key, timestamp, sequence, data) VALUES (?, ?, ?, ?, ?)`,
		string(ev.Type), ev.ProjectKey, msOf(ev.Timestamp), seq, string(ev.Data),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("event id: %w", err)
	}
	ev.ID = id
	ev.Sequence = seq
	if err := applyEvent(tx, *ev); err != nil {
		log.Printf("view update failed for event %d (%s): %v", ev.ID, ev.Type, err)
		return fmt.Errorf("apply view for event %d (%s): %w", ev.ID, ev.Type, err)
	}
	return nil
}

func rollbackErr(tx *sql.Tx, op string, err error) error {
	if rbErr := tx.Rollback(); rbErr != nil {
		return &core.StoreError{Op: op, Err: err, Rollback: rbErr}
	}
	return &core.StoreError{Op: op, Err: err}
}

// ReadEvents returns events matching the filter in ascending sequence
// order (descending when f.Descending, for timeline views).
func (s *Store) ReadEvents(ctx context.Context, f storage.Filter) ([]core.Event, error) {
	query, args := buildEventQuery(f)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func buildEventQuery(f storage.Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if f.ProjectKey != "" {
		where = append(where, "project_key = ?")
		args = append(args, f.ProjectKey)
	}
	if len(f.Types) > 0 {
		placeholders := make([]string, len(f.Types))
		for i, t := range f.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "type IN ("+strings.Join(placeholders, ", ")+")")
	}
	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, msOf(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, msOf(f.Until))
	}
	if f.AfterSequence > 0 {
		where = append(where, "sequence > ?")
		args = append(args, f.AfterSequence)
	}

	query := `SELECT id, type, project_key, timestamp, sequence, data FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Descending {
		query += " ORDER BY sequence DESC"
	} else {
		query += " ORDER BY sequence ASC"
	}
	// SQLite needs a LIMIT clause for OFFSET to apply.
	limit := f.Limit
	if limit <= 0 && f.Offset > 0 {
		limit = -1
	}
	if limit != 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	if f.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, f.Offset)
	}
	return query, args
}

func scanEvents(rows *sql.Rows) ([]core.Event, error) {
	var out []core.Event
	for rows.Next() {
		var (
			ev      core.Event
			typ     string
			ts      int64
			rawData string
		)
		if err := rows.Scan(&ev.ID, &typ, &ev.ProjectKey, &ts, &ev.Sequence, &rawData); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = core.EventType(typ)
		ev.Timestamp = timeOfMS(ts)
		ev.Data = []byte(rawData)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

// Replay re-applies matching events' view updates in sequence order,
// optionally clearing the affected views first. Used for corruption
// recovery and migration backfill.
func (s *Store) Replay(ctx context.Context, f storage.Filter, clearViews bool) (storage.ReplayResult, error) {
	start := time.Now()
	f.Descending = false
	events, err := s.ReadEvents(ctx, f)
	if err != nil {
		return storage.ReplayResult{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.ReplayResult{}, &core.StoreError{Op: "replay", Err: err}
	}
	if clearViews {
		if err := clearProjectViews(tx, f.ProjectKey); err != nil {
			return storage.ReplayResult{}, rollbackErr(tx, "replay", err)
		}
	}
	for _, ev := range events {
		if err := applyEvent(tx, ev); err != nil {
			log.Printf("replay: view update failed for event %d (%s): %v", ev.ID, ev.Type, err)
			return storage.ReplayResult{}, rollbackErr(tx, "replay", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storage.ReplayResult{}, &core.StoreError{Op: "replay", Err: err}
	}
	return storage.ReplayResult{EventsReplayed: len(events), Duration: time.Since(start)}, nil
}

const defaultReplayBatchSize = 500

// ReplayBatched replays a project's events in fixed-size windows, invoking
// onBatch after each window. A zero-event log invokes the callback zero
// times.
func (s *Store) ReplayBatched(ctx context.Context, projectKey string, onBatch func(storage.Progress), opts storage.ReplayOptions) (storage.ReplayResult, error) {
	start := time.Now()
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultReplayBatchSize
	}

	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE project_key = ? AND sequence > ?`,
		projectKey, opts.FromSequence,
	).Scan(&total)
	if err != nil {
		return storage.ReplayResult{}, fmt.Errorf("count events: %w", err)
	}

	if opts.ClearViews {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return storage.ReplayResult{}, &core.StoreError{Op: "replay_batched", Err: err}
		}
		if err := clearProjectViews(tx, projectKey); err != nil {
			return storage.ReplayResult{}, rollbackErr(tx, "replay_batched", err)
		}
		if err := tx.Commit(); err != nil {
			return storage.ReplayResult{}, &core.StoreError{Op: "replay_batched", Err: err}
		}
	}

	processed := 0
	after := opts.FromSequence
	for {
		if err := ctx.Err(); err != nil {
			return storage.ReplayResult{}, err
		}
		events, err := s.ReadEvents(ctx, storage.Filter{
			ProjectKey:    projectKey,
			AfterSequence: after,
			Limit:         batchSize,
		})
		if err != nil {
			return storage.ReplayResult{}, err
		}
		if len(events) == 0 {
			break
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return storage.ReplayResult{}, &core.StoreError{Op: "replay_batched", Err: err}
		}
		for _, ev := range events {
			if err := applyEvent(tx, ev); err != nil {
				log.Printf("replay: view update failed for event %d (%s): %v", ev.ID, ev.Type, err)
				return storage.ReplayResult{}, rollbackErr(tx, "replay_batched", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return storage.ReplayResult{}, &core.StoreError{Op: "replay_batched", Err: err}
		}
		processed += len(events)
		after = events[len(events)-1].Sequence
		if onBatch != nil {
			onBatch(replayProgress(processed, total))
		}
	}
	return storage.ReplayResult{EventsReplayed: processed, Duration: time.Since(start)}, nil
}

// replayProgress clamps Percent at 100: total is counted once up front, so
// events appended while the replay runs can push processed past it.
func replayProgress(processed, total int) storage.Progress {
	percent := 100.0
	if processed < total {
		percent = float64(processed) / float64(total) * 100
	}
	return storage.Progress{Processed: processed, Total: total, Percent: percent}
}
