package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mistakeknot/concourse/internal/core"
)

const deferredPollInterval = 100 * time.Millisecond

// Deferred is a one-shot distributed promise. URL is the opaque token
// handed to the remote side.
type Deferred struct {
	URL       string
	ExpiresAt time.Time
}

type deferredOutcome struct {
	value  json.RawMessage
	errMsg string
}

// waiterTable is the in-process fast path: token to one-shot channel.
// The database row stays the durable fallback and the cross-process
// source of truth; collapsing the two tiers would lose one or the other.
type waiterTable struct {
	mu      sync.Mutex
	waiters map[string]chan deferredOutcome
}

func newWaiterTable() *waiterTable {
	return &waiterTable{waiters: make(map[string]chan deferredOutcome)}
}

func (w *waiterTable) register(url string) chan deferredOutcome {
	ch := make(chan deferredOutcome, 1)
	w.mu.Lock()
	w.waiters[url] = ch
	w.mu.Unlock()
	return ch
}

func (w *waiterTable) take(url string) (chan deferredOutcome, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch, ok := w.waiters[url]
	return ch, ok
}

func (w *waiterTable) drop(url string) {
	w.mu.Lock()
	delete(w.waiters, url)
	w.mu.Unlock()
}

// signal delivers the outcome to an in-process waiter, if any. The buffered
// channel means the first resolver never blocks; late resolutions after the
// waiter moved on are no-ops.
func (w *waiterTable) signal(url string, out deferredOutcome) {
	w.mu.Lock()
	ch, ok := w.waiters[url]
	if ok {
		delete(w.waiters, url)
	}
	w.mu.Unlock()
	if ok {
		select {
		case ch <- out:
		default:
		}
	}
}

// CreateDeferred mints a fresh unguessable token with a TTL.
func (s *Store) CreateDeferred(ctx context.Context, ttl time.Duration) (Deferred, error) {
	if ttl <= 0 {
		return Deferred{}, &core.ValidationError{Field: "ttl", Reason: "must be positive"}
	}
	url := "deferred/" + uuid.NewString()
	now := nowMS()
	expires := now.Add(ttl)
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO deferred (url, resolved, value, error, expires_at, created_at) VALUES (?, 0, NULL, NULL, ?, ?)`,
		url, msOf(expires), msOf(now),
	); err != nil {
		return Deferred{}, &core.StoreError{Op: "create_deferred", Err: err}
	}
	// Register the in-process fast path up front: a same-process resolver
	// that beats the awaiter to the token still lands in the channel.
	s.waiters.register(url)
	return Deferred{URL: url, ExpiresAt: expires}, nil
}

// ResolveDeferred fulfills the promise with a value. Only the first
// resolver wins: the update is guarded by resolved = 0, and zero affected
// rows means already resolved or never existed (indistinguishable).
func (s *Store) ResolveDeferred(ctx context.Context, url string, value json.RawMessage) error {
	return s.settleDeferred(ctx, url, deferredOutcome{value: value})
}

// RejectDeferred fulfills the promise with an error.
func (s *Store) RejectDeferred(ctx context.Context, url, message string) error {
	if message == "" {
		message = "rejected"
	}
	return s.settleDeferred(ctx, url, deferredOutcome{errMsg: message})
}

func (s *Store) settleDeferred(ctx context.Context, url string, out deferredOutcome) error {
	var (
		value sql.NullString
		errs  sql.NullString
	)
	if out.errMsg != "" {
		errs = sql.NullString{String: out.errMsg, Valid: true}
	} else {
		value = sql.NullString{String: string(out.value), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE deferred SET resolved = 1, value = ?, error = ? WHERE url = ? AND resolved = 0`,
		value, errs, url,
	)
	if err != nil {
		return &core.StoreError{Op: "settle_deferred", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &core.StoreError{Op: "settle_deferred", Err: err}
	}
	if affected == 0 {
		return &core.DeferredNotFoundError{URL: url}
	}
	s.waiters.signal(url, out)
	return nil
}

// AwaitDeferred blocks until the token resolves or the TTL elapses. When
// an in-process waiter channel exists it is the zero-latency path;
// otherwise the durable row is polled. A rejection surfaces as
// DeferredRejectedError, distinct from not-found.
func (s *Store) AwaitDeferred(ctx context.Context, url string, ttl time.Duration) (json.RawMessage, error) {
	if ch, ok := s.waiters.take(url); ok {
		defer s.waiters.drop(url)
		timer := time.NewTimer(ttl)
		defer timer.Stop()
		select {
		case out := <-ch:
			return outcomeResult(url, out)
		case <-timer.C:
			return nil, &core.DeferredTimeoutError{URL: url, TTL: ttl}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.pollDeferred(ctx, url, ttl)
}

func (s *Store) pollDeferred(ctx context.Context, url string, ttl time.Duration) (json.RawMessage, error) {
	deadline := time.Now().Add(ttl)
	ticker := time.NewTicker(deferredPollInterval)
	defer ticker.Stop()
	for {
		value, done, err := s.checkDeferred(ctx, url)
		if done || err != nil {
			return value, err
		}
		if time.Now().After(deadline) {
			return nil, &core.DeferredTimeoutError{URL: url, TTL: ttl}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Store) checkDeferred(ctx context.Context, url string) (json.RawMessage, bool, error) {
	var (
		resolved int
		value    sql.NullString
		errMsg   sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT resolved, value, error FROM deferred WHERE url = ?`,
		url,
	).Scan(&resolved, &value, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, true, &core.DeferredNotFoundError{URL: url}
	}
	if err != nil {
		return nil, true, fmt.Errorf("check deferred: %w", err)
	}
	if resolved == 0 {
		return nil, false, nil
	}
	out := deferredOutcome{errMsg: errMsg.String}
	if value.Valid {
		out.value = json.RawMessage(value.String)
	}
	v, resErr := outcomeResult(url, out)
	return v, true, resErr
}

func outcomeResult(url string, out deferredOutcome) (json.RawMessage, error) {
	if out.errMsg != "" {
		return nil, &core.DeferredRejectedError{URL: url, Message: out.errMsg}
	}
	return out.value, nil
}

// CleanupDeferred deletes rows past their expiry. There is no built-in
// background sweep here; the Sweeper (or a caller) invokes it on a
// schedule.
func (s *Store) CleanupDeferred(ctx context.Context) (int64, error) {
	cutoff := msOf(nowMS())
	rows, err := s.db.QueryContext(ctx, `SELECT url FROM deferred WHERE expires_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup deferred: %w", err)
	}
	var expired []string
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			rows.Close()
			return 0, fmt.Errorf("cleanup deferred: %w", err)
		}
		expired = append(expired, url)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("cleanup deferred: %w", err)
	}
	for _, url := range expired {
		s.waiters.drop(url)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM deferred WHERE expires_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup deferred: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup deferred: %w", err)
	}
	return count, nil
}
