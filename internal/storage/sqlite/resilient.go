package sqlite

import (
	"context"
	"errors"
	"time"

	"github.com/mistakeknot/concourse/internal/core"
	"github.com/mistakeknot/concourse/internal/storage"
)

// Compile-time interface check.
var _ storage.Store = (*ResilientStore)(nil)

// ResilientStore wraps every Store method with CircuitBreaker + RetryOnBusy
// for resilience against transient SQLite errors (database-is-locked,
// connection failures).
type ResilientStore struct {
	inner *Store
	cb    *CircuitBreaker
}

// NewResilient creates a ResilientStore with default circuit breaker
// settings (threshold=5, resetTimeout=30s).
func NewResilient(inner *Store) *ResilientStore {
	return &ResilientStore{inner: inner, cb: NewCircuitBreaker(5, 30*time.Second)}
}

// NewResilientWithBreaker creates a ResilientStore with a custom breaker.
func NewResilientWithBreaker(inner *Store, cb *CircuitBreaker) *ResilientStore {
	return &ResilientStore{inner: inner, cb: cb}
}

// Inner exposes the wrapped store for the durable primitives (cursors,
// locks, deferreds, mailboxes) that live on the concrete type.
func (r *ResilientStore) Inner() *Store { return r.inner }

// CircuitBreakerState returns the breaker state as a string.
func (r *ResilientStore) CircuitBreakerState() string {
	return r.cb.State().String()
}

// isExpectedError reports whether err is an application-level outcome
// rather than an infrastructure failure. Expected errors pass through the
// breaker without counting toward tripping it.
func isExpectedError(err error) bool {
	if err == nil {
		return false
	}
	var (
		validation  *core.ValidationError
		lockTimeout *core.LockTimeoutError
		lockNotHeld *core.LockNotHeldError
		defNotFound *core.DeferredNotFoundError
		defTimeout  *core.DeferredTimeoutError
		defRejected *core.DeferredRejectedError
	)
	switch {
	case errors.As(err, &validation),
		errors.As(err, &lockTimeout),
		errors.As(err, &lockNotHeld),
		errors.As(err, &defNotFound),
		errors.As(err, &defTimeout),
		errors.As(err, &defRejected),
		IsNotFound(err),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

// guard runs fn under breaker + busy-retry and returns its value.
func guard[T any](r *ResilientStore, ctx context.Context, fn func() (T, error)) (T, error) {
	var result T
	err := r.cb.Execute(func() error {
		return RetryOnBusy(ctx, func() error {
			var innerErr error
			result, innerErr = fn()
			return innerErr
		})
	})
	return result, err
}

func (r *ResilientStore) guardErr(ctx context.Context, fn func() error) error {
	return r.cb.Execute(func() error {
		return RetryOnBusy(ctx, fn)
	})
}

func (r *ResilientStore) AppendEvent(ctx context.Context, ev core.Event) (core.Event, error) {
	return guard(r, ctx, func() (core.Event, error) { return r.inner.AppendEvent(ctx, ev) })
}

func (r *ResilientStore) AppendBatch(ctx context.Context, evs []core.Event) ([]core.Event, error) {
	return guard(r, ctx, func() ([]core.Event, error) { return r.inner.AppendBatch(ctx, evs) })
}

func (r *ResilientStore) ReadEvents(ctx context.Context, f storage.Filter) ([]core.Event, error) {
	return guard(r, ctx, func() ([]core.Event, error) { return r.inner.ReadEvents(ctx, f) })
}

func (r *ResilientStore) Replay(ctx context.Context, f storage.Filter, clearViews bool) (storage.ReplayResult, error) {
	return guard(r, ctx, func() (storage.ReplayResult, error) { return r.inner.Replay(ctx, f, clearViews) })
}

func (r *ResilientStore) ReplayBatched(ctx context.Context, projectKey string, onBatch func(storage.Progress), opts storage.ReplayOptions) (storage.ReplayResult, error) {
	return guard(r, ctx, func() (storage.ReplayResult, error) {
		return r.inner.ReplayBatched(ctx, projectKey, onBatch, opts)
	})
}

func (r *ResilientStore) RegisterAgent(ctx context.Context, projectKey string, reg core.AgentRegistered) (core.Agent, error) {
	return guard(r, ctx, func() (core.Agent, error) { return r.inner.RegisterAgent(ctx, projectKey, reg) })
}

func (r *ResilientStore) TouchAgent(ctx context.Context, projectKey, name string) (core.Agent, error) {
	return guard(r, ctx, func() (core.Agent, error) { return r.inner.TouchAgent(ctx, projectKey, name) })
}

func (r *ResilientStore) GetAgent(ctx context.Context, projectKey, name string) (core.Agent, error) {
	return guard(r, ctx, func() (core.Agent, error) { return r.inner.GetAgent(ctx, projectKey, name) })
}

func (r *ResilientStore) ListAgents(ctx context.Context, projectKey string) ([]core.Agent, error) {
	return guard(r, ctx, func() ([]core.Agent, error) { return r.inner.ListAgents(ctx, projectKey) })
}

func (r *ResilientStore) SendMessage(ctx context.Context, projectKey string, msg core.MessageSent) (core.Event, error) {
	return guard(r, ctx, func() (core.Event, error) { return r.inner.SendMessage(ctx, projectKey, msg) })
}

func (r *ResilientStore) Inbox(ctx context.Context, projectKey, agent string, opts storage.InboxOptions) ([]core.Message, error) {
	return guard(r, ctx, func() ([]core.Message, error) { return r.inner.Inbox(ctx, projectKey, agent, opts) })
}

func (r *ResilientStore) GetMessage(ctx context.Context, projectKey string, id int64) (core.Message, error) {
	return guard(r, ctx, func() (core.Message, error) { return r.inner.GetMessage(ctx, projectKey, id) })
}

func (r *ResilientStore) ThreadMessages(ctx context.Context, projectKey, threadID string) ([]core.Message, error) {
	return guard(r, ctx, func() ([]core.Message, error) { return r.inner.ThreadMessages(ctx, projectKey, threadID) })
}

func (r *ResilientStore) MarkRead(ctx context.Context, projectKey string, messageID int64, agent string) error {
	return r.guardErr(ctx, func() error { return r.inner.MarkRead(ctx, projectKey, messageID, agent) })
}

func (r *ResilientStore) MarkAck(ctx context.Context, projectKey string, messageID int64, agent string) error {
	return r.guardErr(ctx, func() error { return r.inner.MarkAck(ctx, projectKey, messageID, agent) })
}

func (r *ResilientStore) ReservePaths(ctx context.Context, projectKey string, req storage.ReserveRequest) (storage.ReserveResult, error) {
	return guard(r, ctx, func() (storage.ReserveResult, error) { return r.inner.ReservePaths(ctx, projectKey, req) })
}

func (r *ResilientStore) ReleasePaths(ctx context.Context, projectKey, agent string, paths []string) (int, error) {
	return guard(r, ctx, func() (int, error) { return r.inner.ReleasePaths(ctx, projectKey, agent, paths) })
}

func (r *ResilientStore) ActiveReservations(ctx context.Context, projectKey, agent string) ([]core.Reservation, error) {
	return guard(r, ctx, func() ([]core.Reservation, error) { return r.inner.ActiveReservations(ctx, projectKey, agent) })
}

func (r *ResilientStore) CheckConflicts(ctx context.Context, projectKey, agent string, paths []string) ([]core.Conflict, error) {
	return guard(r, ctx, func() ([]core.Conflict, error) { return r.inner.CheckConflicts(ctx, projectKey, agent, paths) })
}

func (r *ResilientStore) Health(ctx context.Context) (storage.Health, error) {
	return guard(r, ctx, func() (storage.Health, error) { return r.inner.Health(ctx) })
}

func (r *ResilientStore) Snapshot(ctx context.Context, projectKey string) (storage.Snapshot, error) {
	return guard(r, ctx, func() (storage.Snapshot, error) { return r.inner.Snapshot(ctx, projectKey) })
}

// Close delegates directly to the inner store without breaker or retry.
func (r *ResilientStore) Close() error {
	return r.inner.Close()
}
