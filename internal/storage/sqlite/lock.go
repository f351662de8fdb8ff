package sqlite

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/mistakeknot/concourse/internal/core"
)

// LockOptions tunes acquisition. Zero values take the defaults below.
type LockOptions struct {
	TTL        time.Duration // lease duration, default 30s
	MaxRetries int           // default 10
	BaseDelay  time.Duration // backoff base, default 50ms
	Holder     string        // default random uuid
}

func (o LockOptions) withDefaults() LockOptions {
	if o.TTL <= 0 {
		o.TTL = 30 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 10
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 50 * time.Millisecond
	}
	if o.Holder == "" {
		o.Holder = uuid.NewString()
	}
	return o
}

// LockHandle is a held lease on a resource.
type LockHandle struct {
	store      *Store
	Resource   string
	Holder     string
	Seq        int64
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// AcquireLock takes resource-scoped mutual exclusion via a single-row CAS.
// The upsert wins when no row exists, the prior lease has lapsed, or the
// same holder re-enters (which advances seq). While another holder's lease
// is live it backs off exponentially, failing with LockTimeoutError once
// retries are exhausted.
func (s *Store) AcquireLock(ctx context.Context, resource string, opts LockOptions) (*LockHandle, error) {
	if resource == "" {
		return nil, &core.ValidationError{Field: "resource", Reason: "required"}
	}
	opts = opts.withDefaults()

	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := opts.BaseDelay * (1 << (attempt - 1))
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, err
			}
		}
		handle, ok, err := s.tryAcquire(ctx, resource, opts)
		if err != nil {
			return nil, err
		}
		if ok {
			return handle, nil
		}
	}
	return nil, &core.LockTimeoutError{Resource: resource}
}

func (s *Store) tryAcquire(ctx context.Context, resource string, opts LockOptions) (*LockHandle, bool, error) {
	now := nowMS()
	expires := now.Add(opts.TTL)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO locks (resource, holder, seq, acquired_at, expires_at) VALUES (?, ?, 0, ?, ?)
		 ON CONFLICT(resource) DO UPDATE SET
			holder = excluded.holder,
			seq = locks.seq + 1,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		 WHERE locks.expires_at < ? OR locks.holder = excluded.holder`,
		resource, opts.Holder, msOf(now), msOf(expires), msOf(now),
	)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", resource, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", resource, err)
	}
	if affected == 0 {
		// Live lease held by someone else.
		return nil, false, nil
	}
	var seq int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT seq FROM locks WHERE resource = ? AND holder = ?`,
		resource, opts.Holder,
	).Scan(&seq); err != nil {
		return nil, false, fmt.Errorf("read lock seq: %w", err)
	}
	return &LockHandle{
		store:      s,
		Resource:   resource,
		Holder:     opts.Holder,
		Seq:        seq,
		AcquiredAt: now,
		ExpiresAt:  expires,
	}, true, nil
}

// Release deletes the lock row iff this handle still holds it. Zero rows
// affected means already released or expired-and-reacquired; that is a
// recoverable LockNotHeldError, not a fatal one.
func (h *LockHandle) Release(ctx context.Context) error {
	res, err := h.store.db.ExecContext(ctx,
		`DELETE FROM locks WHERE resource = ? AND holder = ?`,
		h.Resource, h.Holder,
	)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", h.Resource, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", h.Resource, err)
	}
	if affected == 0 {
		return &core.LockNotHeldError{Resource: h.Resource, Holder: h.Holder}
	}
	return nil
}

// WithLock acquires, runs work, and always attempts release. Release
// errors during cleanup are swallowed so work's own failure propagates.
func (s *Store) WithLock(ctx context.Context, resource string, opts LockOptions, work func(ctx context.Context) error) error {
	handle, err := s.AcquireLock(ctx, resource, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := handle.Release(context.WithoutCancel(ctx)); err != nil {
			log.Printf("release lock %s: %v", resource, err)
		}
	}()
	return work(ctx)
}

// CleanupExpiredLocks drops rows whose lease has lapsed. Expired rows are
// already overwritable by the acquire CAS; this is hygiene for the sweeper.
func (s *Store) CleanupExpiredLocks(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE expires_at < ?`, msOf(nowMS()))
	if err != nil {
		return 0, fmt.Errorf("cleanup locks: %w", err)
	}
	return res.RowsAffected()
}
