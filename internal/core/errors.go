package core

import (
	"fmt"
	"time"
)

// StoreError wraps an insert or transaction failure. When Rollback is
// non-nil the rollback itself also failed and the store may hold partial
// state; callers must never ignore that case.
type StoreError struct {
	Op       string
	Err      error
	Rollback error
}

func (e *StoreError) Error() string {
	if e.Rollback != nil {
		return fmt.Sprintf("store %s: %v (rollback also failed, store may be inconsistent: %v)", e.Op, e.Err, e.Rollback)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ValidationError rejects a malformed payload before it reaches the log.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// LockTimeoutError means contention on a resource outlasted the retry
// budget. Retryable by the caller.
type LockTimeoutError struct {
	Resource string
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("lock timeout: %s", e.Resource)
}

// LockNotHeldError means a release found no row for (resource, holder):
// either already released, or expired and reacquired by someone else.
type LockNotHeldError struct {
	Resource string
	Holder   string
}

func (e *LockNotHeldError) Error() string {
	return fmt.Sprintf("lock not held: %s by %s", e.Resource, e.Holder)
}

// DeferredNotFoundError covers both "token never existed" and "already
// resolved"; the conditional update cannot tell them apart.
type DeferredNotFoundError struct {
	URL string
}

func (e *DeferredNotFoundError) Error() string {
	return fmt.Sprintf("deferred not found: %s", e.URL)
}

// DeferredTimeoutError means an await outlasted its TTL.
type DeferredTimeoutError struct {
	URL string
	TTL time.Duration
}

func (e *DeferredTimeoutError) Error() string {
	return fmt.Sprintf("deferred timeout after %s: %s", e.TTL, e.URL)
}

// DeferredRejectedError surfaces a deferred that was resolved with an
// error by the remote side.
type DeferredRejectedError struct {
	URL     string
	Message string
}

func (e *DeferredRejectedError) Error() string {
	return fmt.Sprintf("deferred rejected: %s: %s", e.URL, e.Message)
}
