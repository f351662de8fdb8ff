package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mistakeknot/concourse/internal/core"
)

func TestDeferredResolveThenAwait(t *testing.T) {
	st := NewStoreTest(t)
	ctx := context.Background()

	d, err := st.CreateDeferred(ctx, time.Minute)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(d.URL, "deferred/") {
		t.Fatalf("token shape: %s", d.URL)
	}

	if err := st.ResolveDeferred(ctx, d.URL, json.RawMessage(`{"answer":42}`)); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// The resolution happened before the await; the buffered fast path
	// must still hand it over.
	value, err := st.AwaitDeferred(ctx, d.URL, time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if string(value) != `{"answer":42}` {
		t.Fatalf("value = %s", value)
	}
}

func TestDeferredAwaitThenResolve(t *testing.T) {
	st := NewStoreTest(t)
	ctx := context.Background()

	d, _ := st.CreateDeferred(ctx, time.Minute)
	go func() {
		time.Sleep(30 * time.Millisecond)
		st.ResolveDeferred(ctx, d.URL, json.RawMessage(`"done"`))
	}()

	value, err := st.AwaitDeferred(ctx, d.URL, 2*time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if string(value) != `"done"` {
		t.Fatalf("value = %s", value)
	}
}

func TestDeferredReject(t *testing.T) {
	st := NewStoreTest(t)
	ctx := context.Background()

	d, _ := st.CreateDeferred(ctx, time.Minute)
	if err := st.RejectDeferred(ctx, d.URL, "no capacity"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	_, err := st.AwaitDeferred(ctx, d.URL, time.Second)
	var rejected *core.DeferredRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected DeferredRejectedError, got %v", err)
	}
	if rejected.Message != "no capacity" {
		t.Fatalf("message = %s", rejected.Message)
	}
}

func TestDeferredAwaitTimeout(t *testing.T) {
	st := NewStoreTest(t)

	d, _ := st.CreateDeferred(context.Background(), time.Minute)
	_, err := st.AwaitDeferred(context.Background(), d.URL, 50*time.Millisecond)
	var timeout *core.DeferredTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected DeferredTimeoutError, got %v", err)
	}
}

func TestDeferredUnknownToken(t *testing.T) {
	st := NewStoreTest(t)

	_, err := st.AwaitDeferred(context.Background(), "deferred/nope", time.Second)
	var notFound *core.DeferredNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected DeferredNotFoundError, got %v", err)
	}
	if err := st.ResolveDeferred(context.Background(), "deferred/nope", nil); !errors.As(err, &notFound) {
		t.Fatalf("resolve unknown: got %v", err)
	}
}

func TestDeferredFirstResolverWins(t *testing.T) {
	st := NewStoreTest(t)
	ctx := context.Background()

	d, _ := st.CreateDeferred(ctx, time.Minute)
	if err := st.ResolveDeferred(ctx, d.URL, json.RawMessage(`"first"`)); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	var notFound *core.DeferredNotFoundError
	if err := st.ResolveDeferred(ctx, d.URL, json.RawMessage(`"second"`)); !errors.As(err, &notFound) {
		t.Fatalf("second resolve: got %v", err)
	}
	if err := st.RejectDeferred(ctx, d.URL, "late"); !errors.As(err, &notFound) {
		t.Fatalf("late reject: got %v", err)
	}

	value, err := st.AwaitDeferred(ctx, d.URL, time.Second)
	if err != nil || string(value) != `"first"` {
		t.Fatalf("await after race: %s, %v", value, err)
	}
}

func TestDeferredPollFallback(t *testing.T) {
	st := NewStoreTest(t)
	ctx := context.Background()

	d, _ := st.CreateDeferred(ctx, time.Minute)
	// Simulate a different process awaiting: no in-process waiter channel.
	st.waiters.drop(d.URL)

	go func() {
		time.Sleep(30 * time.Millisecond)
		st.ResolveDeferred(ctx, d.URL, json.RawMessage(`"polled"`))
	}()

	value, err := st.AwaitDeferred(ctx, d.URL, 2*time.Second)
	if err != nil {
		t.Fatalf("await via poll: %v", err)
	}
	if string(value) != `"polled"` {
		t.Fatalf("value = %s", value)
	}
}

func TestDeferredRejectsNonPositiveTTL(t *testing.T) {
	st := NewStoreTest(t)

	_, err := st.CreateDeferred(context.Background(), 0)
	var validation *core.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestCleanupDeferred(t *testing.T) {
	st := NewStoreTest(t)
	ctx := context.Background()

	expired, _ := st.CreateDeferred(ctx, 10*time.Millisecond)
	live, _ := st.CreateDeferred(ctx, time.Minute)
	time.Sleep(20 * time.Millisecond)

	n, err := st.CleanupDeferred(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("cleaned %d, want 1", n)
	}

	var notFound *core.DeferredNotFoundError
	if _, err := st.AwaitDeferred(ctx, expired.URL, 50*time.Millisecond); !errors.As(err, &notFound) {
		t.Fatalf("expired token: got %v, want DeferredNotFoundError", err)
	}
	if err := st.ResolveDeferred(ctx, live.URL, nil); err != nil {
		t.Fatalf("live token survived cleanup but resolve failed: %v", err)
	}
}
