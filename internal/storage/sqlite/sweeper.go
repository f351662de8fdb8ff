package sqlite

import (
	"context"
	"log"
	"time"
)

// Sweeper runs a background goroutine that periodically deletes expired
// deferreds and lapsed lock leases. Reservations need no sweeping: they
// expire at query time and stay in the log for replay.
type Sweeper struct {
	store    *Store
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSweeper creates a Sweeper. Call Start to begin sweeping.
func NewSweeper(store *Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches the background sweep goroutine.
func (sw *Sweeper) Start(ctx context.Context) {
	ctx, sw.cancel = context.WithCancel(ctx)

	go func() {
		defer close(sw.done)

		sw.runSweep(ctx)

		ticker := time.NewTicker(sw.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sw.runSweep(ctx)
			}
		}
	}()
}

// Stop cancels the sweep goroutine and waits for it to finish.
func (sw *Sweeper) Stop() {
	if sw.cancel != nil {
		sw.cancel()
	}
	<-sw.done
}

func (sw *Sweeper) runSweep(ctx context.Context) {
	deferreds, err := sw.store.CleanupDeferred(ctx)
	if err != nil {
		log.Printf("sweeper: cleanup deferred: %v", err)
	}
	locks, err := sw.store.CleanupExpiredLocks(ctx)
	if err != nil {
		log.Printf("sweeper: cleanup locks: %v", err)
	}
	if deferreds > 0 || locks > 0 {
		log.Printf("sweeper: removed %d expired deferred(s), %d lapsed lock(s)", deferreds, locks)
	}
}
