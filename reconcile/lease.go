package reconcile

import (
	"context"
	"sync"
)

// LeaseTable serializes effectful processing per order number.
//
// Holding a lease means no other goroutine is inside the write section for
// the same key. Waiters block on the holder's channel and re-contend when it
// closes, respecting context cancellation while they wait.
//
// This is sufficient for a single-process deployment. Multi-instance
// deployments additionally rely on the storage layer's conditional writes
// (terminal statuses and trade numbers are write-once there).
type LeaseTable struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

// NewLeaseTable creates an empty lease table.
func NewLeaseTable() *LeaseTable {
	return &LeaseTable{held: make(map[string]chan struct{})}
}

// Acquire blocks until the lease for key is free, then takes it. The
// returned release function must be called on every exit path; it is safe to
// call exactly once.
func (t *LeaseTable) Acquire(ctx context.Context, key string) (func(), error) {
	for {
		t.mu.Lock()
		ch, taken := t.held[key]
		if !taken {
			done := make(chan struct{})
			t.held[key] = done
			t.mu.Unlock()
			return func() { t.release(key, done) }, nil
		}
		t.mu.Unlock()

		select {
		case <-ch:
			// Holder finished; contend again.
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (t *LeaseTable) release(key string, done chan struct{}) {
	t.mu.Lock()
	delete(t.held, key)
	t.mu.Unlock()
	close(done)
}
