package nonce

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryRegistry provides an in-memory implementation of Registry.
//
// This implementation is suitable for single-instance deployments where
// replay state doesn't need to be shared across processes. For distributed
// deployments, use the database-backed registry in the storage package.
type MemoryRegistry struct {
	mu        sync.Mutex
	seen      map[pairKey]time.Time
	retention time.Duration
	now       func() time.Time
}

type pairKey struct {
	address string
	nonce   string
}

// NewMemoryRegistry creates an in-memory registry with the given retention
// window. A zero retention falls back to DefaultRetention.
func NewMemoryRegistry(retention time.Duration) *MemoryRegistry {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryRegistry{
		seen:      make(map[pairKey]time.Time),
		retention: retention,
		now:       time.Now,
	}
}

// SetClock replaces the registry's clock. Intended for tests.
func (r *MemoryRegistry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Consume atomically records the (address, nonce) pair, failing with
// ErrReplay if it was seen within the retention window.
func (r *MemoryRegistry) Consume(ctx context.Context, address, nonce string) error {
	key := pairKey{address: strings.ToLower(address), nonce: nonce}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if issued, exists := r.seen[key]; exists {
		if now.Sub(issued) < r.retention {
			return ErrReplay
		}
		// Outside the window the value may legally reappear.
	}
	r.seen[key] = now

	// Lazy cleanup keeps the map bounded without a background task.
	r.purgeLocked(now.Add(-r.retention))
	return nil
}

// Purge removes records older than the cutoff.
func (r *MemoryRegistry) Purge(ctx context.Context, olderThan time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purgeLocked(olderThan)
	return nil
}

func (r *MemoryRegistry) purgeLocked(cutoff time.Time) {
	for key, issued := range r.seen {
		if issued.Before(cutoff) {
			delete(r.seen, key)
		}
	}
}

// Len reports the number of retained records. Intended for tests.
func (r *MemoryRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}
