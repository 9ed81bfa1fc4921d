package nonce

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryRegistry_Consume(t *testing.T) {
	ctx := context.Background()

	t.Run("first use succeeds, second is a replay", func(t *testing.T) {
		r := NewMemoryRegistry(DefaultRetention)

		if err := r.Consume(ctx, "0xAbC123", "nonce-1"); err != nil {
			t.Fatalf("First consume failed: %v", err)
		}
		if err := r.Consume(ctx, "0xAbC123", "nonce-1"); !errors.Is(err, ErrReplay) {
			t.Errorf("Expected ErrReplay, got %v", err)
		}
	})

	t.Run("address comparison is case-insensitive", func(t *testing.T) {
		r := NewMemoryRegistry(DefaultRetention)

		if err := r.Consume(ctx, "0xABCDEF", "n"); err != nil {
			t.Fatalf("Consume failed: %v", err)
		}
		if err := r.Consume(ctx, "0xabcdef", "n"); !errors.Is(err, ErrReplay) {
			t.Errorf("Expected ErrReplay for same address in different case, got %v", err)
		}
	})

	t.Run("different nonce or address is not a replay", func(t *testing.T) {
		r := NewMemoryRegistry(DefaultRetention)

		if err := r.Consume(ctx, "0xaaaa", "n1"); err != nil {
			t.Fatalf("Consume failed: %v", err)
		}
		if err := r.Consume(ctx, "0xaaaa", "n2"); err != nil {
			t.Errorf("Different nonce should not be a replay: %v", err)
		}
		if err := r.Consume(ctx, "0xbbbb", "n1"); err != nil {
			t.Errorf("Different address should not be a replay: %v", err)
		}
	})

	t.Run("nonce may reappear after the retention window", func(t *testing.T) {
		r := NewMemoryRegistry(10 * time.Minute)
		now := time.Unix(1700000000, 0)
		r.SetClock(func() time.Time { return now })

		if err := r.Consume(ctx, "0xaaaa", "n"); err != nil {
			t.Fatalf("Consume failed: %v", err)
		}

		now = now.Add(9 * time.Minute)
		if err := r.Consume(ctx, "0xaaaa", "n"); !errors.Is(err, ErrReplay) {
			t.Errorf("Expected ErrReplay inside the window, got %v", err)
		}

		now = now.Add(2 * time.Minute)
		if err := r.Consume(ctx, "0xaaaa", "n"); err != nil {
			t.Errorf("Nonce should be reusable after retention, got %v", err)
		}
	})

	t.Run("old records are purged lazily", func(t *testing.T) {
		r := NewMemoryRegistry(10 * time.Minute)
		now := time.Unix(1700000000, 0)
		r.SetClock(func() time.Time { return now })

		for _, n := range []string{"a", "b", "c"} {
			if err := r.Consume(ctx, "0xaaaa", n); err != nil {
				t.Fatalf("Consume failed: %v", err)
			}
		}

		now = now.Add(11 * time.Minute)
		if err := r.Consume(ctx, "0xaaaa", "d"); err != nil {
			t.Fatalf("Consume failed: %v", err)
		}
		if got := r.Len(); got != 1 {
			t.Errorf("Expected 1 retained record after lazy purge, got %d", got)
		}
	})
}

func TestMemoryRegistry_ConcurrentConsume(t *testing.T) {
	r := NewMemoryRegistry(DefaultRetention)
	ctx := context.Background()

	const goroutines = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Consume(ctx, "0xaaaa", "contested"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("Exactly one concurrent consume should win, got %d", successes)
	}
}
