package storage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	subpay "github.com/subpay/subpay"
)

func testPlan(id string) *subpay.Plan {
	return &subpay.Plan{
		ID:             id,
		ContractPlanID: "0xcontract-" + id,
		Token:          "0x0",
		Amount:         big.NewInt(1500),
		Interval:       30 * 24 * time.Hour,
		Duration:       365 * 24 * time.Hour,
		GracePeriod:    3 * 24 * time.Hour,
		Creator:        "0xCreator",
		Active:         true,
		CreatedAt:      time.Unix(1700000000, 0),
	}
}

func testSubscription(planID, subscriber string) *subpay.Subscription {
	start := time.Unix(1700000000, 0)
	return &subpay.Subscription{
		ID:             "sub-" + planID + "-" + subscriber,
		PlanID:         planID,
		Subscriber:     subscriber,
		StartTime:      start,
		NextPaymentDue: start.Add(30 * 24 * time.Hour),
		EndTime:        start.Add(365 * 24 * time.Hour),
		TotalPaid:      big.NewInt(1500),
		Active:         true,
	}
}

func TestMemory_Plans(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	if err := store.CreatePlan(ctx, testPlan("p1")); err != nil {
		t.Fatalf("CreatePlan failed: %v", err)
	}
	if err := store.CreatePlan(ctx, testPlan("p1")); !errors.Is(err, ErrConflict) {
		t.Errorf("Duplicate plan id should conflict, got %v", err)
	}

	plan, err := store.GetPlan(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPlan failed: %v", err)
	}
	if plan.Amount.Cmp(big.NewInt(1500)) != 0 {
		t.Errorf("Unexpected amount %s", plan.Amount)
	}

	// Returned records are detached copies.
	plan.Amount.SetInt64(1)
	plan.Active = false
	again, _ := store.GetPlan(ctx, "p1")
	if again.Amount.Cmp(big.NewInt(1500)) != 0 || !again.Active {
		t.Error("Mutating a returned plan should not affect the store")
	}

	if _, err := store.GetPlan(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	if err := store.SetPlanActive(ctx, "p1", false); err != nil {
		t.Fatalf("SetPlanActive failed: %v", err)
	}
	active, _ := store.ListPlans(ctx, true)
	all, _ := store.ListPlans(ctx, false)
	if len(active) != 0 || len(all) != 1 {
		t.Errorf("Expected 0 active / 1 total, got %d / %d", len(active), len(all))
	}
}

func TestMemory_Subscriptions(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	sub := testSubscription("p1", "0xAlice")
	if err := store.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}

	t.Run("active duplicate conflicts", func(t *testing.T) {
		if err := store.CreateSubscription(ctx, testSubscription("p1", "0xalice")); !errors.Is(err, ErrConflict) {
			t.Errorf("Expected ErrConflict for same pair (case-insensitive), got %v", err)
		}
	})

	t.Run("lookup is case-insensitive", func(t *testing.T) {
		if _, err := store.GetSubscription(ctx, "p1", "0xALICE"); err != nil {
			t.Errorf("GetSubscription failed: %v", err)
		}
	})

	t.Run("re-subscribe after cancellation", func(t *testing.T) {
		cancelled, _ := store.GetSubscription(ctx, "p1", "0xAlice")
		cancelled.Active = false
		if err := store.UpdateSubscription(ctx, cancelled); err != nil {
			t.Fatalf("UpdateSubscription failed: %v", err)
		}
		if err := store.CreateSubscription(ctx, testSubscription("p1", "0xAlice")); err != nil {
			t.Errorf("Re-subscribe after cancellation should succeed, got %v", err)
		}
	})

	t.Run("list by subscriber", func(t *testing.T) {
		if err := store.CreateSubscription(ctx, testSubscription("p2", "0xAlice")); err != nil {
			t.Fatalf("CreateSubscription failed: %v", err)
		}
		subs, err := store.ListSubscriptionsBySubscriber(ctx, "0xalice", true)
		if err != nil {
			t.Fatalf("ListSubscriptionsBySubscriber failed: %v", err)
		}
		if len(subs) != 2 {
			t.Errorf("Expected 2 active subscriptions, got %d", len(subs))
		}
	})
}

func TestMemory_ConcurrentCreateSubscription(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	const goroutines = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes, conflicts := 0, 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub := testSubscription("p1", "0xAlice")
			sub.ID = fmt.Sprintf("sub-%d", i)
			err := store.CreateSubscription(ctx, sub)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("Unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if successes != 1 || conflicts != goroutines-1 {
		t.Errorf("Expected exactly one winner, got %d successes / %d conflicts", successes, conflicts)
	}
}

func TestMemory_Stats(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	if err := store.CreatePlan(ctx, testPlan("p1")); err != nil {
		t.Fatalf("CreatePlan failed: %v", err)
	}
	if err := store.CreatePlan(ctx, testPlan("p2")); err != nil {
		t.Fatalf("CreatePlan failed: %v", err)
	}
	if err := store.SetPlanActive(ctx, "p2", false); err != nil {
		t.Fatalf("SetPlanActive failed: %v", err)
	}
	if err := store.CreateSubscription(ctx, testSubscription("p1", "0xAlice")); err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalPlans != 2 || stats.ActivePlans != 1 {
		t.Errorf("Expected 2/1 plans, got %d/%d", stats.TotalPlans, stats.ActivePlans)
	}
	if stats.TotalSubscriptions != 1 || stats.ActiveSubscriptions != 1 {
		t.Errorf("Expected 1/1 subscriptions, got %d/%d", stats.TotalSubscriptions, stats.ActiveSubscriptions)
	}
	if stats.BlockchainConnected {
		t.Error("A bare store must not claim chain connectivity")
	}
}

func TestMemory_Payments(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	for i, subscriber := range []string{"0xAlice", "0xBob", "0xalice"} {
		err := store.RecordPayment(ctx, &subpay.PaymentRecord{
			ID:         string(rune('a' + i)),
			PlanID:     "p1",
			Subscriber: subscriber,
			Amount:     big.NewInt(1500),
			Timestamp:  time.Unix(1700000000, 0),
			Type:       subpay.PaymentTypeInitial,
		})
		if err != nil {
			t.Fatalf("RecordPayment failed: %v", err)
		}
	}

	payments, err := store.ListPaymentsBySubscriber(ctx, "0xALICE")
	if err != nil {
		t.Fatalf("ListPaymentsBySubscriber failed: %v", err)
	}
	if len(payments) != 2 {
		t.Errorf("Expected 2 payments for alice, got %d", len(payments))
	}
}
