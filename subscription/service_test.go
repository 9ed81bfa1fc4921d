package subscription

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	subpay "github.com/subpay/subpay"
	"github.com/subpay/subpay/storage"
	"github.com/subpay/subpay/urlcipher"
)

const (
	creatorAddr    = "0x742d35Cc6634C0532925a3b844Bc9e7595f0f8a3"
	subscriberAddr = "0x1111111111111111111111111111111111111111"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestService(t *testing.T) (*Service, *fakeClock) {
	t.Helper()
	cipher, err := urlcipher.New("test-sealing-key")
	if err != nil {
		t.Fatalf("urlcipher.New: %v", err)
	}
	clk := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	svc := NewService(storage.NewMemory(), cipher,
		WithClock(clk.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	return svc, clk
}

// oneEth is 10^18 base units.
var oneEth = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

func eth(whole, tenths int64) *big.Int {
	v := new(big.Int).Mul(big.NewInt(whole*10+tenths), oneEth)
	return v.Div(v, big.NewInt(10))
}

func payment(payer string, amount *big.Int) *subpay.VerifiedPayment {
	return &subpay.VerifiedPayment{
		Amount: amount,
		Token:  "0x0000000000000000000000000000000000000000",
		Payer:  payer,
		Nonce:  "n-" + payer,
	}
}

func mustCreatePlan(t *testing.T, svc *Service, amount *big.Int) *subpay.Plan {
	t.Helper()
	plan, err := svc.CreatePlan(context.Background(), payment(creatorAddr, amount), CreatePlanInput{
		Token:       "0x0000000000000000000000000000000000000000",
		Amount:      amount,
		Interval:    30 * 24 * time.Hour,
		Duration:    365 * 24 * time.Hour,
		GracePeriod: 3 * 24 * time.Hour,
		APIURL:      "https://api.example.com/v1/data",
		Description: "premium data feed",
	})
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	return plan
}

func expectCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil error", code)
	}
	pe, ok := err.(*subpay.PaymentError)
	if !ok {
		t.Fatalf("expected *subpay.PaymentError, got %T: %v", err, err)
	}
	if pe.Code != code {
		t.Fatalf("error code = %s, want %s (message: %s)", pe.Code, code, pe.Message)
	}
}

func TestCreatePlan(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	plan := mustCreatePlan(t, svc, eth(1, 5))

	if plan.Creator != creatorAddr {
		t.Errorf("creator = %s, want the verified payer", plan.Creator)
	}
	if !plan.Active {
		t.Error("new plan should be active")
	}
	if plan.SealedAPIURL == "" || plan.SealedAPIURL == "https://api.example.com/v1/data" {
		t.Error("API URL should be stored sealed, not in plaintext")
	}

	got, err := svc.GetPlan(ctx, plan.ID)
	if err != nil {
		t.Fatalf("GetPlan: %v", err)
	}
	if got.Amount.Cmp(eth(1, 5)) != 0 {
		t.Errorf("amount = %s, want %s", got.Amount, eth(1, 5))
	}

	t.Run("rejects non-positive amount", func(t *testing.T) {
		_, err := svc.CreatePlan(ctx, payment(creatorAddr, big.NewInt(0)), CreatePlanInput{
			Amount: big.NewInt(0),
			APIURL: "https://api.example.com",
		})
		expectCode(t, err, subpay.ErrCodeInsufficientPayment)
	})
}

func TestDeactivatePlan(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	plan := mustCreatePlan(t, svc, eth(1, 0))

	t.Run("non-creator rejected", func(t *testing.T) {
		err := svc.DeactivatePlan(ctx, payment(subscriberAddr, eth(1, 0)), plan.ID)
		expectCode(t, err, subpay.ErrCodeNotOwner)
	})

	t.Run("creator address match is case-insensitive", func(t *testing.T) {
		upper := "0x" + "742D35CC6634C0532925A3B844BC9E7595F0F8A3"
		if err := svc.DeactivatePlan(ctx, payment(upper, eth(1, 0)), plan.ID); err != nil {
			t.Fatalf("DeactivatePlan: %v", err)
		}
	})

	t.Run("deactivated plan refuses new subscribers", func(t *testing.T) {
		_, err := svc.Subscribe(ctx, payment(subscriberAddr, eth(1, 0)), plan.ID, false)
		expectCode(t, err, subpay.ErrCodePlanInactive)
	})

	t.Run("unknown plan", func(t *testing.T) {
		err := svc.DeactivatePlan(ctx, payment(creatorAddr, eth(1, 0)), "missing")
		expectCode(t, err, subpay.ErrCodePlanNotFound)
	})
}

func TestSubscribe(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()
	plan := mustCreatePlan(t, svc, eth(1, 5))

	t.Run("admits payment covering the plan amount", func(t *testing.T) {
		sub, err := svc.Subscribe(ctx, payment(subscriberAddr, eth(1, 5)), plan.ID, true)
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		now := clk.Now()
		if !sub.NextPaymentDue.Equal(now.Add(plan.Interval)) {
			t.Errorf("next due = %v, want start + interval", sub.NextPaymentDue)
		}
		if !sub.EndTime.Equal(now.Add(plan.Duration)) {
			t.Errorf("end = %v, want start + duration", sub.EndTime)
		}
		if sub.TotalPaid.Cmp(plan.Amount) != 0 {
			t.Errorf("total paid = %s, want plan amount", sub.TotalPaid)
		}

		history, err := svc.PaymentHistory(ctx, subscriberAddr)
		if err != nil {
			t.Fatalf("PaymentHistory: %v", err)
		}
		if len(history) != 1 || history[0].Type != subpay.PaymentTypeInitial {
			t.Errorf("expected one initial payment record, got %+v", history)
		}
	})

	t.Run("second subscribe rejected", func(t *testing.T) {
		_, err := svc.Subscribe(ctx, payment(subscriberAddr, eth(1, 5)), plan.ID, false)
		expectCode(t, err, subpay.ErrCodeAlreadySubscribed)
	})

	t.Run("1.49 below a 1.5 plan is insufficient", func(t *testing.T) {
		short, _ := new(big.Int).SetString("1490000000000000000", 10)
		_, err := svc.Subscribe(ctx, payment("0x2222222222222222222222222222222222222222", short), plan.ID, false)
		expectCode(t, err, subpay.ErrCodeInsufficientPayment)
	})

	t.Run("overpayment admitted", func(t *testing.T) {
		if _, err := svc.Subscribe(ctx, payment("0x3333333333333333333333333333333333333333", eth(2, 0)), plan.ID, false); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	})

	t.Run("unknown plan", func(t *testing.T) {
		_, err := svc.Subscribe(ctx, payment(subscriberAddr, eth(1, 5)), "missing", false)
		expectCode(t, err, subpay.ErrCodePlanNotFound)
	})
}

func TestSubscribeConcurrentSingleWinner(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	plan := mustCreatePlan(t, svc, eth(1, 0))

	const n = 16
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Subscribe(ctx, payment(subscriberAddr, eth(1, 0)), plan.ID, false)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var wins, conflicts int
	for err := range errs {
		switch {
		case err == nil:
			wins++
		default:
			expectCode(t, err, subpay.ErrCodeAlreadySubscribed)
			conflicts++
		}
	}
	if wins != 1 || conflicts != n-1 {
		t.Fatalf("wins = %d, conflicts = %d; want exactly one winner", wins, conflicts)
	}
}

func TestProcessRecurringPayment(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()
	plan := mustCreatePlan(t, svc, eth(1, 0))
	sub, err := svc.Subscribe(ctx, payment(subscriberAddr, eth(1, 0)), plan.ID, true)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	firstDue := sub.NextPaymentDue

	t.Run("before the due date", func(t *testing.T) {
		_, err := svc.ProcessRecurringPayment(ctx, payment(subscriberAddr, eth(1, 0)), plan.ID, subscriberAddr)
		expectCode(t, err, subpay.ErrCodeNotDue)
	})

	t.Run("at the due date advances by exactly one interval", func(t *testing.T) {
		clk.Advance(plan.Interval)
		renewed, err := svc.ProcessRecurringPayment(ctx, payment(subscriberAddr, eth(1, 0)), plan.ID, subscriberAddr)
		if err != nil {
			t.Fatalf("ProcessRecurringPayment: %v", err)
		}
		if !renewed.NextPaymentDue.Equal(firstDue.Add(plan.Interval)) {
			t.Errorf("next due = %v, want previous due + interval", renewed.NextPaymentDue)
		}
		want := new(big.Int).Mul(plan.Amount, big.NewInt(2))
		if renewed.TotalPaid.Cmp(want) != 0 {
			t.Errorf("total paid = %s, want %s", renewed.TotalPaid, want)
		}

		history, err := svc.PaymentHistory(ctx, subscriberAddr)
		if err != nil {
			t.Fatalf("PaymentHistory: %v", err)
		}
		if len(history) != 2 || history[1].Type != subpay.PaymentTypeRecurring {
			t.Errorf("expected initial + recurring records, got %d", len(history))
		}
	})

	t.Run("insufficient renewal amount", func(t *testing.T) {
		clk.Advance(plan.Interval)
		_, err := svc.ProcessRecurringPayment(ctx, payment(subscriberAddr, eth(0, 9)), plan.ID, subscriberAddr)
		expectCode(t, err, subpay.ErrCodeInsufficientPayment)
	})

	t.Run("past the subscription end", func(t *testing.T) {
		clk.Advance(plan.Duration)
		_, err := svc.ProcessRecurringPayment(ctx, payment(subscriberAddr, eth(1, 0)), plan.ID, subscriberAddr)
		expectCode(t, err, subpay.ErrCodeSubscriptionExpired)
	})

	t.Run("unknown subscription", func(t *testing.T) {
		_, err := svc.ProcessRecurringPayment(ctx, payment(subscriberAddr, eth(1, 0)), plan.ID, "0x9999999999999999999999999999999999999999")
		expectCode(t, err, subpay.ErrCodeSubscriptionNotFound)
	})
}

func TestRenewalOnCancelledSubscriptionBeforeDueDate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	plan := mustCreatePlan(t, svc, eth(1, 0))
	if _, err := svc.Subscribe(ctx, payment(subscriberAddr, eth(1, 0)), plan.ID, true); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := svc.Cancel(ctx, payment(subscriberAddr, eth(1, 0)), plan.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// Still before the due date; the subscription being dead must win over
	// the payment not being due.
	_, err := svc.ProcessRecurringPayment(ctx, payment(subscriberAddr, eth(1, 0)), plan.ID, subscriberAddr)
	expectCode(t, err, subpay.ErrCodeSubscriptionExpired)
}

func TestCancel(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	plan := mustCreatePlan(t, svc, eth(1, 0))
	if _, err := svc.Subscribe(ctx, payment(subscriberAddr, eth(1, 0)), plan.ID, false); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := svc.Cancel(ctx, payment(subscriberAddr, eth(1, 0)), plan.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	st, err := svc.GetSubscription(ctx, plan.ID, subscriberAddr)
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if st.Status != subpay.StatusCancelled {
		t.Errorf("status = %s, want cancelled", st.Status)
	}

	t.Run("cancelled subscriber may re-subscribe", func(t *testing.T) {
		if _, err := svc.Subscribe(ctx, payment(subscriberAddr, eth(1, 0)), plan.ID, false); err != nil {
			t.Fatalf("re-subscribe after cancel: %v", err)
		}
	})

	t.Run("cancel without a subscription", func(t *testing.T) {
		err := svc.Cancel(ctx, payment("0x4444444444444444444444444444444444444444", eth(1, 0)), plan.ID)
		expectCode(t, err, subpay.ErrCodeSubscriptionNotFound)
	})
}

func TestAccess(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()
	plan := mustCreatePlan(t, svc, eth(1, 0))
	if _, err := svc.Subscribe(ctx, payment(subscriberAddr, eth(1, 0)), plan.ID, true); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	t.Run("granted while current", func(t *testing.T) {
		grant, err := svc.Access(ctx, plan.ID, subscriberAddr)
		if err != nil {
			t.Fatalf("Access: %v", err)
		}
		if grant.APIURL != "https://api.example.com/v1/data" {
			t.Errorf("unsealed URL = %q", grant.APIURL)
		}
	})

	t.Run("granted inside the grace period", func(t *testing.T) {
		clk.Advance(plan.Interval + plan.GracePeriod - time.Second)
		if _, err := svc.Access(ctx, plan.ID, subscriberAddr); err != nil {
			t.Fatalf("Access within grace: %v", err)
		}
	})

	t.Run("denied at due plus grace", func(t *testing.T) {
		clk.Advance(time.Second)
		_, err := svc.Access(ctx, plan.ID, subscriberAddr)
		expectCode(t, err, subpay.ErrCodeSubscriptionExpired)
	})

	t.Run("renewal restores access", func(t *testing.T) {
		if _, err := svc.ProcessRecurringPayment(ctx, payment(subscriberAddr, eth(1, 0)), plan.ID, subscriberAddr); err != nil {
			t.Fatalf("ProcessRecurringPayment: %v", err)
		}
		if _, err := svc.Access(ctx, plan.ID, subscriberAddr); err != nil {
			t.Fatalf("Access after renewal: %v", err)
		}
	})

	t.Run("unknown subscription", func(t *testing.T) {
		_, err := svc.Access(ctx, plan.ID, "0x5555555555555555555555555555555555555555")
		expectCode(t, err, subpay.ErrCodeSubscriptionNotFound)
	})
}

func TestStatusDerivation(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()
	plan := mustCreatePlan(t, svc, eth(1, 0))
	if _, err := svc.Subscribe(ctx, payment(subscriberAddr, eth(1, 0)), plan.ID, true); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	check := func(want subpay.Status) {
		t.Helper()
		st, err := svc.GetSubscription(ctx, plan.ID, subscriberAddr)
		if err != nil {
			t.Fatalf("GetSubscription: %v", err)
		}
		if st.Status != want {
			t.Fatalf("status = %s, want %s", st.Status, want)
		}
	}

	check(subpay.StatusActive)

	clk.Advance(plan.Interval + plan.GracePeriod)
	check(subpay.StatusOverdue)

	clk.Advance(plan.Duration)
	check(subpay.StatusExpired)
}
