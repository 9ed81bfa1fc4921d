// Package subscription implements the plan and subscription lifecycle: plan
// creation and deactivation, paid admission, recurring renewal, cancellation,
// and access checks against the gated resource.
//
// Every rejection is a *subpay.PaymentError with a machine-readable code so
// the HTTP surface can translate it without string matching. Time never
// mutates state on its own; expiry and overdueness are derived at query time.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	subpay "github.com/subpay/subpay"
	"github.com/subpay/subpay/chain"
	"github.com/subpay/subpay/storage"
	"github.com/subpay/subpay/urlcipher"
)

// Service owns the subscription state machine. Construct with NewService.
type Service struct {
	store  storage.Store
	chain  chain.Client // nil when no RPC endpoint is configured
	cipher *urlcipher.Cipher
	log    *slog.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithChainClient attaches an on-chain collaborator for pass-through writes
// and the health probe.
func WithChainClient(c chain.Client) Option {
	return func(s *Service) { s.chain = c }
}

// WithClock overrides the service clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// NewService builds a Service over the given store and URL cipher.
func NewService(store storage.Store, cipher *urlcipher.Cipher, opts ...Option) *Service {
	s := &Service{
		store:  store,
		cipher: cipher,
		log:    slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ChainConnected reports whether the on-chain collaborator answers. Without
// a configured chain client the backend runs store-only and reports false.
func (s *Service) ChainConnected(ctx context.Context) bool {
	return s.chain != nil && s.chain.Connected(ctx)
}

// CreatePlanInput carries the validated fields for a new plan.
type CreatePlanInput struct {
	Token       string
	Amount      *big.Int // base units per interval
	Interval    time.Duration
	Duration    time.Duration
	GracePeriod time.Duration
	APIURL      string // plaintext gated-resource URL, sealed before storage
	Description string

	// CreatorKey, when set, additionally submits createPlan on chain with
	// this key. The stored plan records the resulting transaction hash.
	CreatorKey string
}

// CreatePlan registers a plan. The caller has already cleared payment
// verification; the plan's creator is the verified payer.
func (s *Service) CreatePlan(ctx context.Context, payment *subpay.VerifiedPayment, in CreatePlanInput) (*subpay.Plan, error) {
	if in.Amount == nil || in.Amount.Sign() <= 0 {
		return nil, subpay.NewPaymentError(subpay.ErrCodeInsufficientPayment,
			"plan amount must be positive", nil)
	}

	sealed, err := s.cipher.Seal(in.APIURL)
	if err != nil {
		return nil, subpay.NewPaymentError(subpay.ErrCodeDecryptionFailure,
			"failed to seal API URL", nil)
	}

	plan := &subpay.Plan{
		ID:          uuid.NewString(),
		Token:       in.Token,
		Amount:      new(big.Int).Set(in.Amount),
		Interval:    in.Interval,
		Duration:    in.Duration,
		GracePeriod: in.GracePeriod,

		SealedAPIURL: sealed,
		Description:  in.Description,
		Creator:      payment.Payer,
		Active:       true,
		CreatedAt:    s.now().UTC(),
	}

	if in.CreatorKey != "" && s.chain != nil {
		txHash, err := s.chain.CreatePlan(ctx, in.CreatorKey, in.Token,
			in.Amount, secondsBig(in.Interval), secondsBig(in.Duration), sealed)
		if err != nil {
			return nil, chainErr("createPlan", err)
		}
		plan.TxHash = txHash
		s.log.InfoContext(ctx, "plan submitted on chain", "plan_id", plan.ID, "tx", txHash)
	}

	if err := s.store.CreatePlan(ctx, plan); err != nil {
		return nil, storeErr("create plan", err)
	}
	s.log.InfoContext(ctx, "plan created",
		"plan_id", plan.ID, "creator", plan.Creator, "amount", plan.Amount.String())
	return plan, nil
}

// GetPlan fetches a plan by id.
func (s *Service) GetPlan(ctx context.Context, planID string) (*subpay.Plan, error) {
	plan, err := s.store.GetPlan(ctx, planID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, planNotFound(planID)
	}
	if err != nil {
		return nil, storeErr("get plan", err)
	}
	return plan, nil
}

// ListPlans lists plans, optionally restricted to active ones.
func (s *Service) ListPlans(ctx context.Context, activeOnly bool) ([]*subpay.Plan, error) {
	plans, err := s.store.ListPlans(ctx, activeOnly)
	if err != nil {
		return nil, storeErr("list plans", err)
	}
	return plans, nil
}

// DeactivatePlan flips a plan inactive. Only the plan's creator may do so;
// existing subscriptions are unaffected.
func (s *Service) DeactivatePlan(ctx context.Context, payment *subpay.VerifiedPayment, planID string) error {
	plan, err := s.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	if !sameAddress(plan.Creator, payment.Payer) {
		return subpay.NewPaymentError(subpay.ErrCodeNotOwner,
			"only the plan creator can deactivate it", nil)
	}
	if err := s.store.SetPlanActive(ctx, planID, false); err != nil {
		return storeErr("deactivate plan", err)
	}
	s.log.InfoContext(ctx, "plan deactivated", "plan_id", planID, "creator", plan.Creator)
	return nil
}

// Subscribe admits the verified payer to a plan. The paid amount must cover
// the plan's per-interval amount; the first interval is considered paid.
func (s *Service) Subscribe(ctx context.Context, payment *subpay.VerifiedPayment, planID string, autoRenew bool) (*subpay.Subscription, error) {
	plan, err := s.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return nil, subpay.NewPaymentError(subpay.ErrCodePlanInactive,
			"plan is not active", map[string]interface{}{"plan_id": planID})
	}
	if payment.Amount.Cmp(plan.Amount) < 0 {
		return nil, insufficient(payment.Amount, plan.Amount)
	}

	now := s.now().UTC()
	sub := &subpay.Subscription{
		ID:             uuid.NewString(),
		PlanID:         planID,
		Subscriber:     payment.Payer,
		StartTime:      now,
		NextPaymentDue: now.Add(plan.Interval),
		EndTime:        now.Add(plan.Duration),
		TotalPaid:      new(big.Int).Set(plan.Amount),
		Active:         true,
		AutoRenew:      autoRenew,
		TxHash:         payment.TxHash,
	}

	// The store's atomic create is what makes two racing subscribes for the
	// same pair resolve to exactly one winner.
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, subpay.NewPaymentError(subpay.ErrCodeAlreadySubscribed,
				"already subscribed to this plan", map[string]interface{}{"plan_id": planID})
		}
		return nil, storeErr("create subscription", err)
	}

	if err := s.recordPayment(ctx, sub, plan.Amount, subpay.PaymentTypeInitial, payment.TxHash, now); err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "subscription created",
		"plan_id", planID, "subscriber", sub.Subscriber, "subscription_id", sub.ID)
	return sub, nil
}

// ProcessRecurringPayment applies a renewal payment to an existing
// subscription, advancing the due date by exactly one interval.
func (s *Service) ProcessRecurringPayment(ctx context.Context, payment *subpay.VerifiedPayment, planID, subscriber string) (*subpay.Subscription, error) {
	sub, err := s.getSubscription(ctx, planID, subscriber)
	if err != nil {
		return nil, err
	}
	plan, err := s.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if !sub.Active || now.After(sub.EndTime) {
		return nil, subpay.NewPaymentError(subpay.ErrCodeSubscriptionExpired,
			"subscription is not active or has expired", nil)
	}
	if now.Before(sub.NextPaymentDue) {
		return nil, subpay.NewPaymentError(subpay.ErrCodeNotDue,
			"payment is not due yet", map[string]interface{}{
				"next_payment_due": sub.NextPaymentDue.Format(time.RFC3339),
			})
	}
	if payment.Amount.Cmp(plan.Amount) < 0 {
		return nil, insufficient(payment.Amount, plan.Amount)
	}

	sub.NextPaymentDue = sub.NextPaymentDue.Add(plan.Interval)
	sub.TotalPaid = new(big.Int).Add(sub.TotalPaid, plan.Amount)
	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, storeErr("update subscription", err)
	}

	if err := s.recordPayment(ctx, sub, plan.Amount, subpay.PaymentTypeRecurring, payment.TxHash, now); err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "recurring payment processed",
		"plan_id", planID, "subscriber", subscriber,
		"next_payment_due", sub.NextPaymentDue)
	return sub, nil
}

// Cancel deactivates the payer's own subscription. Cancellation is not a
// refund; access simply stops being granted.
func (s *Service) Cancel(ctx context.Context, payment *subpay.VerifiedPayment, planID string) error {
	sub, err := s.getSubscription(ctx, planID, payment.Payer)
	if err != nil {
		return err
	}
	if !sameAddress(sub.Subscriber, payment.Payer) {
		return subpay.NewPaymentError(subpay.ErrCodeNotOwner,
			"can only cancel your own subscription", nil)
	}
	sub.Active = false
	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return storeErr("cancel subscription", err)
	}
	s.log.InfoContext(ctx, "subscription cancelled", "plan_id", planID, "subscriber", sub.Subscriber)
	return nil
}

// AccessGrant is returned when an access check passes.
type AccessGrant struct {
	APIURL         string    `json:"api_url"`
	ExpiresAt      time.Time `json:"subscription_expires"`
	NextPaymentDue time.Time `json:"next_payment_due"`
}

// Access checks whether the subscriber currently holds access to the plan's
// gated resource and, if so, unseals its URL.
func (s *Service) Access(ctx context.Context, planID, subscriber string) (*AccessGrant, error) {
	sub, err := s.getSubscription(ctx, planID, subscriber)
	if err != nil {
		return nil, err
	}
	plan, err := s.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	if !sub.AccessibleAt(s.now().UTC(), plan.GracePeriod) {
		return nil, subpay.NewPaymentError(subpay.ErrCodeSubscriptionExpired,
			"subscription expired or payment overdue", map[string]interface{}{
				"status": string(sub.StatusAt(s.now().UTC(), plan.GracePeriod)),
			})
	}

	url, err := s.cipher.Open(plan.SealedAPIURL)
	if err != nil {
		return nil, subpay.NewPaymentError(subpay.ErrCodeDecryptionFailure,
			"failed to decrypt API URL", nil)
	}
	return &AccessGrant{
		APIURL:         url,
		ExpiresAt:      sub.EndTime,
		NextPaymentDue: sub.NextPaymentDue,
	}, nil
}

// SubscriptionStatus pairs a subscription with its derived lifecycle state.
type SubscriptionStatus struct {
	Subscription *subpay.Subscription `json:"subscription"`
	Status       subpay.Status        `json:"status"`
}

// GetSubscription fetches a subscription along with its status at the
// current instant.
func (s *Service) GetSubscription(ctx context.Context, planID, subscriber string) (*SubscriptionStatus, error) {
	sub, err := s.getSubscription(ctx, planID, subscriber)
	if err != nil {
		return nil, err
	}
	plan, err := s.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	return &SubscriptionStatus{
		Subscription: sub,
		Status:       sub.StatusAt(s.now().UTC(), plan.GracePeriod),
	}, nil
}

// UserSubscriptions lists a subscriber's subscriptions.
func (s *Service) UserSubscriptions(ctx context.Context, subscriber string, activeOnly bool) ([]*subpay.Subscription, error) {
	subs, err := s.store.ListSubscriptionsBySubscriber(ctx, subscriber, activeOnly)
	if err != nil {
		return nil, storeErr("list subscriptions", err)
	}
	return subs, nil
}

// Stats snapshots store counts and chain connectivity for operators.
func (s *Service) Stats(ctx context.Context) (*subpay.Stats, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, storeErr("read stats", err)
	}
	stats.BlockchainConnected = s.ChainConnected(ctx)
	return stats, nil
}

// PaymentHistory lists the audit trail for a subscriber.
func (s *Service) PaymentHistory(ctx context.Context, subscriber string) ([]*subpay.PaymentRecord, error) {
	payments, err := s.store.ListPaymentsBySubscriber(ctx, subscriber)
	if err != nil {
		return nil, storeErr("list payments", err)
	}
	return payments, nil
}

func (s *Service) getSubscription(ctx context.Context, planID, subscriber string) (*subpay.Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, planID, subscriber)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, subpay.NewPaymentError(subpay.ErrCodeSubscriptionNotFound,
			"subscription not found", map[string]interface{}{
				"plan_id": planID, "subscriber": subscriber,
			})
	}
	if err != nil {
		return nil, storeErr("get subscription", err)
	}
	return sub, nil
}

func (s *Service) recordPayment(ctx context.Context, sub *subpay.Subscription, amount *big.Int, kind subpay.PaymentType, txHash string, at time.Time) error {
	rec := &subpay.PaymentRecord{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		PlanID:         sub.PlanID,
		Subscriber:     sub.Subscriber,
		Amount:         new(big.Int).Set(amount),
		Timestamp:      at,
		TxHash:         txHash,
		Type:           kind,
	}
	if err := s.store.RecordPayment(ctx, rec); err != nil {
		return storeErr("record payment", err)
	}
	return nil
}

func planNotFound(planID string) *subpay.PaymentError {
	return subpay.NewPaymentError(subpay.ErrCodePlanNotFound, "plan not found",
		map[string]interface{}{"plan_id": planID})
}

func insufficient(paid, required *big.Int) *subpay.PaymentError {
	return subpay.NewPaymentError(subpay.ErrCodeInsufficientPayment,
		"payment amount is below the plan amount", map[string]interface{}{
			"paid": paid.String(), "required": required.String(),
		})
}

func storeErr(op string, err error) *subpay.PaymentError {
	return subpay.NewPaymentError(subpay.ErrCodeStoreUnavailable,
		fmt.Sprintf("storage failure during %s", op),
		map[string]interface{}{"cause": err.Error()})
}

func chainErr(op string, err error) *subpay.PaymentError {
	return subpay.NewPaymentError(subpay.ErrCodeChainUnavailable,
		fmt.Sprintf("chain failure during %s", op),
		map[string]interface{}{"cause": err.Error()})
}

func sameAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}

func secondsBig(d time.Duration) *big.Int {
	return big.NewInt(int64(d / time.Second))
}
