// Package storage defines the persistence capabilities the subscription
// core depends on. The core never touches a database directly; it is handed
// these interfaces, whose atomic primitives enforce the uniqueness
// invariants (single active subscription, single-use nonces).
package storage

import (
	"context"
	"errors"

	subpay "github.com/subpay/subpay"
	"github.com/subpay/subpay/nonce"
)

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when an insert would violate a uniqueness
	// invariant, e.g. a second active subscription for the same
	// (plan, subscriber) pair.
	ErrConflict = errors.New("record conflict")
)

// PlanStore persists subscription plans.
type PlanStore interface {
	CreatePlan(ctx context.Context, plan *subpay.Plan) error
	GetPlan(ctx context.Context, id string) (*subpay.Plan, error)
	ListPlans(ctx context.Context, activeOnly bool) ([]*subpay.Plan, error)
	// SetPlanActive flips the active flag; plans are never otherwise mutated.
	SetPlanActive(ctx context.Context, id string, active bool) error
}

// SubscriptionStore persists subscriptions. CreateSubscription must be
// atomic with respect to the single-active-subscription invariant: two
// concurrent creates for the same (plan, subscriber) pair must not both
// succeed.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, sub *subpay.Subscription) error
	GetSubscription(ctx context.Context, planID, subscriber string) (*subpay.Subscription, error)
	ListSubscriptionsBySubscriber(ctx context.Context, subscriber string, activeOnly bool) ([]*subpay.Subscription, error)
	UpdateSubscription(ctx context.Context, sub *subpay.Subscription) error
}

// PaymentStore persists the payment audit trail.
type PaymentStore interface {
	RecordPayment(ctx context.Context, payment *subpay.PaymentRecord) error
	ListPaymentsBySubscriber(ctx context.Context, subscriber string) ([]*subpay.PaymentRecord, error)
}

// StatsStore reports aggregate record counts for the admin surface.
type StatsStore interface {
	// Stats fills the count fields of a Stats snapshot; connectivity to
	// upstream systems is not the store's concern and is left zero.
	Stats(ctx context.Context) (*subpay.Stats, error)
}

// Store bundles every persistence capability the service needs.
type Store interface {
	PlanStore
	SubscriptionStore
	PaymentStore
	StatsStore

	// Nonces returns the replay registry sharing this store's backend.
	Nonces() nonce.Registry
}
