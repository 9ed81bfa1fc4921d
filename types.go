package subpay

import (
	"math/big"
	"time"
)

// Plan describes a subscription plan. Amounts are kept in the token's base
// units (wei for the native asset) to avoid fractional arithmetic.
type Plan struct {
	ID             string        `json:"plan_id"`
	ContractPlanID string        `json:"contract_plan_id"` // on-chain plan id (bytes32 hex)
	Token          string        `json:"token"`            // token address, zero address = native asset
	Amount         *big.Int      `json:"amount"`           // base units charged per interval
	Interval       time.Duration `json:"interval_seconds"`
	Duration       time.Duration `json:"duration_seconds"`
	GracePeriod    time.Duration `json:"grace_period_seconds"`
	SealedAPIURL   string        `json:"-"` // encrypted gated-resource reference
	Description    string        `json:"description"`
	Creator        string        `json:"creator"`
	Active         bool          `json:"active"`
	TxHash         string        `json:"transaction_hash,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Subscription is one subscriber's enrollment in a plan. At most one active
// subscription may exist per (plan, subscriber) pair.
type Subscription struct {
	ID             string    `json:"subscription_id"`
	PlanID         string    `json:"plan_id"`
	Subscriber     string    `json:"subscriber_address"`
	StartTime      time.Time `json:"start_time"`
	NextPaymentDue time.Time `json:"next_payment_due"`
	EndTime        time.Time `json:"end_time"`
	TotalPaid      *big.Int  `json:"total_paid"`
	Active         bool      `json:"active"`
	AutoRenew      bool      `json:"auto_renew"`
	TxHash         string    `json:"transaction_hash,omitempty"`
}

// PaymentType distinguishes the first charge from renewals.
type PaymentType string

const (
	PaymentTypeInitial   PaymentType = "initial"
	PaymentTypeRecurring PaymentType = "recurring"
)

// PaymentRecord is an audit entry written for every accepted payment.
type PaymentRecord struct {
	ID             string      `json:"payment_id"`
	SubscriptionID string      `json:"subscription_id"`
	PlanID         string      `json:"plan_id"`
	Subscriber     string      `json:"subscriber_address"`
	Amount         *big.Int    `json:"amount"`
	Timestamp      time.Time   `json:"timestamp"`
	TxHash         string      `json:"transaction_hash,omitempty"`
	Type           PaymentType `json:"payment_type"`
}

// VerifiedPayment is the result of a successful X-Payment header
// verification, carried to the subscription service for admission decisions.
type VerifiedPayment struct {
	Amount    *big.Int `json:"amount"` // base units
	Token     string   `json:"token"`
	Signature string   `json:"signature"`
	Timestamp string   `json:"timestamp"`
	Payer     string   `json:"from_address"`
	Nonce     string   `json:"nonce"`
	TxHash    string   `json:"transaction_hash,omitempty"`
}

// Stats is an operator-facing snapshot of the service: record counts from
// the store plus upstream chain connectivity.
type Stats struct {
	TotalPlans          int  `json:"total_plans"`
	ActivePlans         int  `json:"active_plans"`
	TotalSubscriptions  int  `json:"total_subscriptions"`
	ActiveSubscriptions int  `json:"active_subscriptions"`
	BlockchainConnected bool `json:"blockchain_connected"`
}

// Status is the derived lifecycle state of a subscription. Expiry and
// overdueness are pure functions of the clock; no state transition is
// written for them.
type Status string

const (
	StatusNone      Status = "none"
	StatusActive    Status = "active"
	StatusOverdue   Status = "overdue"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// StatusAt derives the subscription state at the given instant. The grace
// period is the plan's slack past the due date before the subscription is
// delinquent rather than merely due.
func (s *Subscription) StatusAt(now time.Time, grace time.Duration) Status {
	if s == nil {
		return StatusNone
	}
	if !s.Active {
		return StatusCancelled
	}
	if now.After(s.EndTime) {
		return StatusExpired
	}
	if !now.Before(s.NextPaymentDue.Add(grace)) {
		return StatusOverdue
	}
	return StatusActive
}

// AccessibleAt reports whether the subscription grants access to the gated
// resource: active, within its duration, and strictly before the next due
// date extended by the grace period.
func (s *Subscription) AccessibleAt(now time.Time, grace time.Duration) bool {
	return s != nil &&
		s.Active &&
		!now.After(s.EndTime) &&
		now.Before(s.NextPaymentDue.Add(grace))
}
