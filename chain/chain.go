// Package chain talks to the on-chain subscription manager contract.
//
// The core service treats the chain as an optional collaborator behind the
// narrow Client interface: reads return raw contract state, writes submit
// signed transactions and return the transaction hash. No subscription
// semantics live here.
package chain

import (
	"context"
	"errors"
	"math/big"
)

// ErrUnavailable indicates the RPC endpoint could not be reached or the
// call failed for infrastructure reasons. Callers surface it as a degraded
// condition, not an authorization failure.
var ErrUnavailable = errors.New("chain: rpc unavailable")

// PlanState mirrors the contract's plan tuple.
type PlanState struct {
	Token    string
	Amount   *big.Int
	Interval *big.Int
	Duration *big.Int
	Active   bool
	Creator  string
	APIURL   string
}

// SubscriptionState mirrors the contract's subscription tuple.
type SubscriptionState struct {
	Subscriber     string
	StartTime      *big.Int
	NextPaymentDue *big.Int
	EndTime        *big.Int
	TotalPaid      *big.Int
	Active         bool
}

// Client is the read/write surface the service needs from the contract.
type Client interface {
	// Connected reports whether the RPC endpoint answers.
	Connected(ctx context.Context) bool

	// GetPlan reads the plan tuple for a 32-byte plan id.
	GetPlan(ctx context.Context, planID [32]byte) (*PlanState, error)

	// GetSubscription reads the subscription tuple for a plan and subscriber.
	GetSubscription(ctx context.Context, planID [32]byte, subscriber string) (*SubscriptionState, error)

	// GetNonce reads the signature nonce tracked for an address.
	GetNonce(ctx context.Context, address string) (*big.Int, error)

	// GetDomainSeparator reads the EIP-712 domain separator the contract
	// was deployed with.
	GetDomainSeparator(ctx context.Context) ([32]byte, error)

	// CreatePlan submits a createPlan transaction signed with the given key
	// and returns the transaction hash.
	CreatePlan(ctx context.Context, privateKeyHex, token string, amount, interval, duration *big.Int, apiURL string) (string, error)

	// Subscribe submits a subscribe transaction for the plan.
	Subscribe(ctx context.Context, privateKeyHex string, planID [32]byte, value *big.Int) (string, error)

	// ProcessRecurringPayment submits a recurring-payment transaction for
	// the subscriber's plan.
	ProcessRecurringPayment(ctx context.Context, privateKeyHex string, planID [32]byte, subscriber string, value *big.Int) (string, error)
}
