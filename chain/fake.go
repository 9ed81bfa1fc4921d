package chain

import (
	"context"
	"math/big"
	"sync"
)

// Fake is an in-memory Client used in tests and when the backend runs
// without an RPC endpoint configured.
type Fake struct {
	mu            sync.Mutex
	Up            bool
	Plans         map[[32]byte]*PlanState
	Subscriptions map[string]*SubscriptionState
	Nonces        map[string]*big.Int
	Separator     [32]byte
	txCounter     int
}

// NewFake returns a connected fake with empty state.
func NewFake() *Fake {
	return &Fake{
		Up:            true,
		Plans:         make(map[[32]byte]*PlanState),
		Subscriptions: make(map[string]*SubscriptionState),
		Nonces:        make(map[string]*big.Int),
	}
}

func (f *Fake) Connected(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Up
}

func (f *Fake) GetPlan(ctx context.Context, planID [32]byte) (*PlanState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Up {
		return nil, ErrUnavailable
	}
	p, ok := f.Plans[planID]
	if !ok {
		return nil, ErrUnavailable
	}
	return p, nil
}

func (f *Fake) GetSubscription(ctx context.Context, planID [32]byte, subscriber string) (*SubscriptionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Up {
		return nil, ErrUnavailable
	}
	s, ok := f.Subscriptions[subscriber]
	if !ok {
		return nil, ErrUnavailable
	}
	return s, nil
}

func (f *Fake) GetNonce(ctx context.Context, address string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Up {
		return nil, ErrUnavailable
	}
	if n, ok := f.Nonces[address]; ok {
		return n, nil
	}
	return big.NewInt(0), nil
}

func (f *Fake) GetDomainSeparator(ctx context.Context) ([32]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Up {
		return [32]byte{}, ErrUnavailable
	}
	return f.Separator, nil
}

func (f *Fake) CreatePlan(ctx context.Context, privateKeyHex, token string, amount, interval, duration *big.Int, apiURL string) (string, error) {
	return f.nextTx()
}

func (f *Fake) Subscribe(ctx context.Context, privateKeyHex string, planID [32]byte, value *big.Int) (string, error) {
	return f.nextTx()
}

func (f *Fake) ProcessRecurringPayment(ctx context.Context, privateKeyHex string, planID [32]byte, subscriber string, value *big.Int) (string, error) {
	return f.nextTx()
}

func (f *Fake) nextTx() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Up {
		return "", ErrUnavailable
	}
	f.txCounter++
	return "0x" + big.NewInt(int64(f.txCounter)).Text(16), nil
}
