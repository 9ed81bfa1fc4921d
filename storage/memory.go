package storage

import (
	"context"
	"math/big"
	"sort"
	"strings"
	"sync"

	subpay "github.com/subpay/subpay"
	"github.com/subpay/subpay/nonce"
)

// Memory is an in-memory Store for tests and single-instance development
// runs. A single mutex serializes all operations, which trivially provides
// the atomicity CreateSubscription requires.
type Memory struct {
	mu            sync.Mutex
	plans         map[string]*subpay.Plan
	subscriptions map[subKey]*subpay.Subscription
	payments      []*subpay.PaymentRecord
	nonces        *nonce.MemoryRegistry
}

type subKey struct {
	planID     string
	subscriber string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		plans:         make(map[string]*subpay.Plan),
		subscriptions: make(map[subKey]*subpay.Subscription),
		nonces:        nonce.NewMemoryRegistry(nonce.DefaultRetention),
	}
}

// Nonces returns the in-memory replay registry.
func (m *Memory) Nonces() nonce.Registry { return m.nonces }

func (m *Memory) CreatePlan(ctx context.Context, plan *subpay.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.plans[plan.ID]; exists {
		return ErrConflict
	}
	m.plans[plan.ID] = clonePlan(plan)
	return nil
}

func (m *Memory) GetPlan(ctx context.Context, id string) (*subpay.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.plans[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePlan(plan), nil
}

func (m *Memory) ListPlans(ctx context.Context, activeOnly bool) ([]*subpay.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	plans := make([]*subpay.Plan, 0, len(m.plans))
	for _, plan := range m.plans {
		if activeOnly && !plan.Active {
			continue
		}
		plans = append(plans, clonePlan(plan))
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].CreatedAt.Before(plans[j].CreatedAt) })
	return plans, nil
}

func (m *Memory) SetPlanActive(ctx context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.plans[id]
	if !ok {
		return ErrNotFound
	}
	plan.Active = active
	return nil
}

func (m *Memory) CreateSubscription(ctx context.Context, sub *subpay.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := subKey{planID: sub.PlanID, subscriber: strings.ToLower(sub.Subscriber)}
	if existing, exists := m.subscriptions[key]; exists && existing.Active {
		return ErrConflict
	}
	m.subscriptions[key] = cloneSubscription(sub)
	return nil
}

func (m *Memory) GetSubscription(ctx context.Context, planID, subscriber string) (*subpay.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[subKey{planID: planID, subscriber: strings.ToLower(subscriber)}]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSubscription(sub), nil
}

func (m *Memory) ListSubscriptionsBySubscriber(ctx context.Context, subscriber string, activeOnly bool) ([]*subpay.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lower := strings.ToLower(subscriber)
	var subs []*subpay.Subscription
	for key, sub := range m.subscriptions {
		if key.subscriber != lower {
			continue
		}
		if activeOnly && !sub.Active {
			continue
		}
		subs = append(subs, cloneSubscription(sub))
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].StartTime.Before(subs[j].StartTime) })
	return subs, nil
}

func (m *Memory) UpdateSubscription(ctx context.Context, sub *subpay.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := subKey{planID: sub.PlanID, subscriber: strings.ToLower(sub.Subscriber)}
	if _, ok := m.subscriptions[key]; !ok {
		return ErrNotFound
	}
	m.subscriptions[key] = cloneSubscription(sub)
	return nil
}

func (m *Memory) RecordPayment(ctx context.Context, payment *subpay.PaymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *payment
	clone.Amount = cloneBig(payment.Amount)
	m.payments = append(m.payments, &clone)
	return nil
}

func (m *Memory) ListPaymentsBySubscriber(ctx context.Context, subscriber string) ([]*subpay.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lower := strings.ToLower(subscriber)
	var payments []*subpay.PaymentRecord
	for _, p := range m.payments {
		if strings.ToLower(p.Subscriber) != lower {
			continue
		}
		clone := *p
		clone.Amount = cloneBig(p.Amount)
		payments = append(payments, &clone)
	}
	return payments, nil
}

func (m *Memory) Stats(ctx context.Context) (*subpay.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &subpay.Stats{
		TotalPlans:         len(m.plans),
		TotalSubscriptions: len(m.subscriptions),
	}
	for _, plan := range m.plans {
		if plan.Active {
			stats.ActivePlans++
		}
	}
	for _, sub := range m.subscriptions {
		if sub.Active {
			stats.ActiveSubscriptions++
		}
	}
	return stats, nil
}

// Clones keep callers from mutating stored records through shared pointers.

func clonePlan(p *subpay.Plan) *subpay.Plan {
	clone := *p
	clone.Amount = cloneBig(p.Amount)
	return &clone
}

func cloneSubscription(s *subpay.Subscription) *subpay.Subscription {
	clone := *s
	clone.TotalPaid = cloneBig(s.TotalPaid)
	return &clone
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
