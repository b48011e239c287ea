package subscription

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryStorage keeps the registry in process memory for tests and
// single-node development runs.
type memoryStorage struct {
	mu       sync.RWMutex
	packages map[uuid.UUID]Package
	subs     map[uuid.UUID]Subscription
}

// NewMemoryStorage returns an empty in-memory Storage implementation.
func NewMemoryStorage() Storage {
	return &memoryStorage{
		packages: make(map[uuid.UUID]Package),
		subs:     make(map[uuid.UUID]Subscription),
	}
}

func (m *memoryStorage) CreatePackage(ctx context.Context, pkg Package) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packages[pkg.ID] = pkg
	return nil
}

func (m *memoryStorage) GetPackage(ctx context.Context, id uuid.UUID) (Package, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pkg, ok := m.packages[id]
	if !ok {
		return Package{}, ErrPackageNotFound
	}
	return pkg, nil
}

func (m *memoryStorage) ListPackages(ctx context.Context) ([]Package, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Package, 0, len(m.packages))
	for _, pkg := range m.packages {
		out = append(out, pkg)
	}
	slices.SortStableFunc(out, func(a, b Package) int { return a.Tier.Rank() - b.Tier.Rank() })
	return out, nil
}

func (m *memoryStorage) CreateSubscription(ctx context.Context, sub Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *memoryStorage) GetSubscription(ctx context.Context, id uuid.UUID) (Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return Subscription{}, ErrSubscriptionNotFound
	}
	return sub, nil
}

func (m *memoryStorage) GetByPaymentRef(ctx context.Context, paymentRef string) (Subscription, error) {
	if paymentRef == "" {
		return Subscription{}, ErrSubscriptionNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subs {
		if sub.PaymentRef == paymentRef {
			return sub, nil
		}
	}
	return Subscription{}, ErrSubscriptionNotFound
}

func (m *memoryStorage) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Subscription
	for _, sub := range m.subs {
		if sub.TenantID == tenantID {
			out = append(out, sub)
		}
	}
	slices.SortStableFunc(out, func(a, b Subscription) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

func (m *memoryStorage) SetStatus(ctx context.Context, id uuid.UUID, from, to Status, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok || sub.Status != from {
		return false, nil
	}
	sub.Status = to
	sub.UpdatedAt = now
	m.subs[id] = sub
	return true, nil
}

func (m *memoryStorage) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, sub := range m.subs {
		if sub.Status == StatusActive && sub.EndsAt.Before(now) {
			sub.Status = StatusExpired
			sub.UpdatedAt = now
			m.subs[id] = sub
			n++
		}
	}
	return n, nil
}

func (m *memoryStorage) BestActive(ctx context.Context, tenantIDs []uuid.UUID, now time.Time) (map[uuid.UUID]Subscription, error) {
	wanted := make(map[uuid.UUID]struct{}, len(tenantIDs))
	for _, id := range tenantIDs {
		wanted[id] = struct{}{}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	best := make(map[uuid.UUID]Entitlement, len(tenantIDs))
	for _, sub := range m.subs {
		if _, ok := wanted[sub.TenantID]; !ok || !sub.ActiveAt(now) {
			continue
		}
		if cur, ok := best[sub.TenantID]; !ok || cur.supersededBy(sub) {
			s := sub
			best[sub.TenantID] = Entitlement{Tier: s.Tier, Subscription: &s}
		}
	}

	out := make(map[uuid.UUID]Subscription, len(best))
	for id, ent := range best {
		out[id] = *ent.Subscription
	}
	return out, nil
}

func (m *memoryStorage) EndingWithin(ctx context.Context, now time.Time, within time.Duration) ([]Subscription, error) {
	cutoff := now.Add(within)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Subscription
	for _, sub := range m.subs {
		if sub.Status == StatusActive && sub.EndsAt.After(now) && !sub.EndsAt.After(cutoff) {
			out = append(out, sub)
		}
	}
	slices.SortStableFunc(out, func(a, b Subscription) int { return a.EndsAt.Compare(b.EndsAt) })
	return out, nil
}
