package subscription

import (
	"time"

	"github.com/google/uuid"
)

// Package is a purchasable plan definition: tier, price, validity period and
// the token amount bundled with it. Reference data, rarely mutated.
type Package struct {
	ID          uuid.UUID
	Name        string
	Tier        Tier
	Price       int64 // minor currency units per period
	PeriodDays  int
	TokenAmount int64 // tokens granted alongside activation, 0 = none
}

// Status is a subscription's lifecycle state. ACTIVE is the only initial
// state; EXPIRED and CANCELLED are terminal.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusExpired   Status = "EXPIRED"
	StatusCancelled Status = "CANCELLED"
)

// statusTransitions encodes the lifecycle: ACTIVE -> EXPIRED (sweep,
// time-driven) and ACTIVE -> CANCELLED (explicit), both irreversible.
var statusTransitions = map[Status][]Status{
	StatusActive: {StatusExpired, StatusCancelled},
}

// CanTransition reports whether moving from one status to another is a legal
// lifecycle step.
func CanTransition(from, to Status) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Subscription is one tenant's time-bounded entitlement to a package's tier.
// A tenant may hold several ACTIVE subscriptions at once (overlapping
// renewals, admin grants); the resolver picks the best one.
type Subscription struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	PackageID  uuid.UUID
	Tier       Tier
	Status     Status
	StartsAt   time.Time
	EndsAt     time.Time
	AutoRenew  bool
	PaymentRef string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ActiveAt reports whether the subscription grants its tier at the given
// time: status ACTIVE and StartsAt <= now < EndsAt.
func (s Subscription) ActiveAt(now time.Time) bool {
	return s.Status == StatusActive && !s.StartsAt.After(now) && now.Before(s.EndsAt)
}

// Entitlement is the resolved outcome for one tenant: the effective tier and
// the subscription backing it. Tenants without a qualifying subscription get
// TierFree and a nil Subscription.
type Entitlement struct {
	Tier         Tier
	Subscription *Subscription
}

// supersededBy reports whether candidate should replace the current
// entitlement: higher tier wins, equal tiers tie-break on the later end
// timestamp.
func (e Entitlement) supersededBy(candidate Subscription) bool {
	if e.Subscription == nil {
		return true
	}
	if candidate.Tier.Better(e.Tier) {
		return true
	}
	return candidate.Tier == e.Tier && candidate.EndsAt.After(e.Subscription.EndsAt)
}
