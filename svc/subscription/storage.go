package subscription

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Storage is the durable subscription registry plus the package catalog.
// Ranking and lifecycle rules live in the Service; storage provides lookups,
// the set-oriented best-active query and compare-and-set status updates.
type Storage interface {
	// CreatePackage adds a plan definition to the catalog.
	CreatePackage(ctx context.Context, pkg Package) error

	// GetPackage returns a package by ID or ErrPackageNotFound.
	GetPackage(ctx context.Context, id uuid.UUID) (Package, error)

	// ListPackages returns the full catalog ordered by tier rank.
	ListPackages(ctx context.Context) ([]Package, error)

	// CreateSubscription records a new subscription instance.
	CreateSubscription(ctx context.Context, sub Subscription) error

	// GetSubscription returns a subscription by ID or ErrSubscriptionNotFound.
	GetSubscription(ctx context.Context, id uuid.UUID) (Subscription, error)

	// GetByPaymentRef returns the subscription recorded for an external
	// payment reference, or ErrSubscriptionNotFound. Idempotency lookup for
	// webhook-driven activation.
	GetByPaymentRef(ctx context.Context, paymentRef string) (Subscription, error)

	// ListByTenant returns all of a tenant's subscriptions, newest first.
	ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]Subscription, error)

	// SetStatus moves a subscription from one status to another, updating the
	// timestamp. Returns false without error when the subscription is no
	// longer in the from status (lost compare-and-set).
	SetStatus(ctx context.Context, id uuid.UUID, from, to Status, now time.Time) (bool, error)

	// ExpireDue marks every ACTIVE subscription whose end is before now as
	// EXPIRED and returns how many changed. Idempotent by its predicate.
	ExpireDue(ctx context.Context, now time.Time) (int64, error)

	// BestActive resolves each requested tenant's single best subscription
	// among those ACTIVE and inside their window at now, in one pass: best
	// tier first, then latest end. Tenants without a match are absent from
	// the result.
	BestActive(ctx context.Context, tenantIDs []uuid.UUID, now time.Time) (map[uuid.UUID]Subscription, error)

	// EndingWithin returns ACTIVE subscriptions whose window closes inside
	// (now, now+within], ordered by end time. Used for renewal reminders.
	EndingWithin(ctx context.Context, now time.Time, within time.Duration) ([]Subscription, error)
}
