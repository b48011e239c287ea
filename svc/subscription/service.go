package subscription

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Service is the subscription registry and entitlement resolver.
type Service struct {
	storage Storage
	log     *slog.Logger
}

// NewService creates a subscription service over the given storage.
func NewService(storage Storage, log *slog.Logger) (*Service, error) {
	if storage == nil {
		return nil, ErrStorageNil
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{storage: storage, log: log}, nil
}

// ActivateParams carries the optional attributes of an activation.
type ActivateParams struct {
	PaymentRef string
	AutoRenew  bool
}

// Activate creates an ACTIVE subscription for the package's validity period
// starting at now. Overlapping ACTIVE subscriptions for the same tenant are
// allowed; the resolver ranks them. When PaymentRef is set, replaying the
// same reference returns the previously created subscription, so
// at-least-once payment confirmation cannot create duplicates.
func (s *Service) Activate(ctx context.Context, tenantID uuid.UUID, pkg Package, now time.Time, p ActivateParams) (Subscription, error) {
	if pkg.PeriodDays <= 0 {
		return Subscription{}, ErrInvalidPeriod
	}

	if p.PaymentRef != "" {
		existing, err := s.storage.GetByPaymentRef(ctx, p.PaymentRef)
		switch {
		case err == nil:
			s.log.Info("idempotent activation replay",
				slog.String("payment_ref", p.PaymentRef),
				slog.String("subscription_id", existing.ID.String()))
			return existing, nil
		case !errors.Is(err, ErrSubscriptionNotFound):
			return Subscription{}, err
		}
	}

	sub := Subscription{
		ID:         uuid.New(),
		TenantID:   tenantID,
		PackageID:  pkg.ID,
		Tier:       pkg.Tier,
		Status:     StatusActive,
		StartsAt:   now,
		EndsAt:     now.AddDate(0, 0, pkg.PeriodDays),
		AutoRenew:  p.AutoRenew,
		PaymentRef: p.PaymentRef,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.storage.CreateSubscription(ctx, sub); err != nil {
		return Subscription{}, err
	}
	return sub, nil
}

// Cancel irreversibly moves an ACTIVE subscription to CANCELLED. Cancelling
// an already EXPIRED or CANCELLED subscription fails with ErrAlreadyFinal.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	sub, err := s.storage.GetSubscription(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(sub.Status, StatusCancelled) {
		return ErrAlreadyFinal
	}
	ok, err := s.storage.SetStatus(ctx, id, sub.Status, StatusCancelled, time.Now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		// Lost the race against the sweep or a concurrent cancel.
		return ErrAlreadyFinal
	}
	return nil
}

// ListByTenant returns the tenant's full subscription history, newest first,
// for account billing pages.
func (s *Service) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]Subscription, error) {
	return s.storage.ListByTenant(ctx, tenantID)
}

// EffectiveTier resolves the tenant's current tier: the best tier among
// ACTIVE subscriptions inside their window at now, TierFree when none match.
func (s *Service) EffectiveTier(ctx context.Context, tenantID uuid.UUID, now time.Time) (Tier, error) {
	ent, err := s.Resolve(ctx, tenantID, now)
	if err != nil {
		return TierFree, err
	}
	return ent.Tier, nil
}

// Resolve is EffectiveTier plus the backing subscription.
func (s *Service) Resolve(ctx context.Context, tenantID uuid.UUID, now time.Time) (Entitlement, error) {
	ents, err := s.RankTenants(ctx, []uuid.UUID{tenantID}, now)
	if err != nil {
		return Entitlement{Tier: TierFree}, err
	}
	return ents[tenantID], nil
}

// RankTenants resolves many tenants in one storage pass, for listing pages
// that order results by tier. Every requested tenant is present in the
// result; tenants without a qualifying subscription map to TierFree.
func (s *Service) RankTenants(ctx context.Context, tenantIDs []uuid.UUID, now time.Time) (map[uuid.UUID]Entitlement, error) {
	best, err := s.storage.BestActive(ctx, tenantIDs, now)
	if err != nil {
		return nil, err
	}

	out := make(map[uuid.UUID]Entitlement, len(tenantIDs))
	for _, id := range tenantIDs {
		if sub, ok := best[id]; ok {
			out[id] = Entitlement{Tier: sub.Tier, Subscription: &sub}
			continue
		}
		out[id] = Entitlement{Tier: TierFree}
	}
	return out, nil
}

// ExpireDue transitions every ACTIVE subscription past its end to EXPIRED
// and returns how many changed. Safe to re-run: already-expired rows no
// longer match the predicate.
func (s *Service) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.storage.ExpireDue(ctx, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("expired subscriptions", slog.Int64("count", n), slog.Time("cutoff", now))
	}
	return n, nil
}

// UpcomingRenewals lists ACTIVE subscriptions ending within the given window,
// soonest first, for renewal reminder notifications.
func (s *Service) UpcomingRenewals(ctx context.Context, now time.Time, within time.Duration) ([]Subscription, error) {
	return s.storage.EndingWithin(ctx, now, within)
}

// CreatePackage adds a plan definition to the catalog after validating its
// tier and validity period.
func (s *Service) CreatePackage(ctx context.Context, pkg Package) error {
	if !pkg.Tier.Valid() {
		return ErrUnknownTier
	}
	if pkg.PeriodDays <= 0 {
		return ErrInvalidPeriod
	}
	return s.storage.CreatePackage(ctx, pkg)
}

// GetPackage returns a catalog package by ID.
func (s *Service) GetPackage(ctx context.Context, id uuid.UUID) (Package, error) {
	return s.storage.GetPackage(ctx, id)
}

// ListPackages returns the package catalog ordered by tier rank.
func (s *Service) ListPackages(ctx context.Context) ([]Package, error) {
	return s.storage.ListPackages(ctx)
}
