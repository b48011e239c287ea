package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zablink/app1.3-sub003/svc/subscription"
	"github.com/zablink/app1.3-sub003/svc/wallet"
)

var (
	// ErrIgnoredEvent marks webhook events the core deliberately does not
	// act on (failed charges, unknown actions). Callers acknowledge them.
	ErrIgnoredEvent = errors.New("billing: event ignored")

	// ErrMissingReference is returned for charge events without a provider
	// reference, which would defeat idempotent replay.
	ErrMissingReference = errors.New("billing: provider reference is required")

	// ErrWalletsNil and ErrSubscriptionsNil are returned by the constructor
	// for missing dependencies.
	ErrWalletsNil       = errors.New("billing: wallet service is required")
	ErrSubscriptionsNil = errors.New("billing: subscription service is required")
)

// ChargeAction tells what a confirmed payment bought.
type ChargeAction string

const (
	ActionTokenPurchase ChargeAction = "token_purchase"
	ActionSubscription  ChargeAction = "subscription"
)

// ChargeEvent is a payment gateway webhook notification, delivered
// at-least-once. ProviderRef is the idempotency key throughout.
type ChargeEvent struct {
	TenantID    uuid.UUID
	Provider    string
	ProviderRef string
	Action      ChargeAction
	PackageID   uuid.UUID // set for subscription purchases
	Amount      int64     // tokens for token purchases
	UnitPrice   int64     // minor currency units per token
	ExpiresIn   time.Duration
	Succeeded   bool
}

// Wallets is the slice of the balance engine billing needs.
type Wallets interface {
	Grant(ctx context.Context, tenantID uuid.UUID, p wallet.GrantParams) (wallet.PurchaseBatch, error)
}

// Subscriptions is the slice of the subscription service billing needs.
type Subscriptions interface {
	GetPackage(ctx context.Context, id uuid.UUID) (subscription.Package, error)
	Activate(ctx context.Context, tenantID uuid.UUID, pkg subscription.Package, now time.Time, p subscription.ActivateParams) (subscription.Subscription, error)
}

// Service glues the payment boundary to the core: confirmed charges become
// token grants or subscription activations, admin package assignment becomes
// both at once.
type Service struct {
	wallets Wallets
	subs    Subscriptions
	log     *slog.Logger
}

// NewService wires the billing boundary over the wallet and subscription
// services.
func NewService(wallets Wallets, subs Subscriptions, log *slog.Logger) (*Service, error) {
	if wallets == nil {
		return nil, ErrWalletsNil
	}
	if subs == nil {
		return nil, ErrSubscriptionsNil
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{wallets: wallets, subs: subs, log: log}, nil
}

// DefaultTokenValidity is how long purchased tokens stay usable when the
// event does not say otherwise. Matches the original three-month policy.
const DefaultTokenValidity = 90 * 24 * time.Hour

// HandleChargeEvent processes one webhook delivery. Failed charges and
// unknown actions are acknowledged with ErrIgnoredEvent so the gateway stops
// redelivering; replays of successful charges are absorbed by the downstream
// idempotency on the provider reference.
func (s *Service) HandleChargeEvent(ctx context.Context, ev ChargeEvent) error {
	if !ev.Succeeded {
		s.log.Info("ignoring unsuccessful charge",
			slog.String("provider_ref", ev.ProviderRef),
			slog.String("action", string(ev.Action)))
		return ErrIgnoredEvent
	}
	if ev.ProviderRef == "" {
		return ErrMissingReference
	}

	switch ev.Action {
	case ActionTokenPurchase:
		validity := ev.ExpiresIn
		if validity <= 0 {
			validity = DefaultTokenValidity
		}
		expiresAt := time.Now().UTC().Add(validity)
		_, err := s.wallets.Grant(ctx, ev.TenantID, wallet.GrantParams{
			Amount:      ev.Amount,
			UnitPrice:   ev.UnitPrice,
			Provider:    ev.Provider,
			ProviderRef: ev.ProviderRef,
			ExpiresAt:   &expiresAt,
		})
		return err

	case ActionSubscription:
		_, err := s.AssignPackage(ctx, ev.TenantID, ev.PackageID, time.Now().UTC(), AssignParams{
			PaymentRef: ev.ProviderRef,
			Provider:   ev.Provider,
		})
		return err

	default:
		s.log.Warn("unknown charge action", slog.String("action", string(ev.Action)))
		return ErrIgnoredEvent
	}
}

// AssignParams carries the optional attributes of a package assignment.
type AssignParams struct {
	PaymentRef string // empty for admin grants
	Provider   string
	AutoRenew  bool
	// TokenOverride replaces the package's bundled token amount when > 0.
	TokenOverride int64
}

// Assignment is the outcome of AssignPackage.
type Assignment struct {
	Subscription subscription.Subscription
	TokenBatch   *wallet.PurchaseBatch // nil when the package bundles no tokens
}

// AssignPackage activates a subscription for the package's validity period
// and grants its bundled tokens, expiring together with the subscription.
// Used by the admin grant surface and by confirmed subscription charges.
// Replays on the same PaymentRef return the existing subscription and grant
// nothing twice.
func (s *Service) AssignPackage(ctx context.Context, tenantID, packageID uuid.UUID, now time.Time, p AssignParams) (Assignment, error) {
	pkg, err := s.subs.GetPackage(ctx, packageID)
	if err != nil {
		return Assignment{}, err
	}

	sub, err := s.subs.Activate(ctx, tenantID, pkg, now, subscription.ActivateParams{
		PaymentRef: p.PaymentRef,
		AutoRenew:  p.AutoRenew,
	})
	if err != nil {
		return Assignment{}, err
	}

	out := Assignment{Subscription: sub}
	tokens := pkg.TokenAmount
	if p.TokenOverride > 0 {
		tokens = p.TokenOverride
	}
	if tokens > 0 {
		provider := p.Provider
		if provider == "" {
			provider = "admin"
		}
		ref := ""
		if p.PaymentRef != "" {
			// Distinct from the subscription's own reference so both records
			// key idempotently off the same charge.
			ref = p.PaymentRef + ":tokens"
		}
		endsAt := sub.EndsAt
		batch, err := s.wallets.Grant(ctx, tenantID, wallet.GrantParams{
			Amount:      tokens,
			Provider:    provider,
			ProviderRef: ref,
			ExpiresAt:   &endsAt,
		})
		if err != nil {
			return Assignment{}, err
		}
		out.TokenBatch = &batch
	}

	s.log.Info("package assigned",
		slog.String("tenant_id", tenantID.String()),
		slog.String("package", pkg.Name),
		slog.String("tier", string(pkg.Tier)),
		slog.Int64("tokens", tokens),
		slog.Time("ends_at", sub.EndsAt))
	return out, nil
}
