package sweep

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zablink/app1.3-sub003/svc/wallet"
)

var (
	// ErrLedgerNil and ErrRegistryNil are returned by the constructor for
	// missing dependencies.
	ErrLedgerNil   = errors.New("sweep: ledger is required")
	ErrRegistryNil = errors.New("sweep: subscription registry is required")
)

// Ledger is the slice of the balance engine the sweep needs.
type Ledger interface {
	TenantsDueForExpiry(ctx context.Context, now time.Time) ([]uuid.UUID, error)
	ExpireDue(ctx context.Context, tenantID uuid.UUID, now time.Time) (wallet.ExpireResult, error)
}

// Registry is the slice of the subscription service the sweep needs.
type Registry interface {
	ExpireDue(ctx context.Context, now time.Time) (int64, error)
}

// Report summarizes one sweep pass.
type Report struct {
	ExpiredBatches       int
	TokensReclaimed      int64
	ExpiredSubscriptions int64
	Failures             int
}

// Sweeper is the periodic reconciliation pass: it reclaims the remainders of
// expired token batches and transitions expired subscriptions. Both steps
// select only rows still matching their predicate, so re-running a sweep for
// the same instant is a no-op.
type Sweeper struct {
	ledger   Ledger
	registry Registry
	log      *slog.Logger
}

// NewSweeper wires a sweeper over the balance engine and the subscription
// registry.
func NewSweeper(ledger Ledger, registry Registry, log *slog.Logger) (*Sweeper, error) {
	if ledger == nil {
		return nil, ErrLedgerNil
	}
	if registry == nil {
		return nil, ErrRegistryNil
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{ledger: ledger, registry: registry, log: log}, nil
}

// Sweep runs one reconciliation pass at now. A failing tenant does not abort
// the pass: the unit is logged, counted as a failure and picked up again on
// the next tick because it still matches the selection predicate. The
// returned error is non-nil only when the pass could not even enumerate its
// work.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (Report, error) {
	var report Report

	tenants, err := s.ledger.TenantsDueForExpiry(ctx, now)
	if err != nil {
		return report, err
	}
	for _, tenantID := range tenants {
		res, err := s.ledger.ExpireDue(ctx, tenantID, now)
		if err != nil {
			report.Failures++
			s.log.Error("batch expiry failed, will retry next tick",
				slog.String("tenant_id", tenantID.String()),
				slog.String("error", err.Error()))
			continue
		}
		report.ExpiredBatches += res.Batches
		report.TokensReclaimed += res.Reclaimed
	}

	expired, err := s.registry.ExpireDue(ctx, now)
	if err != nil {
		report.Failures++
		s.log.Error("subscription expiry failed, will retry next tick",
			slog.String("error", err.Error()))
	} else {
		report.ExpiredSubscriptions = expired
	}

	return report, nil
}
