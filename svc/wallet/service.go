package wallet

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
)

// ExpiringSoonWindow is how far ahead Statement looks for batches whose
// tokens are about to be lost to expiration.
const ExpiringSoonWindow = 30 * 24 * time.Hour

// Service is the balance engine: it enforces consumption order, balance
// invariants and grant idempotency on top of a Storage implementation.
// All methods are safe for concurrent use; operations touching the same
// wallet are serialized by the storage transaction boundary.
type Service struct {
	storage Storage
	log     *slog.Logger
}

// NewService creates a balance engine over the given storage.
func NewService(storage Storage, log *slog.Logger) (*Service, error) {
	if storage == nil {
		return nil, ErrStorageNil
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{storage: storage, log: log}, nil
}

// Grant credits the tenant's wallet with a new purchase batch, creating the
// wallet on first use. Replaying the same (provider, providerRef) with the
// same amount returns the existing batch without double-crediting, which
// makes at-least-once webhook delivery safe. A replay with a different
// amount, or from a tenant that does not own the referenced batch, fails
// with ErrDuplicateReference.
func (s *Service) Grant(ctx context.Context, tenantID uuid.UUID, p GrantParams) (PurchaseBatch, error) {
	if p.Amount <= 0 {
		return PurchaseBatch{}, ErrInvalidAmount
	}

	// Fast path for webhook retries: resolve replays without locking the wallet.
	if p.ProviderRef != "" {
		existing, err := s.storage.BatchByProviderRef(ctx, p.Provider, p.ProviderRef)
		switch {
		case err == nil:
			w, err := s.storage.GetWallet(ctx, tenantID)
			if err != nil {
				if errors.Is(err, ErrWalletNotFound) {
					// The reference exists but the tenant has no wallet, so the
					// batch must belong to someone else.
					return PurchaseBatch{}, ErrDuplicateReference
				}
				return PurchaseBatch{}, err
			}
			return s.replay(w.ID, existing, p)
		case !errors.Is(err, ErrBatchNotFound):
			return PurchaseBatch{}, err
		}
	}

	var created PurchaseBatch
	err := s.storage.UpdateWallet(ctx, tenantID, func(tx WalletTx) error {
		w := tx.Wallet()
		if p.ProviderRef != "" {
			// Re-check under the wallet lock: two concurrent deliveries of the
			// same webhook both pass the fast path before either commits.
			batches, err := tx.Batches()
			if err != nil {
				return err
			}
			for _, b := range batches {
				if b.Provider == p.Provider && b.ProviderRef == p.ProviderRef {
					replayed, err := s.replay(w.ID, b, p)
					if err != nil {
						return err
					}
					created = replayed
					return nil
				}
			}
		}

		created = PurchaseBatch{
			ID:          uuid.New(),
			WalletID:    w.ID,
			Amount:      p.Amount,
			Remaining:   p.Amount,
			UnitPrice:   p.UnitPrice,
			Provider:    p.Provider,
			ProviderRef: p.ProviderRef,
			CreatedAt:   time.Now().UTC(),
			ExpiresAt:   p.ExpiresAt,
		}
		if err := tx.InsertBatch(created); err != nil {
			return err
		}
		return tx.SetBalance(w.Balance + p.Amount)
	})
	if err != nil {
		return PurchaseBatch{}, err
	}
	return created, nil
}

func (s *Service) replay(walletID uuid.UUID, existing PurchaseBatch, p GrantParams) (PurchaseBatch, error) {
	if existing.WalletID != walletID || existing.Amount != p.Amount {
		return PurchaseBatch{}, ErrDuplicateReference
	}
	s.log.Info("idempotent grant replay",
		slog.String("provider", existing.Provider),
		slog.String("provider_ref", existing.ProviderRef),
		slog.String("batch_id", existing.ID.String()))
	return existing, nil
}

// Spend debits tokens from the tenant's wallet using the current time as the
// expiry cutoff. See SpendAt.
func (s *Service) Spend(ctx context.Context, tenantID uuid.UUID, amount int64, reason string) (UsageEntry, error) {
	return s.SpendAt(ctx, tenantID, amount, reason, time.Now().UTC())
}

// SpendAt debits amount tokens, drawing from the soonest-expiring batches
// first and from never-expiring batches last by creation time, so the least
// value is stranded when batches expire. The debit is all-or-nothing: when
// the eligible remainders do not cover amount, no batch is touched and
// ErrInsufficientBalance is returned.
func (s *Service) SpendAt(ctx context.Context, tenantID uuid.UUID, amount int64, reason string, now time.Time) (UsageEntry, error) {
	if amount <= 0 {
		return UsageEntry{}, ErrInvalidAmount
	}

	var entry UsageEntry
	err := s.storage.UpdateWallet(ctx, tenantID, func(tx WalletTx) error {
		batches, err := tx.Batches()
		if err != nil {
			return err
		}

		eligible := make([]PurchaseBatch, 0, len(batches))
		var available int64
		for _, b := range batches {
			if b.ConsumableAt(now) {
				eligible = append(eligible, b)
				available += b.Remaining
			}
		}
		if available < amount {
			return ErrInsufficientBalance
		}
		slices.SortStableFunc(eligible, consumptionOrder)

		w := tx.Wallet()
		draws := make([]BatchDraw, 0, len(eligible))
		left := amount
		for _, b := range eligible {
			if left == 0 {
				break
			}
			take := min(b.Remaining, left)
			if err := tx.SetBatchRemaining(b.ID, b.Remaining-take); err != nil {
				return err
			}
			draws = append(draws, BatchDraw{BatchID: b.ID, Amount: take})
			left -= take
		}

		if err := tx.SetBalance(w.Balance - amount); err != nil {
			return err
		}
		entry = UsageEntry{
			ID:           uuid.New(),
			WalletID:     w.ID,
			Kind:         UsageSpent,
			Amount:       amount,
			Reason:       reason,
			BalanceAfter: w.Balance - amount,
			Draws:        draws,
			CreatedAt:    now,
		}
		return tx.InsertUsage(entry)
	})
	if err != nil {
		return UsageEntry{}, err
	}
	return entry, nil
}

// Balance returns the tenant's available balance at the current time. See BalanceAt.
func (s *Service) Balance(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	return s.BalanceAt(ctx, tenantID, time.Now().UTC())
}

// BalanceAt returns the sum of remaining tokens over non-expired batches.
// The cached wallet balance additionally carries remainders of expired
// batches the sweep has not reclaimed yet; any other mismatch is drift and
// is healed in place.
func (s *Service) BalanceAt(ctx context.Context, tenantID uuid.UUID, now time.Time) (int64, error) {
	w, err := s.storage.GetWallet(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	batches, err := s.storage.ListBatches(ctx, w.ID)
	if err != nil {
		return 0, err
	}

	available, total := balanceTotals(batches, now)
	if total == w.Balance {
		return available, nil
	}

	s.log.Warn("wallet balance drift detected, healing",
		slog.String("tenant_id", tenantID.String()),
		slog.Int64("cached", w.Balance),
		slog.Int64("computed", total))
	// Recompute under the wallet lock: a spend or grant committing after the
	// reads above must not be overwritten by a stale total.
	err = s.storage.UpdateWallet(ctx, tenantID, func(tx WalletTx) error {
		locked, err := tx.Batches()
		if err != nil {
			return err
		}
		available, total = balanceTotals(locked, now)
		if total == tx.Wallet().Balance {
			return nil
		}
		return tx.SetBalance(total)
	})
	if err != nil {
		return 0, err
	}
	return available, nil
}

func balanceTotals(batches []PurchaseBatch, now time.Time) (available, total int64) {
	for _, b := range batches {
		total += b.Remaining
		if !b.ExpiredAt(now) {
			available += b.Remaining
		}
	}
	return available, total
}

// ExpireDue reclaims the remainders of all batches in the tenant's wallet
// whose expiry is at or before now: each batch is zeroed, the wallet balance
// is reduced by the reclaimed amount and an EXPIRED usage entry is recorded,
// all in one atomic unit. Running it again for the same instant is a no-op
// because only batches with remaining tokens are selected.
func (s *Service) ExpireDue(ctx context.Context, tenantID uuid.UUID, now time.Time) (ExpireResult, error) {
	var res ExpireResult
	err := s.storage.UpdateWallet(ctx, tenantID, func(tx WalletTx) error {
		res = ExpireResult{}
		batches, err := tx.Batches()
		if err != nil {
			return err
		}

		w := tx.Wallet()
		balance := w.Balance
		for _, b := range batches {
			if b.Remaining <= 0 || !b.ExpiredAt(now) {
				continue
			}
			if err := tx.SetBatchRemaining(b.ID, 0); err != nil {
				return err
			}
			balance -= b.Remaining
			if err := tx.InsertUsage(UsageEntry{
				ID:           uuid.New(),
				WalletID:     w.ID,
				Kind:         UsageExpired,
				Amount:       b.Remaining,
				Reason:       "batch expired",
				BalanceAfter: balance,
				Draws:        []BatchDraw{{BatchID: b.ID, Amount: b.Remaining}},
				CreatedAt:    now,
			}); err != nil {
				return err
			}
			res.Batches++
			res.Reclaimed += b.Remaining
		}
		if res.Batches == 0 {
			return nil
		}
		return tx.SetBalance(balance)
	})
	if err != nil {
		return ExpireResult{}, err
	}
	return res, nil
}

// TenantsDueForExpiry lists tenants the expiration sweep must visit at now.
func (s *Service) TenantsDueForExpiry(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	return s.storage.TenantsDueForExpiry(ctx, now)
}

// Statement returns a read-only wallet snapshot: batches, the most recent
// usage entries and the tokens expiring within the next 30 days.
func (s *Service) Statement(ctx context.Context, tenantID uuid.UUID, usageLimit int) (Statement, error) {
	return s.StatementAt(ctx, tenantID, usageLimit, time.Now().UTC())
}

// StatementAt is Statement with an explicit reference time.
func (s *Service) StatementAt(ctx context.Context, tenantID uuid.UUID, usageLimit int, now time.Time) (Statement, error) {
	w, err := s.storage.GetWallet(ctx, tenantID)
	if err != nil {
		return Statement{}, err
	}
	batches, err := s.storage.ListBatches(ctx, w.ID)
	if err != nil {
		return Statement{}, err
	}
	usage, err := s.storage.ListUsage(ctx, w.ID, usageLimit)
	if err != nil {
		return Statement{}, err
	}

	st := Statement{Wallet: w, Batches: batches, Usage: usage}
	horizon := now.Add(ExpiringSoonWindow)
	for _, b := range batches {
		if b.ConsumableAt(now) && b.ExpiresAt != nil && !b.ExpiresAt.After(horizon) {
			st.ExpiringSoon = append(st.ExpiringSoon, b)
			st.ExpiringAmt += b.Remaining
		}
	}
	return st, nil
}

// consumptionOrder sorts soonest-expiring batches first; never-expiring
// batches come last, oldest first.
func consumptionOrder(a, b PurchaseBatch) int {
	switch {
	case a.ExpiresAt != nil && b.ExpiresAt != nil:
		if c := a.ExpiresAt.Compare(*b.ExpiresAt); c != 0 {
			return c
		}
	case a.ExpiresAt != nil:
		return -1
	case b.ExpiresAt != nil:
		return 1
	}
	return a.CreatedAt.Compare(b.CreatedAt)
}
