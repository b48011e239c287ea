package wallet

import (
	"time"

	"github.com/google/uuid"
)

// Wallet is a tenant's prepaid token account. Balance caches the sum of
// remaining tokens over all purchase batches and is healed on drift.
type Wallet struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	Balance   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PurchaseBatch is one discrete token grant with its own remaining balance
// and expiry window. A batch with Remaining=0 is inert but kept for audit.
type PurchaseBatch struct {
	ID          uuid.UUID
	WalletID    uuid.UUID
	Amount      int64 // tokens granted, immutable
	Remaining   int64 // 0 <= Remaining <= Amount
	UnitPrice   int64 // price paid per token, minor currency units
	Provider    string
	ProviderRef string // external payment reference, idempotency key when set
	CreatedAt   time.Time
	ExpiresAt   *time.Time // nil = never expires
}

// ExpiredAt reports whether the batch validity window has closed at the given time.
func (b PurchaseBatch) ExpiredAt(now time.Time) bool {
	return b.ExpiresAt != nil && !b.ExpiresAt.After(now)
}

// ConsumableAt reports whether the batch can still be drawn from at the given time.
func (b PurchaseBatch) ConsumableAt(now time.Time) bool {
	return b.Remaining > 0 && !b.ExpiredAt(now)
}

// UsageKind distinguishes why tokens left a wallet.
type UsageKind string

const (
	UsageSpent   UsageKind = "SPENT"   // feature consumption
	UsageExpired UsageKind = "EXPIRED" // reclaimed by the expiration sweep
)

// BatchDraw records how much of a usage entry was drawn from one batch.
type BatchDraw struct {
	BatchID uuid.UUID `json:"batch_id"`
	Amount  int64     `json:"amount"`
}

// UsageEntry is an append-only audit record of a debit against the wallet.
type UsageEntry struct {
	ID           uuid.UUID
	WalletID     uuid.UUID
	Kind         UsageKind
	Amount       int64
	Reason       string
	BalanceAfter int64
	Draws        []BatchDraw
	CreatedAt    time.Time
}

// GrantParams describes a token grant originating from a completed payment
// or an admin action.
type GrantParams struct {
	Amount      int64
	UnitPrice   int64
	Provider    string
	ProviderRef string     // empty for grants without an external payment
	ExpiresAt   *time.Time // nil = tokens never expire
}

// ExpireResult summarizes one wallet's share of an expiration sweep.
type ExpireResult struct {
	Batches   int
	Reclaimed int64
}

// Statement is a read-only wallet snapshot for the query surface.
type Statement struct {
	Wallet       Wallet
	Batches      []PurchaseBatch
	Usage        []UsageEntry
	ExpiringSoon []PurchaseBatch // consumable batches expiring within the soon window
	ExpiringAmt  int64
}
