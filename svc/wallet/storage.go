package wallet

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Storage is the durable ledger record: wallets, purchase batches and usage
// entries. It owns atomicity and isolation only; consumption order, balance
// rules and validation live in the Service.
type Storage interface {
	// GetWallet returns the tenant's wallet or ErrWalletNotFound.
	GetWallet(ctx context.Context, tenantID uuid.UUID) (Wallet, error)

	// BatchByProviderRef looks up a batch by its external payment reference,
	// returning ErrBatchNotFound when no grant used it. Used for idempotent
	// webhook replay detection before taking the wallet lock.
	BatchByProviderRef(ctx context.Context, provider, providerRef string) (PurchaseBatch, error)

	// ListBatches returns all of a wallet's batches ordered by creation time.
	ListBatches(ctx context.Context, walletID uuid.UUID) ([]PurchaseBatch, error)

	// ListUsage returns the wallet's most recent usage entries, newest first.
	ListUsage(ctx context.Context, walletID uuid.UUID, limit int) ([]UsageEntry, error)

	// UpdateWallet runs fn with exclusive ownership of the tenant's wallet,
	// creating an empty wallet first if the tenant has none. Every mutation
	// made through the WalletTx commits atomically when fn returns nil and
	// is discarded entirely when it returns an error.
	UpdateWallet(ctx context.Context, tenantID uuid.UUID, fn func(tx WalletTx) error) error

	// TenantsDueForExpiry lists tenants holding at least one batch with
	// remaining tokens whose expiry is at or before now.
	TenantsDueForExpiry(ctx context.Context, now time.Time) ([]uuid.UUID, error)
}

// WalletTx is the mutation surface available inside Storage.UpdateWallet.
// Implementations serialize concurrent transactions on the same wallet.
type WalletTx interface {
	// Wallet returns the locked wallet row as of transaction start.
	Wallet() Wallet

	// Batches returns the wallet's batches ordered by creation time.
	Batches() ([]PurchaseBatch, error)

	// InsertBatch records a new purchase batch.
	InsertBatch(batch PurchaseBatch) error

	// SetBatchRemaining updates one batch's remaining token count.
	SetBatchRemaining(batchID uuid.UUID, remaining int64) error

	// SetBalance updates the wallet's cached balance.
	SetBalance(balance int64) error

	// InsertUsage appends an audit entry. Entries are never mutated.
	InsertUsage(entry UsageEntry) error
}
