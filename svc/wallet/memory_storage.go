package wallet

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryStorage keeps the ledger in process memory. It backs tests and
// single-node development runs; production uses the Postgres storage.
type memoryStorage struct {
	mu      sync.RWMutex
	wallets map[uuid.UUID]*memWallet // keyed by tenant ID
}

// memWallet bundles one wallet's rows behind a single mutex so that
// UpdateWallet gets the same per-wallet serialization the Postgres storage
// gets from row locking.
type memWallet struct {
	mu      sync.Mutex
	wallet  Wallet
	batches []PurchaseBatch
	usage   []UsageEntry
}

// NewMemoryStorage returns an empty in-memory Storage implementation.
func NewMemoryStorage() Storage {
	return &memoryStorage{wallets: make(map[uuid.UUID]*memWallet)}
}

func (m *memoryStorage) find(tenantID uuid.UUID) (*memWallet, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[tenantID]
	return w, ok
}

func (m *memoryStorage) findOrCreate(tenantID uuid.UUID) *memWallet {
	if w, ok := m.find(tenantID); ok {
		return w
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.wallets[tenantID]; ok {
		return w
	}
	now := time.Now().UTC()
	w := &memWallet{wallet: Wallet{
		ID:        uuid.New(),
		TenantID:  tenantID,
		CreatedAt: now,
		UpdatedAt: now,
	}}
	m.wallets[tenantID] = w
	return w
}

func (m *memoryStorage) GetWallet(ctx context.Context, tenantID uuid.UUID) (Wallet, error) {
	w, ok := m.find(tenantID)
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.wallet, nil
}

func (m *memoryStorage) BatchByProviderRef(ctx context.Context, provider, providerRef string) (PurchaseBatch, error) {
	if providerRef == "" {
		return PurchaseBatch{}, ErrBatchNotFound
	}
	m.mu.RLock()
	wallets := make([]*memWallet, 0, len(m.wallets))
	for _, w := range m.wallets {
		wallets = append(wallets, w)
	}
	m.mu.RUnlock()

	for _, w := range wallets {
		w.mu.Lock()
		for _, b := range w.batches {
			if b.Provider == provider && b.ProviderRef == providerRef {
				w.mu.Unlock()
				return b, nil
			}
		}
		w.mu.Unlock()
	}
	return PurchaseBatch{}, ErrBatchNotFound
}

func (m *memoryStorage) byWalletID(walletID uuid.UUID) (*memWallet, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.wallets {
		if w.wallet.ID == walletID {
			return w, true
		}
	}
	return nil, false
}

func (m *memoryStorage) ListBatches(ctx context.Context, walletID uuid.UUID) ([]PurchaseBatch, error) {
	w, ok := m.byWalletID(walletID)
	if !ok {
		return nil, ErrWalletNotFound
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	out := slices.Clone(w.batches)
	slices.SortStableFunc(out, func(a, b PurchaseBatch) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (m *memoryStorage) ListUsage(ctx context.Context, walletID uuid.UUID, limit int) ([]UsageEntry, error) {
	w, ok := m.byWalletID(walletID)
	if !ok {
		return nil, ErrWalletNotFound
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	out := slices.Clone(w.usage)
	slices.Reverse(out) // newest first
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStorage) UpdateWallet(ctx context.Context, tenantID uuid.UUID, fn func(tx WalletTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w := m.findOrCreate(tenantID)
	w.mu.Lock()
	defer w.mu.Unlock()

	// fn mutates a scratch copy; nothing is visible until it succeeds.
	tx := &memWalletTx{
		wallet:  w.wallet,
		batches: deepCopyBatches(w.batches),
		usage:   slices.Clone(w.usage),
	}
	if err := fn(tx); err != nil {
		return err
	}

	w.wallet = tx.wallet
	w.wallet.UpdatedAt = time.Now().UTC()
	w.batches = tx.batches
	w.usage = tx.usage
	return nil
}

func (m *memoryStorage) TenantsDueForExpiry(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	m.mu.RLock()
	wallets := make([]*memWallet, 0, len(m.wallets))
	for _, w := range m.wallets {
		wallets = append(wallets, w)
	}
	m.mu.RUnlock()

	var due []uuid.UUID
	for _, w := range wallets {
		w.mu.Lock()
		for _, b := range w.batches {
			if b.Remaining > 0 && b.ExpiredAt(now) {
				due = append(due, w.wallet.TenantID)
				break
			}
		}
		w.mu.Unlock()
	}
	return due, nil
}

type memWalletTx struct {
	wallet  Wallet
	batches []PurchaseBatch
	usage   []UsageEntry
}

func (tx *memWalletTx) Wallet() Wallet { return tx.wallet }

func (tx *memWalletTx) Batches() ([]PurchaseBatch, error) {
	out := deepCopyBatches(tx.batches)
	slices.SortStableFunc(out, func(a, b PurchaseBatch) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (tx *memWalletTx) InsertBatch(batch PurchaseBatch) error {
	tx.batches = append(tx.batches, batch)
	return nil
}

func (tx *memWalletTx) SetBatchRemaining(batchID uuid.UUID, remaining int64) error {
	for i := range tx.batches {
		if tx.batches[i].ID == batchID {
			tx.batches[i].Remaining = remaining
			return nil
		}
	}
	return ErrBatchNotFound
}

func (tx *memWalletTx) SetBalance(balance int64) error {
	tx.wallet.Balance = balance
	return nil
}

func (tx *memWalletTx) InsertUsage(entry UsageEntry) error {
	tx.usage = append(tx.usage, entry)
	return nil
}

func deepCopyBatches(in []PurchaseBatch) []PurchaseBatch {
	out := slices.Clone(in)
	for i := range out {
		if out[i].ExpiresAt != nil {
			t := *out[i].ExpiresAt
			out[i].ExpiresAt = &t
		}
	}
	return out
}
