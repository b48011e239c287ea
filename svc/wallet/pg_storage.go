package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zablink/app1.3-sub003/pkg/pg"
)

// pgStorage persists the ledger in PostgreSQL. Per-wallet atomicity comes
// from a row lock on the wallet: UpdateWallet holds `SELECT ... FOR UPDATE`
// on the wallet row for the duration of the transaction, so concurrent
// spend, grant and expire on the same wallet serialize while different
// wallets proceed in parallel.
type pgStorage struct {
	pool *pgxpool.Pool
}

// NewPgStorage returns a Storage backed by the given connection pool.
func NewPgStorage(pool *pgxpool.Pool) Storage {
	return &pgStorage{pool: pool}
}

const walletColumns = `id, tenant_id, balance, created_at, updated_at`

func scanWallet(row pgx.Row) (Wallet, error) {
	var w Wallet
	err := row.Scan(&w.ID, &w.TenantID, &w.Balance, &w.CreatedAt, &w.UpdatedAt)
	return w, err
}

func (p *pgStorage) GetWallet(ctx context.Context, tenantID uuid.UUID) (Wallet, error) {
	w, err := scanWallet(p.pool.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM token_wallets WHERE tenant_id = $1`, tenantID))
	if err != nil {
		if pg.IsNotFoundError(err) {
			return Wallet{}, ErrWalletNotFound
		}
		return Wallet{}, errors.Join(ErrTransientStore, err)
	}
	return w, nil
}

const batchColumns = `id, wallet_id, amount, remaining, unit_price, provider, provider_ref, created_at, expires_at`

func scanBatch(row pgx.Row) (PurchaseBatch, error) {
	var b PurchaseBatch
	err := row.Scan(&b.ID, &b.WalletID, &b.Amount, &b.Remaining, &b.UnitPrice,
		&b.Provider, &b.ProviderRef, &b.CreatedAt, &b.ExpiresAt)
	return b, err
}

func (p *pgStorage) BatchByProviderRef(ctx context.Context, provider, providerRef string) (PurchaseBatch, error) {
	if providerRef == "" {
		return PurchaseBatch{}, ErrBatchNotFound
	}
	b, err := scanBatch(p.pool.QueryRow(ctx,
		`SELECT `+batchColumns+` FROM token_batches WHERE provider = $1 AND provider_ref = $2`,
		provider, providerRef))
	if err != nil {
		if pg.IsNotFoundError(err) {
			return PurchaseBatch{}, ErrBatchNotFound
		}
		return PurchaseBatch{}, errors.Join(ErrTransientStore, err)
	}
	return b, nil
}

func (p *pgStorage) ListBatches(ctx context.Context, walletID uuid.UUID) ([]PurchaseBatch, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+batchColumns+` FROM token_batches WHERE wallet_id = $1 ORDER BY created_at, id`, walletID)
	if err != nil {
		return nil, errors.Join(ErrTransientStore, err)
	}
	defer rows.Close()
	return collectBatches(rows)
}

func collectBatches(rows pgx.Rows) ([]PurchaseBatch, error) {
	var out []PurchaseBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, errors.Join(ErrTransientStore, err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(ErrTransientStore, err)
	}
	return out, nil
}

func (p *pgStorage) ListUsage(ctx context.Context, walletID uuid.UUID, limit int) ([]UsageEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx,
		`SELECT id, wallet_id, kind, amount, reason, balance_after, draws, created_at
		 FROM token_usage WHERE wallet_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		walletID, limit)
	if err != nil {
		return nil, errors.Join(ErrTransientStore, err)
	}
	defer rows.Close()

	var out []UsageEntry
	for rows.Next() {
		var e UsageEntry
		var draws []byte
		if err := rows.Scan(&e.ID, &e.WalletID, &e.Kind, &e.Amount, &e.Reason,
			&e.BalanceAfter, &draws, &e.CreatedAt); err != nil {
			return nil, errors.Join(ErrTransientStore, err)
		}
		if len(draws) > 0 {
			if err := json.Unmarshal(draws, &e.Draws); err != nil {
				return nil, errors.Join(ErrTransientStore, err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(ErrTransientStore, err)
	}
	return out, nil
}

func (p *pgStorage) UpdateWallet(ctx context.Context, tenantID uuid.UUID, fn func(tx WalletTx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Join(ErrTransientStore, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	// Lazy wallet creation races with itself across connections; the unique
	// tenant constraint makes the loser fall through to the locking select.
	if _, err := tx.Exec(ctx,
		`INSERT INTO token_wallets (id, tenant_id, balance, created_at, updated_at)
		 VALUES ($1, $2, 0, now(), now())
		 ON CONFLICT (tenant_id) DO NOTHING`,
		uuid.New(), tenantID); err != nil {
		return errors.Join(ErrTransientStore, err)
	}

	w, err := scanWallet(tx.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM token_wallets WHERE tenant_id = $1 FOR UPDATE`, tenantID))
	if err != nil {
		return errors.Join(ErrTransientStore, err)
	}

	if err := fn(&pgWalletTx{ctx: ctx, tx: tx, wallet: w}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Join(ErrTransientStore, err)
	}
	return nil
}

func (p *pgStorage) TenantsDueForExpiry(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT DISTINCT w.tenant_id
		 FROM token_batches b
		 JOIN token_wallets w ON w.id = b.wallet_id
		 WHERE b.remaining > 0 AND b.expires_at IS NOT NULL AND b.expires_at <= $1`, now)
	if err != nil {
		return nil, errors.Join(ErrTransientStore, err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Join(ErrTransientStore, err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(ErrTransientStore, err)
	}
	return out, nil
}

type pgWalletTx struct {
	ctx    context.Context
	tx     pgx.Tx
	wallet Wallet
}

func (t *pgWalletTx) Wallet() Wallet { return t.wallet }

func (t *pgWalletTx) Batches() ([]PurchaseBatch, error) {
	rows, err := t.tx.Query(t.ctx,
		`SELECT `+batchColumns+` FROM token_batches WHERE wallet_id = $1 ORDER BY created_at, id`,
		t.wallet.ID)
	if err != nil {
		return nil, errors.Join(ErrTransientStore, err)
	}
	defer rows.Close()
	return collectBatches(rows)
}

func (t *pgWalletTx) InsertBatch(batch PurchaseBatch) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO token_batches (id, wallet_id, amount, remaining, unit_price, provider, provider_ref, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		batch.ID, batch.WalletID, batch.Amount, batch.Remaining, batch.UnitPrice,
		batch.Provider, batch.ProviderRef, batch.CreatedAt, batch.ExpiresAt)
	if err != nil {
		if pg.IsDuplicateKeyError(err) {
			return ErrDuplicateReference
		}
		return errors.Join(ErrTransientStore, err)
	}
	return nil
}

func (t *pgWalletTx) SetBatchRemaining(batchID uuid.UUID, remaining int64) error {
	tag, err := t.tx.Exec(t.ctx,
		`UPDATE token_batches SET remaining = $2 WHERE id = $1`, batchID, remaining)
	if err != nil {
		return errors.Join(ErrTransientStore, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBatchNotFound
	}
	return nil
}

func (t *pgWalletTx) SetBalance(balance int64) error {
	_, err := t.tx.Exec(t.ctx,
		`UPDATE token_wallets SET balance = $2, updated_at = now() WHERE id = $1`,
		t.wallet.ID, balance)
	if err != nil {
		return errors.Join(ErrTransientStore, err)
	}
	return nil
}

func (t *pgWalletTx) InsertUsage(entry UsageEntry) error {
	draws, err := json.Marshal(entry.Draws)
	if err != nil {
		return errors.Join(ErrTransientStore, err)
	}
	_, err = t.tx.Exec(t.ctx,
		`INSERT INTO token_usage (id, wallet_id, kind, amount, reason, balance_after, draws, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.WalletID, entry.Kind, entry.Amount, entry.Reason,
		entry.BalanceAfter, draws, entry.CreatedAt)
	if err != nil {
		return errors.Join(ErrTransientStore, err)
	}
	return nil
}
