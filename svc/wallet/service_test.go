package wallet_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zablink/app1.3-sub003/svc/wallet"
)

func newTestService(t *testing.T) *wallet.Service {
	t.Helper()
	svc, err := wallet.NewService(wallet.NewMemoryStorage(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return svc
}

func ptrTime(t time.Time) *time.Time { return &t }

func TestService_Grant(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("creates wallet lazily and credits balance", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t)
		tenant := uuid.New()

		batch, err := svc.Grant(ctx, tenant, wallet.GrantParams{Amount: 100, Provider: "omise", ProviderRef: "chrg_1"})
		require.NoError(t, err)
		assert.Equal(t, int64(100), batch.Amount)
		assert.Equal(t, int64(100), batch.Remaining)

		balance, err := svc.Balance(ctx, tenant)
		require.NoError(t, err)
		assert.Equal(t, int64(100), balance)
	})

	t.Run("rejects non-positive amount", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t)

		_, err := svc.Grant(ctx, uuid.New(), wallet.GrantParams{Amount: 0})
		assert.ErrorIs(t, err, wallet.ErrInvalidAmount)

		_, err = svc.Grant(ctx, uuid.New(), wallet.GrantParams{Amount: -5})
		assert.ErrorIs(t, err, wallet.ErrInvalidAmount)
	})

	t.Run("same reference replay is idempotent", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t)
		tenant := uuid.New()
		params := wallet.GrantParams{Amount: 50, Provider: "omise", ProviderRef: "chrg_dup"}

		first, err := svc.Grant(ctx, tenant, params)
		require.NoError(t, err)

		second, err := svc.Grant(ctx, tenant, params)
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)

		balance, err := svc.Balance(ctx, tenant)
		require.NoError(t, err)
		assert.Equal(t, int64(50), balance, "replay must not double-credit")
	})

	t.Run("replay with different amount fails", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t)
		tenant := uuid.New()

		_, err := svc.Grant(ctx, tenant, wallet.GrantParams{Amount: 50, Provider: "omise", ProviderRef: "chrg_x"})
		require.NoError(t, err)

		_, err = svc.Grant(ctx, tenant, wallet.GrantParams{Amount: 60, Provider: "omise", ProviderRef: "chrg_x"})
		assert.ErrorIs(t, err, wallet.ErrDuplicateReference)
	})

	t.Run("reference replay from another tenant is rejected", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t)
		owner := uuid.New()
		other := uuid.New()

		_, err := svc.Grant(ctx, owner, wallet.GrantParams{Amount: 50, Provider: "omise", ProviderRef: "chrg_shared"})
		require.NoError(t, err)
		_, err = svc.Grant(ctx, other, wallet.GrantParams{Amount: 1, Provider: "admin"})
		require.NoError(t, err)

		// Same reference and amount, wrong tenant: must not pass as a replay.
		_, err = svc.Grant(ctx, other, wallet.GrantParams{Amount: 50, Provider: "omise", ProviderRef: "chrg_shared"})
		assert.ErrorIs(t, err, wallet.ErrDuplicateReference)

		balance, err := svc.Balance(ctx, other)
		require.NoError(t, err)
		assert.Equal(t, int64(1), balance)
	})

	t.Run("reference replay without a wallet is rejected", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t)
		owner := uuid.New()

		_, err := svc.Grant(ctx, owner, wallet.GrantParams{Amount: 50, Provider: "omise", ProviderRef: "chrg_owned"})
		require.NoError(t, err)

		_, err = svc.Grant(ctx, uuid.New(), wallet.GrantParams{Amount: 50, Provider: "omise", ProviderRef: "chrg_owned"})
		assert.ErrorIs(t, err, wallet.ErrDuplicateReference)
	})

	t.Run("empty reference grants never collide", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t)
		tenant := uuid.New()

		_, err := svc.Grant(ctx, tenant, wallet.GrantParams{Amount: 10, Provider: "admin"})
		require.NoError(t, err)
		_, err = svc.Grant(ctx, tenant, wallet.GrantParams{Amount: 20, Provider: "admin"})
		require.NoError(t, err)

		balance, err := svc.Balance(ctx, tenant)
		require.NoError(t, err)
		assert.Equal(t, int64(30), balance)
	})
}

func TestService_Spend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("consumes soonest expiring batch first", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t)
		tenant := uuid.New()

		// B granted before A, but A expires sooner and must be drained first.
		b, err := svc.Grant(ctx, tenant, wallet.GrantParams{Amount: 5, Provider: "omise", ProviderRef: "b", ExpiresAt: ptrTime(now.Add(30 * 24 * time.Hour))})
		require.NoError(t, err)
		a, err := svc.Grant(ctx, tenant, wallet.GrantParams{Amount: 5, Provider: "omise", ProviderRef: "a", ExpiresAt: ptrTime(now.Add(24 * time.Hour))})
		require.NoError(t, err)

		entry, err := svc.SpendAt(ctx, tenant, 7, "ad placement", now)
		require.NoError(t, err)
		require.Len(t, entry.Draws, 2)
		assert.Equal(t, a.ID, entry.Draws[0].BatchID)
		assert.Equal(t, int64(5), entry.Draws[0].Amount)
		assert.Equal(t, b.ID, entry.Draws[1].BatchID)
		assert.Equal(t, int64(2), entry.Draws[1].Amount)

		st, err := svc.StatementAt(ctx, tenant, 10, now)
		require.NoError(t, err)
		remaining := map[uuid.UUID]int64{}
		for _, batch := range st.Batches {
			remaining[batch.ID] = batch.Remaining
		}
		assert.Equal(t, int64(0), remaining[a.ID])
		assert.Equal(t, int64(3), remaining[b.ID])
	})

	t.Run("never expiring batches drain last by creation time", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t)
		tenant := uuid.New()

		forever, err := svc.Grant(ctx, tenant, wallet.GrantParams{Amount: 10, Provider: "admin"})
		require.NoError(t, err)
		expiring, err := svc.Grant(ctx, tenant, wallet.GrantParams{Amount: 10, Provider: "omise", ProviderRef: "e", ExpiresAt: ptrTime(now.Add(time.Hour))})
		require.NoError(t, err)

		entry, err := svc.SpendAt(ctx, tenant, 12, "boost", now)
		require.NoError(t, err)
		require.Len(t, entry.Draws, 2)
		assert.Equal(t, expiring.ID, entry.Draws[0].BatchID)
		assert.Equal(t, int64(10), entry.Draws[0].Amount)
		assert.Equal(t, forever.ID, entry.Draws[1].BatchID)
		assert.Equal(t, int64(2), entry.Draws[1].Amount)
	})

	t.Run("insufficient balance leaves batches untouched", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t)
		tenant := uuid.New()

		_, err := svc.Grant(ctx, tenant, wallet.GrantParams{Amount: 4, Provider: "omise", ProviderRef: "s"})
		require.NoError(t, err)

		_, err = svc.SpendAt(ctx, tenant, 5, "too much", now)
		assert.ErrorIs(t, err, wallet.ErrInsufficientBalance)

		balance, err := svc.BalanceAt(ctx, tenant, now)
		require.NoError(t, err)
		assert.Equal(t, int64(4), balance)

		st, err := svc.StatementAt(ctx, tenant, 10, now)
		require.NoError(t, err)
		assert.Empty(t, st.Usage, "failed spend must not record usage")
	})

	t.Run("expired batches are not eligible", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t)
		tenant := uuid.New()

		_, err := svc.Grant(ctx, tenant, wallet.GrantParams{Amount: 10, Provider: "omise", ProviderRef: "old", ExpiresAt: ptrTime(now.Add(-time.Second))})
		require.NoError(t, err)
		_, err = svc.Grant(ctx, tenant, wallet.GrantParams{Amount: 3, Provider: "omise", ProviderRef: "fresh", ExpiresAt: ptrTime(now.Add(time.Hour))})
		require.NoError(t, err)

		_, err = svc.SpendAt(ctx, tenant, 5, "needs live tokens", now)
		assert.ErrorIs(t, err, wallet.ErrInsufficientBalance)

		entry, err := svc.SpendAt(ctx, tenant, 3, "fits live tokens", now)
		require.NoError(t, err)
		assert.Equal(t, int64(3), entry.Amount)
	})

	t.Run("rejects non-positive amount", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t)

		_, err := svc.SpendAt(ctx, uuid.New(), 0, "noop", now)
		assert.ErrorIs(t, err, wallet.ErrInvalidAmount)
	})

	t.Run("missing wallet", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t)

		_, err := svc.Balance(ctx, uuid.New())
		assert.ErrorIs(t, err, wallet.ErrWalletNotFound)
	})
}

func TestService_BalanceInvariant(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	svc := newTestService(t)
	tenant := uuid.New()

	// Interleaved grants and spends: available balance always equals the sum
	// of remaining over non-expired batches and never goes negative.
	_, err := svc.Grant(ctx, tenant, wallet.GrantParams{Amount: 20, Provider: "omise", ProviderRef: "g1", ExpiresAt: ptrTime(now.Add(48 * time.Hour))})
	require.NoError(t, err)
	_, err = svc.SpendAt(ctx, tenant, 7, "a", now)
	require.NoError(t, err)
	_, err = svc.Grant(ctx, tenant, wallet.GrantParams{Amount: 5, Provider: "admin"})
	require.NoError(t, err)
	_, err = svc.SpendAt(ctx, tenant, 11, "b", now)
	require.NoError(t, err)

	balance, err := svc.BalanceAt(ctx, tenant, now)
	require.NoError(t, err)
	assert.Equal(t, int64(7), balance)

	st, err := svc.StatementAt(ctx, tenant, 10, now)
	require.NoError(t, err)
	var sum int64
	for _, b := range st.Batches {
		require.GreaterOrEqual(t, b.Remaining, int64(0))
		if !b.ExpiredAt(now) {
			sum += b.Remaining
		}
	}
	assert.Equal(t, balance, sum)
	assert.Equal(t, balance, st.Wallet.Balance)
}

// listHookStorage runs a callback after the first ListBatches, letting tests
// commit writes between a reader's snapshot and its follow-up.
type listHookStorage struct {
	wallet.Storage
	once      sync.Once
	afterList func()
}

func (s *listHookStorage) ListBatches(ctx context.Context, walletID uuid.UUID) ([]wallet.PurchaseBatch, error) {
	batches, err := s.Storage.ListBatches(ctx, walletID)
	if err == nil && s.afterList != nil {
		s.once.Do(s.afterList)
	}
	return batches, err
}

func TestService_BalanceHealRace(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	inner := wallet.NewMemoryStorage()
	store := &listHookStorage{Storage: inner}
	svc, err := wallet.NewService(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	spender, err := wallet.NewService(inner, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	tenant := uuid.New()

	_, err = svc.Grant(ctx, tenant, wallet.GrantParams{Amount: 100, Provider: "omise", ProviderRef: "heal"})
	require.NoError(t, err)

	// Corrupt the cached balance so the next read triggers healing.
	require.NoError(t, inner.UpdateWallet(ctx, tenant, func(tx wallet.WalletTx) error {
		return tx.SetBalance(110)
	}))

	// A spend commits between the heal's snapshot and its write; the heal
	// must not resurrect the pre-spend total.
	store.afterList = func() {
		_, err := spender.SpendAt(ctx, tenant, 30, "mid-heal", now)
		require.NoError(t, err)
	}

	available, err := svc.BalanceAt(ctx, tenant, now)
	require.NoError(t, err)
	assert.Equal(t, int64(70), available)

	w, err := inner.GetWallet(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, int64(70), w.Balance, "cached balance must match batch remainders after heal")
}

func TestService_ExpireDue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	t.Run("reclaims expired remainders", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t)
		tenant := uuid.New()

		_, err := svc.Grant(ctx, tenant, wallet.GrantParams{Amount: 10, Provider: "omise", ProviderRef: "dead", ExpiresAt: ptrTime(now.Add(-time.Second))})
		require.NoError(t, err)
		_, err = svc.Grant(ctx, tenant, wallet.GrantParams{Amount: 4, Provider: "omise", ProviderRef: "live", ExpiresAt: ptrTime(now.Add(time.Hour))})
		require.NoError(t, err)

		res, err := svc.ExpireDue(ctx, tenant, now)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Batches)
		assert.Equal(t, int64(10), res.Reclaimed)

		st, err := svc.StatementAt(ctx, tenant, 10, now)
		require.NoError(t, err)
		assert.Equal(t, int64(4), st.Wallet.Balance)
		require.Len(t, st.Usage, 1)
		assert.Equal(t, wallet.UsageExpired, st.Usage[0].Kind)
		assert.Equal(t, int64(10), st.Usage[0].Amount)
	})

	t.Run("second run is a no-op", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t)
		tenant := uuid.New()

		_, err := svc.Grant(ctx, tenant, wallet.GrantParams{Amount: 10, Provider: "omise", ProviderRef: "dead2", ExpiresAt: ptrTime(now.Add(-time.Minute))})
		require.NoError(t, err)

		first, err := svc.ExpireDue(ctx, tenant, now)
		require.NoError(t, err)
		assert.Equal(t, int64(10), first.Reclaimed)

		second, err := svc.ExpireDue(ctx, tenant, now)
		require.NoError(t, err)
		assert.Zero(t, second.Batches)
		assert.Zero(t, second.Reclaimed)
	})

	t.Run("lists tenants due for expiry", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t)
		due := uuid.New()
		clean := uuid.New()

		_, err := svc.Grant(ctx, due, wallet.GrantParams{Amount: 1, Provider: "omise", ProviderRef: "d", ExpiresAt: ptrTime(now.Add(-time.Hour))})
		require.NoError(t, err)
		_, err = svc.Grant(ctx, clean, wallet.GrantParams{Amount: 1, Provider: "omise", ProviderRef: "c", ExpiresAt: ptrTime(now.Add(time.Hour))})
		require.NoError(t, err)

		tenants, err := svc.TenantsDueForExpiry(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{due}, tenants)
	})
}

func TestService_ConcurrentSpend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newTestService(t)
	tenant := uuid.New()

	const workers = 10
	_, err := svc.Grant(ctx, tenant, wallet.GrantParams{Amount: workers * 10, Provider: "omise", ProviderRef: "pool"})
	require.NoError(t, err)

	// Each worker tries to take the whole balance; exactly one may win.
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.Spend(ctx, tenant, workers*10, "grab all")
		}()
	}
	wg.Wait()

	var wins, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		default:
			require.ErrorIs(t, err, wallet.ErrInsufficientBalance)
			insufficient++
		}
	}
	assert.Equal(t, 1, wins, "exactly one spend may consume the balance")
	assert.Equal(t, workers-1, insufficient)

	balance, err := svc.Balance(ctx, tenant)
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestService_Statement(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	svc := newTestService(t)
	tenant := uuid.New()

	_, err := svc.Grant(ctx, tenant, wallet.GrantParams{Amount: 5, Provider: "omise", ProviderRef: "soon", ExpiresAt: ptrTime(now.Add(10 * 24 * time.Hour))})
	require.NoError(t, err)
	_, err = svc.Grant(ctx, tenant, wallet.GrantParams{Amount: 7, Provider: "omise", ProviderRef: "later", ExpiresAt: ptrTime(now.Add(90 * 24 * time.Hour))})
	require.NoError(t, err)
	_, err = svc.Grant(ctx, tenant, wallet.GrantParams{Amount: 3, Provider: "admin"})
	require.NoError(t, err)

	st, err := svc.StatementAt(ctx, tenant, 10, now)
	require.NoError(t, err)
	assert.Equal(t, int64(15), st.Wallet.Balance)
	assert.Len(t, st.Batches, 3)
	require.Len(t, st.ExpiringSoon, 1)
	assert.Equal(t, int64(5), st.ExpiringAmt)
}
