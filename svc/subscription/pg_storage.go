package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zablink/app1.3-sub003/pkg/pg"
)

// pgStorage persists the registry in PostgreSQL. Tier ordering is pushed
// down as a denormalized tier_rank column written from Tier.Rank at insert,
// so ranking queries sort on an integer instead of a CASE over strings and
// the Go enum stays the single source of truth for tier order.
type pgStorage struct {
	pool *pgxpool.Pool
}

// NewPgStorage returns a Storage backed by the given connection pool.
func NewPgStorage(pool *pgxpool.Pool) Storage {
	return &pgStorage{pool: pool}
}

func (p *pgStorage) CreatePackage(ctx context.Context, pkg Package) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO subscription_packages (id, name, tier, tier_rank, price, period_days, token_amount)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		pkg.ID, pkg.Name, pkg.Tier, pkg.Tier.Rank(), pkg.Price, pkg.PeriodDays, pkg.TokenAmount)
	if err != nil {
		return errors.Join(ErrTransientStore, err)
	}
	return nil
}

const packageColumns = `id, name, tier, price, period_days, token_amount`

func scanPackage(row pgx.Row) (Package, error) {
	var pkg Package
	err := row.Scan(&pkg.ID, &pkg.Name, &pkg.Tier, &pkg.Price, &pkg.PeriodDays, &pkg.TokenAmount)
	return pkg, err
}

func (p *pgStorage) GetPackage(ctx context.Context, id uuid.UUID) (Package, error) {
	pkg, err := scanPackage(p.pool.QueryRow(ctx,
		`SELECT `+packageColumns+` FROM subscription_packages WHERE id = $1`, id))
	if err != nil {
		if pg.IsNotFoundError(err) {
			return Package{}, ErrPackageNotFound
		}
		return Package{}, errors.Join(ErrTransientStore, err)
	}
	return pkg, nil
}

func (p *pgStorage) ListPackages(ctx context.Context) ([]Package, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+packageColumns+` FROM subscription_packages ORDER BY tier_rank, price`)
	if err != nil {
		return nil, errors.Join(ErrTransientStore, err)
	}
	defer rows.Close()

	var out []Package
	for rows.Next() {
		pkg, err := scanPackage(rows)
		if err != nil {
			return nil, errors.Join(ErrTransientStore, err)
		}
		out = append(out, pkg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(ErrTransientStore, err)
	}
	return out, nil
}

const subscriptionColumns = `id, tenant_id, package_id, tier, status, starts_at, ends_at, auto_renew, payment_ref, created_at, updated_at`

func scanSubscription(row pgx.Row) (Subscription, error) {
	var s Subscription
	err := row.Scan(&s.ID, &s.TenantID, &s.PackageID, &s.Tier, &s.Status,
		&s.StartsAt, &s.EndsAt, &s.AutoRenew, &s.PaymentRef, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

func (p *pgStorage) CreateSubscription(ctx context.Context, sub Subscription) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO subscriptions (id, tenant_id, package_id, tier, tier_rank, status, starts_at, ends_at, auto_renew, payment_ref, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		sub.ID, sub.TenantID, sub.PackageID, sub.Tier, sub.Tier.Rank(), sub.Status,
		sub.StartsAt, sub.EndsAt, sub.AutoRenew, sub.PaymentRef, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return errors.Join(ErrTransientStore, err)
	}
	return nil
}

func (p *pgStorage) GetSubscription(ctx context.Context, id uuid.UUID) (Subscription, error) {
	sub, err := scanSubscription(p.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
	if err != nil {
		if pg.IsNotFoundError(err) {
			return Subscription{}, ErrSubscriptionNotFound
		}
		return Subscription{}, errors.Join(ErrTransientStore, err)
	}
	return sub, nil
}

func (p *pgStorage) GetByPaymentRef(ctx context.Context, paymentRef string) (Subscription, error) {
	if paymentRef == "" {
		return Subscription{}, ErrSubscriptionNotFound
	}
	sub, err := scanSubscription(p.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE payment_ref = $1
		 ORDER BY created_at LIMIT 1`, paymentRef))
	if err != nil {
		if pg.IsNotFoundError(err) {
			return Subscription{}, ErrSubscriptionNotFound
		}
		return Subscription{}, errors.Join(ErrTransientStore, err)
	}
	return sub, nil
}

func (p *pgStorage) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]Subscription, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE tenant_id = $1 ORDER BY created_at DESC`,
		tenantID)
	if err != nil {
		return nil, errors.Join(ErrTransientStore, err)
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

func collectSubscriptions(rows pgx.Rows) ([]Subscription, error) {
	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, errors.Join(ErrTransientStore, err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(ErrTransientStore, err)
	}
	return out, nil
}

func (p *pgStorage) SetStatus(ctx context.Context, id uuid.UUID, from, to Status, now time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE subscriptions SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`,
		id, from, to, now)
	if err != nil {
		return false, errors.Join(ErrTransientStore, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *pgStorage) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE subscriptions SET status = $1, updated_at = $2
		 WHERE status = $3 AND ends_at < $2`,
		StatusExpired, now, StatusActive)
	if err != nil {
		return 0, errors.Join(ErrTransientStore, err)
	}
	return tag.RowsAffected(), nil
}

func (p *pgStorage) BestActive(ctx context.Context, tenantIDs []uuid.UUID, now time.Time) (map[uuid.UUID]Subscription, error) {
	if len(tenantIDs) == 0 {
		return map[uuid.UUID]Subscription{}, nil
	}
	// One pass for any number of tenants: DISTINCT ON keeps each tenant's
	// top row under the rank ordering, avoiding N+1 lookups on listing pages.
	rows, err := p.pool.Query(ctx,
		`SELECT DISTINCT ON (tenant_id) `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE tenant_id = ANY($1)
		   AND status = $2
		   AND starts_at <= $3
		   AND ends_at > $3
		 ORDER BY tenant_id, tier_rank DESC, ends_at DESC`,
		tenantIDs, StatusActive, now)
	if err != nil {
		return nil, errors.Join(ErrTransientStore, err)
	}
	defer rows.Close()

	subs, err := collectSubscriptions(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]Subscription, len(subs))
	for _, sub := range subs {
		out[sub.TenantID] = sub
	}
	return out, nil
}

func (p *pgStorage) EndingWithin(ctx context.Context, now time.Time, within time.Duration) ([]Subscription, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE status = $1 AND ends_at > $2 AND ends_at <= $3
		 ORDER BY ends_at`,
		StatusActive, now, now.Add(within))
	if err != nil {
		return nil, errors.Join(ErrTransientStore, err)
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}
