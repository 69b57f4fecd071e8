package repository

import (
	"context"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/racai-ai/saroj/internal/common"
)

const leaseTable = "orchestrator_lease"

// Acquire takes or renews the named lease for owner. It succeeds when the
// lease is free, expired, or already held by owner, and fails with
// common.ErrLeaseHeld otherwise.
func (j *Journal) Acquire(ctx context.Context, name, owner string, ttl time.Duration) error {
	now := j.now()
	expires := now.Add(ttl).UnixNano()

	query, args := entsql.Dialect(j.dialect).
		Update(leaseTable).
		Set("owner", owner).
		Set("expires_at", expires).
		Where(entsql.And(
			entsql.EQ("name", name),
			entsql.Or(
				entsql.EQ("owner", owner),
				entsql.LT("expires_at", now.UnixNano()),
			),
		)).
		Query()
	res, err := j.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update lease: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	query, args = entsql.Dialect(j.dialect).
		Insert(leaseTable).
		Columns("name", "owner", "expires_at").
		Values(name, owner, expires).
		Query()
	if _, err := j.db.ExecContext(ctx, query, args...); err != nil {
		// The row exists and belongs to someone else.
		holder, _, _ := j.LeaseHolder(ctx, name)
		j.logger.Warn("lease held by another orchestrator", "lease", name, "holder", holder)
		return common.NewAppError("LEASE_HELD", fmt.Sprintf("lease %s is held by %s", name, holder), common.ErrLeaseHeld)
	}
	j.logger.Info("lease acquired", "lease", name, "owner", owner, "ttl", ttl)
	return nil
}

// Release drops the lease if owner still holds it.
func (j *Journal) Release(ctx context.Context, name, owner string) error {
	query, args := entsql.Dialect(j.dialect).
		Delete(leaseTable).
		Where(entsql.And(entsql.EQ("name", name), entsql.EQ("owner", owner))).
		Query()
	if _, err := j.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	j.logger.Info("lease released", "lease", name, "owner", owner)
	return nil
}

// LeaseHolder reports who holds the named lease and until when. It returns
// sql.ErrNoRows when nobody does.
func (j *Journal) LeaseHolder(ctx context.Context, name string) (string, time.Time, error) {
	query, args := entsql.Dialect(j.dialect).
		Select("owner", "expires_at").
		From(entsql.Table(leaseTable)).
		Where(entsql.EQ("name", name)).
		Query()
	var (
		owner   string
		expires int64
	)
	if err := j.db.QueryRowContext(ctx, query, args...).Scan(&owner, &expires); err != nil {
		return "", time.Time{}, err
	}
	return owner, time.Unix(0, expires).UTC(), nil
}
