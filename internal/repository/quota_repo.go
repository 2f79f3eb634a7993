package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pixelforge/backend/internal/models"
)

type QuotaRepo struct {
	pool *pgxpool.Pool
}

func NewQuotaRepo(pool *pgxpool.Pool) *QuotaRepo {
	return &QuotaRepo{pool: pool}
}

// EffectiveLimit resolves the daily limit for (userID, capability): the
// per-user override wins, then the global default, then unlimited when
// neither row exists.
func (r *QuotaRepo) EffectiveLimit(ctx context.Context, userID uuid.UUID, capability string) (int, error) {
	var limit int
	err := r.pool.QueryRow(ctx, `
		SELECT daily_limit FROM quota_overrides WHERE user_id = $1 AND capability = $2
	`, userID, capability).Scan(&limit)
	if err == nil {
		return limit, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}
	err = r.pool.QueryRow(ctx, `
		SELECT daily_limit FROM quota_limits WHERE capability = $1
	`, capability).Scan(&limit)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QuotaUnlimited, nil
	}
	if err != nil {
		return 0, err
	}
	return limit, nil
}

// IncrementWithin bumps the day's counter for the key only while it stays
// under limit, in a single statement so check-and-increment is atomic per
// (user, capability, date). Returns false when the limit is already spent.
func (r *QuotaRepo) IncrementWithin(ctx context.Context, userID uuid.UUID, capability, date string, limit int) (bool, error) {
	var used int
	err := r.pool.QueryRow(ctx, `
		INSERT INTO quota_usage (user_id, capability, usage_date, used)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (user_id, capability, usage_date)
		DO UPDATE SET used = quota_usage.used + 1
		WHERE quota_usage.used < $4
		RETURNING used
	`, userID, capability, date, limit).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Increment bumps the counter with no upper bound (unlimited capability —
// the counter is still kept for status reporting).
func (r *QuotaRepo) Increment(ctx context.Context, userID uuid.UUID, capability, date string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO quota_usage (user_id, capability, usage_date, used)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (user_id, capability, usage_date)
		DO UPDATE SET used = quota_usage.used + 1
	`, userID, capability, date)
	return err
}

// Decrement releases one slot for the key, clamped at zero.
func (r *QuotaRepo) Decrement(ctx context.Context, userID uuid.UUID, capability, date string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE quota_usage SET used = GREATEST(used - 1, 0)
		WHERE user_id = $1 AND capability = $2 AND usage_date = $3
	`, userID, capability, date)
	return err
}

// DecrementTx is Decrement within the caller's transaction.
func (r *QuotaRepo) DecrementTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, capability, date string) error {
	_, err := tx.Exec(ctx, `
		UPDATE quota_usage SET used = GREATEST(used - 1, 0)
		WHERE user_id = $1 AND capability = $2 AND usage_date = $3
	`, userID, capability, date)
	return err
}

// Used reads the day's consumed count, zero when no row exists yet.
func (r *QuotaRepo) Used(ctx context.Context, userID uuid.UUID, capability, date string) (int, error) {
	var used int
	err := r.pool.QueryRow(ctx, `
		SELECT used FROM quota_usage WHERE user_id = $1 AND capability = $2 AND usage_date = $3
	`, userID, capability, date).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return used, err
}

func (r *QuotaRepo) SetGlobalLimit(ctx context.Context, capability string, limit int) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO quota_limits (capability, daily_limit) VALUES ($1, $2)
		ON CONFLICT (capability) DO UPDATE SET daily_limit = $2
	`, capability, limit)
	return err
}

func (r *QuotaRepo) SetUserOverride(ctx context.Context, userID uuid.UUID, capability string, limit int) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO quota_overrides (user_id, capability, daily_limit) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, capability) DO UPDATE SET daily_limit = $3
	`, userID, capability, limit)
	return err
}

func (r *QuotaRepo) ClearUserOverride(ctx context.Context, userID uuid.UUID, capability string) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM quota_overrides WHERE user_id = $1 AND capability = $2
	`, userID, capability)
	return err
}
