package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrCodeUnavailable is returned when a redemption code does not exist,
// is expired, or was already claimed.
var ErrCodeUnavailable = errors.New("redemption code unavailable")

// RedemptionCode is an externally issued voucher. Issuance and lifecycle
// management live elsewhere; this service only claims codes and credits
// their value.
type RedemptionCode struct {
	Code       string
	Credits    int
	RedeemedBy *uuid.UUID
	RedeemedAt *time.Time
	ExpiresAt  *time.Time
	CreatedAt  time.Time
}

type RedemptionRepo struct {
	pool *pgxpool.Pool
}

func NewRedemptionRepo(pool *pgxpool.Pool) *RedemptionRepo {
	return &RedemptionRepo{pool: pool}
}

// ClaimTx marks the code redeemed by userID if it is still unclaimed and
// unexpired, returning its credit value. The conditional UPDATE makes the
// claim first-wins under concurrent redemption attempts; run it in the
// same transaction as the addition so a failed credit releases the code.
func (r *RedemptionRepo) ClaimTx(ctx context.Context, tx pgx.Tx, code string, userID uuid.UUID) (int, error) {
	var credits int
	err := tx.QueryRow(ctx, `
		UPDATE redemption_codes
		SET redeemed_by = $2, redeemed_at = now()
		WHERE code = $1 AND redeemed_by IS NULL AND (expires_at IS NULL OR expires_at > now())
		RETURNING credits
	`, code, userID).Scan(&credits)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrCodeUnavailable
	}
	return credits, err
}
