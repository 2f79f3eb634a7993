package repository

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pixelforge/backend/internal/models"
)

type LedgerRepo struct {
	pool *pgxpool.Pool
}

func NewLedgerRepo(pool *pgxpool.Pool) *LedgerRepo {
	return &LedgerRepo{pool: pool}
}

// CreateTx appends a transaction row inside the caller's transaction.
// seq and created_at come back from the database so the row reflects its
// committed position in the per-user order.
func (r *LedgerRepo) CreateTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error {
	return tx.QueryRow(ctx, `
		INSERT INTO credit_transactions (id, user_id, tx_type, amount, balance_before, balance_after, reason, reference_type, reference_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING seq, created_at
	`, t.ID, t.UserID, t.TxType, t.Amount, t.BalanceBefore, t.BalanceAfter, t.Reason, t.ReferenceType, t.ReferenceID).Scan(&t.Seq, &t.CreatedAt)
}

// ListByUser returns up to limit transactions newest first. pageToken is
// the seq of the last row of the previous page ("" for the first page);
// the returned token restarts the scan after the last row of this page,
// or is "" when the sequence is exhausted.
func (r *LedgerRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit int, pageToken string) ([]*models.Transaction, string, error) {
	beforeSeq := int64(1<<62 - 1)
	if pageToken != "" {
		parsed, err := strconv.ParseInt(pageToken, 10, 64)
		if err != nil {
			return nil, "", err
		}
		beforeSeq = parsed
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, seq, user_id, tx_type, amount, balance_before, balance_after, reason, reference_type, reference_id, created_at
		FROM credit_transactions
		WHERE user_id = $1 AND seq < $2
		ORDER BY seq DESC
		LIMIT $3
	`, userID, beforeSeq, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	var list []*models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.Seq, &t.UserID, &t.TxType, &t.Amount, &t.BalanceBefore, &t.BalanceAfter, &t.Reason, &t.ReferenceType, &t.ReferenceID, &t.CreatedAt); err != nil {
			return nil, "", err
		}
		list = append(list, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(list) == limit {
		next = strconv.FormatInt(list[len(list)-1].Seq, 10)
	}
	return list, next, nil
}
