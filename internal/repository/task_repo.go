package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pixelforge/backend/internal/models"
)

// ErrInvalidTransition is returned when a status update's guard matches no
// row: the task is already terminal or the transition is out of order. A
// stale poll result arriving after a timeout lands here and changes nothing.
var ErrInvalidTransition = errors.New("invalid task status transition")

type TaskRepo struct {
	pool *pgxpool.Pool
}

func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

const taskColumns = `id, user_id, capability, model, prompt, params, status, provider, provider_task_id,
	result_url, error_message, credit_cost, ledger_transaction_id, refund_transaction_id,
	created_at, updated_at, completed_at`

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	err := row.Scan(&t.ID, &t.UserID, &t.Capability, &t.Model, &t.Prompt, &t.Params, &t.Status,
		&t.Provider, &t.ProviderTaskID, &t.ResultURL, &t.ErrorMessage, &t.CreditCost,
		&t.LedgerTransactionID, &t.RefundTransactionID, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTx inserts the task in pending status inside the caller's
// transaction, so the row commits atomically with its ledger debit.
func (r *TaskRepo) CreateTx(ctx context.Context, tx pgx.Tx, t *models.Task) error {
	return tx.QueryRow(ctx, `
		INSERT INTO generation_tasks (id, user_id, capability, model, prompt, params, status, credit_cost, ledger_transaction_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`, t.ID, t.UserID, t.Capability, t.Model, t.Prompt, t.Params, t.Status, t.CreditCost, t.LedgerTransactionID).Scan(&t.CreatedAt, &t.UpdatedAt)
}

func (r *TaskRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	return scanTask(r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM generation_tasks WHERE id = $1`, id))
}

func (r *TaskRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM generation_tasks WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

// MarkRunningTx transitions pending -> running and records the provider
// task handle. Runs in the caller's transaction so the poll job enqueue
// commits with it.
func (r *TaskRepo) MarkRunningTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, provider, providerTaskID string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE generation_tasks
		SET status = $2, provider = $3, provider_task_id = $4, updated_at = now()
		WHERE id = $1 AND status = $5
	`, id, models.TaskStatusRunning, provider, providerTaskID, models.TaskStatusPending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// MarkSucceeded finalizes the task. No ledger action follows succeeded —
// the debit stands.
func (r *TaskRepo) MarkSucceeded(ctx context.Context, id uuid.UUID, resultURL string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE generation_tasks
		SET status = $2, result_url = $3, completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = $4
	`, id, models.TaskStatusSucceeded, resultURL, models.TaskStatusRunning)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// MarkError transitions pending|running -> error with a user-facing message.
func (r *TaskRepo) MarkError(ctx context.Context, id uuid.UUID, message string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE generation_tasks
		SET status = $2, error_message = $3, completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = ANY($4)
	`, id, models.TaskStatusError, message, []string{models.TaskStatusPending, models.TaskStatusRunning})
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// ClaimCompensationTx sets refund_transaction_id if and only if it is still
// NULL. Returns false when another path already claimed the refund; the
// caller must then roll back its transaction so no second refund commits.
// The failure and timeout paths may race from different processes — the
// persisted marker, not application locking, is what makes compensation
// exactly-once.
func (r *TaskRepo) ClaimCompensationTx(ctx context.Context, tx pgx.Tx, id, refundTxID uuid.UUID) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE generation_tasks
		SET refund_transaction_id = $2, updated_at = now()
		WHERE id = $1 AND refund_transaction_id IS NULL
	`, id, refundTxID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListOutstanding returns tasks that still need attention: non-terminal
// ones and failed ones whose refund never committed. Used at startup to
// re-enqueue polling and retry compensation after a restart.
func (r *TaskRepo) ListOutstanding(ctx context.Context) ([]*models.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM generation_tasks
		WHERE status = ANY($1)
		   OR (status = $2 AND refund_transaction_id IS NULL)
		ORDER BY created_at ASC
	`, []string{models.TaskStatusPending, models.TaskStatusRunning}, models.TaskStatusError)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}
