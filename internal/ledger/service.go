package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pixelforge/backend/internal/models"
	"github.com/pixelforge/backend/internal/repository"
)

// ErrInsufficientCredits is returned by Debit when the balance cannot
// cover the amount. Admission-time, user-correctable, never retried.
var ErrInsufficientCredits = repository.ErrInsufficientCredits

// AccountStore is the minimal balance interface the ledger needs.
type AccountStore interface {
	DebitBalance(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int) (int, error)
	CreditBalance(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int) (int, error)
	Balance(ctx context.Context, id uuid.UUID) (int, error)
}

// TransactionStore persists ledger rows.
type TransactionStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error
	ListByUser(ctx context.Context, userID uuid.UUID, limit int, pageToken string) ([]*models.Transaction, string, error)
}

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service maintains the invariant that credit_balance is always the fold
// of the transaction log: every balance mutation and its ledger row commit
// in one transaction, and the balance row's lock serializes writers per
// user. The balance is never written except through Debit/Credit here.
type Service struct {
	pool     TxBeginner
	accounts AccountStore
	ledger   TransactionStore
}

func NewService(pool TxBeginner, accounts AccountStore, ledger TransactionStore) *Service {
	return &Service{pool: pool, accounts: accounts, ledger: ledger}
}

// DebitTx deducts amount within the caller's transaction and appends the
// deduction row. Returns ErrInsufficientCredits without side effects when
// the balance is too low.
func (s *Service) DebitTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int, reason, refType string, refID *uuid.UUID) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	newBalance, err := s.accounts.DebitBalance(ctx, tx, userID, amount)
	if err != nil {
		return nil, err
	}
	t := &models.Transaction{
		ID:            uuid.New(),
		UserID:        userID,
		TxType:        models.TxDeduction,
		Amount:        amount,
		BalanceBefore: newBalance + amount,
		BalanceAfter:  newBalance,
		Reason:        reason,
		ReferenceType: refType,
		ReferenceID:   refID,
	}
	if err := s.ledger.CreateTx(ctx, tx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// CreditTx adds amount within the caller's transaction and appends an
// addition or refund row.
func (s *Service) CreditTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int, txType, reason, refType string, refID *uuid.UUID) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	if txType != models.TxAddition && txType != models.TxRefund {
		return nil, fmt.Errorf("credit tx_type must be addition or refund, got %q", txType)
	}
	newBalance, err := s.accounts.CreditBalance(ctx, tx, userID, amount)
	if err != nil {
		return nil, err
	}
	t := &models.Transaction{
		ID:            uuid.New(),
		UserID:        userID,
		TxType:        txType,
		Amount:        amount,
		BalanceBefore: newBalance - amount,
		BalanceAfter:  newBalance,
		Reason:        reason,
		ReferenceType: refType,
		ReferenceID:   refID,
	}
	if err := s.ledger.CreateTx(ctx, tx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Credit runs CreditTx in its own transaction. Used by admin grants and
// code redemptions, where no surrounding transaction exists.
func (s *Service) Credit(ctx context.Context, userID uuid.UUID, amount int, txType, reason, refType string, refID *uuid.UUID) (*models.Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	t, err := s.CreditTx(ctx, tx, userID, amount, txType, reason, refType, refID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// Balance returns the user's current balance.
func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (int, error) {
	balance, err := s.accounts.Balance(ctx, userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

// History pages through the user's transactions newest first. The returned
// token restarts the scan where this page ended.
func (s *Service) History(ctx context.Context, userID uuid.UUID, limit int, pageToken string) ([]*models.Transaction, string, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.ledger.ListByUser(ctx, userID, limit, pageToken)
}
