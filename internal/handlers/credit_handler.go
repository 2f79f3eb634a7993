package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pixelforge/backend/internal/middleware"
	"github.com/pixelforge/backend/internal/models"
	"github.com/pixelforge/backend/internal/repository"
)

// LedgerService is the subset of the ledger service the handler uses.
type LedgerService interface {
	Balance(ctx context.Context, userID uuid.UUID) (int, error)
	History(ctx context.Context, userID uuid.UUID, limit int, pageToken string) ([]*models.Transaction, string, error)
	Credit(ctx context.Context, userID uuid.UUID, amount int, txType, reason, refType string, refID *uuid.UUID) (*models.Transaction, error)
	CreditTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int, txType, reason, refType string, refID *uuid.UUID) (*models.Transaction, error)
}

// CodeClaimer claims a redemption code within a transaction.
type CodeClaimer interface {
	ClaimTx(ctx context.Context, tx pgx.Tx, code string, userID uuid.UUID) (int, error)
}

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// CreditHandler serves /v1/credits and the admin grant endpoint.
type CreditHandler struct {
	Pool        TxBeginner
	Ledger      LedgerService
	Redemptions CodeClaimer
	Logger      *slog.Logger
}

// GetBalance handles GET /v1/credits/balance.
func (h *CreditHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	balance, err := h.Ledger.Balance(r.Context(), acc.ID)
	if err != nil {
		h.Logger.Error("read balance", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"balance": balance})
}

type historyResponse struct {
	Transactions  []*models.Transaction `json:"transactions"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

// GetHistory handles GET /v1/credits/history?limit=&page_token=.
func (h *CreditHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil {
			http.Error(w, `{"error":"invalid limit"}`, http.StatusBadRequest)
			return
		}
		limit = n
	}
	txns, next, err := h.Ledger.History(r.Context(), acc.ID, limit, r.URL.Query().Get("page_token"))
	if err != nil {
		h.Logger.Error("list history", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{Transactions: txns, NextPageToken: next})
}

type redeemRequest struct {
	Code string `json:"code"`
}

// Redeem handles POST /v1/credits/redeem. The claim and the addition run
// in one transaction, so a code is never consumed without its credits
// landing.
func (h *CreditHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		http.Error(w, `{"error":"code is required"}`, http.StatusBadRequest)
		return
	}

	tx, err := h.Pool.Begin(r.Context())
	if err != nil {
		h.Logger.Error("begin redeem tx", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	defer tx.Rollback(r.Context())

	credits, err := h.Redemptions.ClaimTx(r.Context(), tx, req.Code, acc.ID)
	if err != nil {
		if errors.Is(err, repository.ErrCodeUnavailable) {
			http.Error(w, `{"error":"code invalid, expired, or already redeemed"}`, http.StatusConflict)
			return
		}
		h.Logger.Error("claim code", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	txn, err := h.Ledger.CreditTx(r.Context(), tx, acc.ID, credits, models.TxAddition,
		"code redemption", models.RefRedemptionCode, nil)
	if err != nil {
		h.Logger.Error("credit redemption", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if err := tx.Commit(r.Context()); err != nil {
		h.Logger.Error("commit redeem tx", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"credits_added": credits,
		"balance":       txn.BalanceAfter,
	})
}

type grantRequest struct {
	UserID string `json:"user_id"`
	Amount int    `json:"amount"`
	Reason string `json:"reason"`
}

// AdminGrant handles POST /v1/admin/credits/grant.
func (h *CreditHandler) AdminGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		http.Error(w, `{"error":"invalid user_id"}`, http.StatusBadRequest)
		return
	}
	if req.Amount <= 0 {
		http.Error(w, `{"error":"amount must be > 0"}`, http.StatusBadRequest)
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "admin grant"
	}
	txn, err := h.Ledger.Credit(r.Context(), userID, req.Amount, models.TxAddition,
		reason, models.RefAdminGrant, nil)
	if err != nil {
		h.Logger.Error("admin grant", "user_id", userID, "error", err)
		http.Error(w, `{"error":"grant failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, txn)
}
