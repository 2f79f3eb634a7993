package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/pixelforge/backend/internal/middleware"
	"github.com/pixelforge/backend/internal/models"
)

// QuotaService is the subset of the quota tracker the handler uses.
type QuotaService interface {
	Status(ctx context.Context, userID uuid.UUID, date string) ([]models.QuotaStatus, error)
	SetGlobalLimit(ctx context.Context, capability string, limit int) error
	SetUserOverride(ctx context.Context, userID uuid.UUID, capability string, limit int) error
	ClearUserOverride(ctx context.Context, userID uuid.UUID, capability string) error
}

// QuotaHandler serves /v1/quota and the admin quota endpoints.
type QuotaHandler struct {
	Quota  QuotaService
	Logger *slog.Logger
	Now    func() time.Time
}

func (h *QuotaHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// GetStatus handles GET /v1/quota: today's used/limit/remaining per
// capability for the caller.
func (h *QuotaHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	status, err := h.Quota.Status(r.Context(), acc.ID, models.QuotaDate(h.now()))
	if err != nil {
		h.Logger.Error("quota status", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"quotas": status})
}

type limitRequest struct {
	DailyLimit int `json:"daily_limit"`
}

// SetGlobalLimit handles PUT /v1/admin/quotas/{capability}.
func (h *QuotaHandler) SetGlobalLimit(w http.ResponseWriter, r *http.Request) {
	capability := r.PathValue("capability")
	if !models.ValidCapability(capability) {
		http.Error(w, `{"error":"unknown capability"}`, http.StatusNotFound)
		return
	}
	var req limitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if err := h.Quota.SetGlobalLimit(r.Context(), capability, req.DailyLimit); err != nil {
		http.Error(w, `{"error":"invalid daily_limit"}`, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"capability": capability, "daily_limit": req.DailyLimit})
}

// SetUserOverride handles PUT /v1/admin/users/{id}/quotas/{capability}.
func (h *QuotaHandler) SetUserOverride(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid user id"}`, http.StatusBadRequest)
		return
	}
	capability := r.PathValue("capability")
	if !models.ValidCapability(capability) {
		http.Error(w, `{"error":"unknown capability"}`, http.StatusNotFound)
		return
	}
	var req limitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if err := h.Quota.SetUserOverride(r.Context(), userID, capability, req.DailyLimit); err != nil {
		http.Error(w, `{"error":"invalid daily_limit"}`, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID.String(), "capability": capability, "daily_limit": req.DailyLimit,
	})
}

// ClearUserOverride handles DELETE /v1/admin/users/{id}/quotas/{capability}.
func (h *QuotaHandler) ClearUserOverride(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid user id"}`, http.StatusBadRequest)
		return
	}
	capability := r.PathValue("capability")
	if !models.ValidCapability(capability) {
		http.Error(w, `{"error":"unknown capability"}`, http.StatusNotFound)
		return
	}
	if err := h.Quota.ClearUserOverride(r.Context(), userID, capability); err != nil {
		h.Logger.Error("clear override", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
