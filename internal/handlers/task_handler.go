package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/pixelforge/backend/internal/ledger"
	"github.com/pixelforge/backend/internal/middleware"
	"github.com/pixelforge/backend/internal/models"
	"github.com/pixelforge/backend/internal/pricing"
	"github.com/pixelforge/backend/internal/quota"
	"github.com/pixelforge/backend/internal/tasks"
	"github.com/pixelforge/backend/internal/validation"
)

// Orchestrator is the subset of the tasks service the handler uses.
type Orchestrator interface {
	Submit(ctx context.Context, userID uuid.UUID, req *tasks.SubmitRequest) (*models.Task, error)
	GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error)
	ListTasks(ctx context.Context, userID uuid.UUID) ([]*models.Task, error)
}

// TaskHandler serves /v1/tasks endpoints.
type TaskHandler struct {
	Tasks  Orchestrator
	Logger *slog.Logger
}

// CreateTask handles POST /v1/tasks. On 202 the credits are already
// debited and a poll job is watching the provider.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req tasks.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	task, err := h.Tasks.Submit(r.Context(), acc.ID, &req)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientCredits):
			http.Error(w, `{"error":"insufficient credits"}`, http.StatusPaymentRequired)
		case errors.Is(err, quota.ErrQuotaExceeded):
			http.Error(w, `{"error":"daily quota exceeded"}`, http.StatusTooManyRequests)
		case errors.Is(err, tasks.ErrProviderUnavailable):
			http.Error(w, `{"error":"generation provider unavailable"}`, http.StatusBadGateway)
		case errors.Is(err, validation.ErrValidation):
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		case errors.Is(err, tasks.ErrUnknownCapability):
			http.Error(w, `{"error":"unknown capability"}`, http.StatusBadRequest)
		default:
			h.Logger.Error("submit task", "error", err)
			http.Error(w, `{"error":"submission failed"}`, http.StatusBadRequest)
		}
		return
	}

	writeJSON(w, http.StatusAccepted, task)
}

// GetTask handles GET /v1/tasks/{id}. Tasks are private to their owner.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	taskID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid task id"}`, http.StatusBadRequest)
		return
	}
	task, err := h.Tasks.GetTask(r.Context(), taskID)
	if err != nil || (task.UserID != acc.ID && !acc.IsAdmin()) {
		http.Error(w, `{"error":"task not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// ListTasks handles GET /v1/tasks: the caller's tasks, newest first.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	list, err := h.Tasks.ListTasks(r.Context(), acc.ID)
	if err != nil {
		h.Logger.Error("list tasks", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": list})
}

type capabilityInfo struct {
	Name         string `json:"name"`
	DefaultModel string `json:"default_model"`
	Credits      int    `json:"credits"`
}

// ListCapabilities handles GET /v1/capabilities (public, no auth).
func ListCapabilities(w http.ResponseWriter, _ *http.Request) {
	caps := make([]capabilityInfo, 0, len(models.Capabilities))
	for _, name := range models.Capabilities {
		model, _ := pricing.DefaultModel(name)
		cost, _ := pricing.Cost(name, model)
		caps = append(caps, capabilityInfo{Name: name, DefaultModel: model, Credits: cost})
	}
	writeJSON(w, http.StatusOK, caps)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
