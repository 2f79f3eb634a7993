package main

import (
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pixelforge/backend/internal/auth"
	"github.com/pixelforge/backend/internal/handlers"
	"github.com/pixelforge/backend/internal/ledger"
	"github.com/pixelforge/backend/internal/middleware"
	"github.com/pixelforge/backend/internal/quota"
	"github.com/pixelforge/backend/internal/repository"
	"github.com/pixelforge/backend/internal/tasks"
)

// RegisterRoutes adds every /v1/ endpoint to the mux.
// Middleware chain: JWTAuth -> (RequireAdmin on /v1/admin/) -> handler.
func RegisterRoutes(
	mux *http.ServeMux,
	pool *pgxpool.Pool,
	authSvc auth.Service,
	authHandler *auth.Handler,
	taskSvc *tasks.Service,
	ledgerSvc *ledger.Service,
	quotaTracker *quota.Tracker,
	redemptionRepo *repository.RedemptionRepo,
	logger *slog.Logger,
) {
	th := &handlers.TaskHandler{Tasks: taskSvc, Logger: logger}
	ch := &handlers.CreditHandler{Pool: pool, Ledger: ledgerSvc, Redemptions: redemptionRepo, Logger: logger}
	qh := &handlers.QuotaHandler{Quota: quotaTracker, Logger: logger}

	authed := middleware.JWTAuth(authSvc)
	admin := func(h http.HandlerFunc) http.Handler {
		return authed(middleware.RequireAdmin(h))
	}

	mux.HandleFunc("POST /v1/auth/register", authHandler.Register)
	mux.HandleFunc("POST /v1/auth/login", authHandler.Login)
	mux.HandleFunc("GET /v1/capabilities", handlers.ListCapabilities)

	mux.Handle("POST /v1/tasks", authed(http.HandlerFunc(th.CreateTask)))
	mux.Handle("GET /v1/tasks", authed(http.HandlerFunc(th.ListTasks)))
	mux.Handle("GET /v1/tasks/{id}", authed(http.HandlerFunc(th.GetTask)))

	mux.Handle("GET /v1/credits/balance", authed(http.HandlerFunc(ch.GetBalance)))
	mux.Handle("GET /v1/credits/history", authed(http.HandlerFunc(ch.GetHistory)))
	mux.Handle("POST /v1/credits/redeem", authed(http.HandlerFunc(ch.Redeem)))

	mux.Handle("GET /v1/quota", authed(http.HandlerFunc(qh.GetStatus)))

	mux.Handle("POST /v1/admin/credits/grant", admin(ch.AdminGrant))
	mux.Handle("PUT /v1/admin/quotas/{capability}", admin(qh.SetGlobalLimit))
	mux.Handle("PUT /v1/admin/users/{id}/quotas/{capability}", admin(qh.SetUserOverride))
	mux.Handle("DELETE /v1/admin/users/{id}/quotas/{capability}", admin(qh.ClearUserOverride))

	mux.Handle("GET /metrics", promhttp.Handler())
}
