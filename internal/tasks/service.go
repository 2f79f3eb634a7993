package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pixelforge/backend/internal/execution"
	"github.com/pixelforge/backend/internal/ledger"
	"github.com/pixelforge/backend/internal/metrics"
	"github.com/pixelforge/backend/internal/models"
	"github.com/pixelforge/backend/internal/pricing"
	"github.com/pixelforge/backend/internal/provider"
	"github.com/pixelforge/backend/internal/quota"
	"github.com/pixelforge/backend/internal/repository"
)

// ErrProviderUnavailable is surfaced when the provider rejects or cannot
// accept a submission. The debit has already been refunded by then.
var ErrProviderUnavailable = errors.New("generation provider unavailable")

// ErrUnknownCapability is returned for submissions naming an unsupported
// capability.
var ErrUnknownCapability = errors.New("unknown capability")

// SubmitRequest is the API-facing submission shape. Params is validated
// against the capability's JSON schema before anything is charged.
type SubmitRequest struct {
	Capability string          `json:"capability"`
	Model      string          `json:"model,omitempty"`
	Prompt     string          `json:"prompt"`
	Params     json.RawMessage `json:"params,omitempty"`
}

// taskParams is the parsed form of SubmitRequest.Params.
type taskParams struct {
	AspectRatio     string `json:"aspect_ratio,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	SourceImageURL  string `json:"source_image_url,omitempty"`
}

// TaskStore is the persistence interface for generation tasks.
type TaskStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Task, error)
	MarkRunningTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, provider, providerTaskID string) error
	MarkSucceeded(ctx context.Context, id uuid.UUID, resultURL string) error
	MarkError(ctx context.Context, id uuid.UUID, message string) error
	ClaimCompensationTx(ctx context.Context, tx pgx.Tx, id, refundTxID uuid.UUID) (bool, error)
	ListOutstanding(ctx context.Context) ([]*models.Task, error)
}

// Ledger is the subset of the ledger service the orchestrator uses.
type Ledger interface {
	DebitTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int, reason, refType string, refID *uuid.UUID) (*models.Transaction, error)
	CreditTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int, txType, reason, refType string, refID *uuid.UUID) (*models.Transaction, error)
}

// Quota is the subset of the quota tracker the orchestrator uses.
// ReleaseTx runs inside the compensation transaction so the refund and the
// freed slot commit together.
type Quota interface {
	TryConsume(ctx context.Context, userID uuid.UUID, capability, date string) (*models.Reservation, error)
	Release(ctx context.Context, res *models.Reservation) error
	ReleaseTx(ctx context.Context, tx pgx.Tx, res *models.Reservation) error
}

// ParamsValidator checks submission params against the capability schema.
type ParamsValidator interface {
	ValidateParams(ctx context.Context, capability string, params json.RawMessage) error
}

// GatewayResolver looks up the gateway serving a capability.
type GatewayResolver interface {
	ForCapability(capability string) (provider.Gateway, error)
}

// InsertPollTaskTxFunc enqueues a poll job within the given transaction.
// Provided by main as a closure over river.Client.InsertTx.
type InsertPollTaskTxFunc func(ctx context.Context, tx pgx.Tx, args execution.PollTaskArgs) error

// Service is the task orchestrator: admission (quota + debit), provider
// hand-off, and the compensating refund when a task fails after admission.
type Service struct {
	pool           ledger.TxBeginner
	tasks          TaskStore
	ledger         Ledger
	quota          Quota
	validator      ParamsValidator
	gateways       GatewayResolver
	insertPollTask InsertPollTaskTxFunc
	logger         *slog.Logger
	now            func() time.Time
}

func NewService(
	pool ledger.TxBeginner,
	tasks TaskStore,
	ledgerSvc Ledger,
	quotaSvc Quota,
	validator ParamsValidator,
	gateways GatewayResolver,
	insertPollTask InsertPollTaskTxFunc,
	logger *slog.Logger,
) *Service {
	return &Service{
		pool:           pool,
		tasks:          tasks,
		ledger:         ledgerSvc,
		quota:          quotaSvc,
		validator:      validator,
		gateways:       gateways,
		insertPollTask: insertPollTask,
		logger:         logger,
		now:            time.Now,
	}
}

var _ execution.TaskService = (*Service)(nil)

// Submit runs the admission protocol: quota slot, ledger debit, pending
// task row, provider hand-off, transition to running with a transactional
// poll-job enqueue. Admission failures leave no side effects; a failed
// provider hand-off is compensated before this returns.
func (s *Service) Submit(ctx context.Context, userID uuid.UUID, req *SubmitRequest) (*models.Task, error) {
	if !models.ValidCapability(req.Capability) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCapability, req.Capability)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.New("prompt is required")
	}
	model := req.Model
	if model == "" {
		model, _ = pricing.DefaultModel(req.Capability)
	}
	cost, err := pricing.Cost(req.Capability, model)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownCapability, err)
	}
	if len(req.Params) > 0 {
		if err := s.validator.ValidateParams(ctx, req.Capability, req.Params); err != nil {
			return nil, err
		}
	}
	var params taskParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}

	date := models.QuotaDate(s.now())
	reservation, err := s.quota.TryConsume(ctx, userID, req.Capability, date)
	if err != nil {
		if errors.Is(err, quota.ErrQuotaExceeded) {
			metrics.AdmissionsTotal.WithLabelValues(req.Capability, "quota_exceeded").Inc()
		}
		return nil, err
	}

	task := &models.Task{
		ID:         uuid.New(),
		UserID:     userID,
		Capability: req.Capability,
		Model:      model,
		Prompt:     req.Prompt,
		Params:     req.Params,
		Status:     models.TaskStatusPending,
		CreditCost: cost,
	}

	// Debit and pending row commit atomically: either the user paid and
	// the task exists, or neither.
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	debit, err := s.ledger.DebitTx(ctx, tx, userID, cost, "generation: "+req.Capability, models.RefGenerationTask, &task.ID)
	if err != nil {
		tx.Rollback(ctx)
		s.releaseReservation(ctx, reservation)
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			metrics.AdmissionsTotal.WithLabelValues(req.Capability, "insufficient_credits").Inc()
		}
		return nil, err
	}
	task.LedgerTransactionID = debit.ID
	if err := s.tasks.CreateTx(ctx, tx, task); err != nil {
		tx.Rollback(ctx)
		s.releaseReservation(ctx, reservation)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		s.releaseReservation(ctx, reservation)
		return nil, err
	}

	metrics.AdmissionsTotal.WithLabelValues(req.Capability, "admitted").Inc()

	gw, err := s.gateways.ForCapability(req.Capability)
	if err != nil {
		s.logger.Error("no gateway for capability", "capability", req.Capability, "error", err)
		s.terminateAfterAdmission(ctx, task.ID, "generation failed")
		return nil, ErrProviderUnavailable
	}

	providerTaskID, err := gw.Submit(ctx, &provider.JobSpec{
		Capability:      req.Capability,
		Model:           model,
		Prompt:          req.Prompt,
		AspectRatio:     params.AspectRatio,
		DurationSeconds: params.DurationSeconds,
		SourceImageURL:  params.SourceImageURL,
	})
	if err != nil {
		// Any submit failure is terminal, including the ambiguous network
		// timeout: refund and accept the small risk of an orphaned
		// provider-side job.
		s.logger.Error("provider submit failed", "task_id", task.ID, "provider", gw.Name(), "error", err)
		s.terminateAfterAdmission(ctx, task.ID, "provider rejected the job")
		return nil, ErrProviderUnavailable
	}

	// The running transition and the poll-job enqueue commit together, so
	// a running task always has a watcher.
	tx2, err := s.pool.Begin(ctx)
	if err != nil {
		s.terminateAfterAdmission(ctx, task.ID, "generation failed")
		return nil, err
	}
	defer tx2.Rollback(ctx)
	// Roll back before terminating: FailTask updates the same row from
	// another connection and would wait on tx2's row lock.
	if err := s.tasks.MarkRunningTx(ctx, tx2, task.ID, gw.Name(), providerTaskID); err != nil {
		tx2.Rollback(ctx)
		s.terminateAfterAdmission(ctx, task.ID, "generation failed")
		return nil, err
	}
	if err := s.insertPollTask(ctx, tx2, execution.PollTaskArgs{TaskID: task.ID}); err != nil {
		tx2.Rollback(ctx)
		s.terminateAfterAdmission(ctx, task.ID, "generation failed")
		return nil, err
	}
	if err := tx2.Commit(ctx); err != nil {
		s.terminateAfterAdmission(ctx, task.ID, "generation failed")
		return nil, err
	}

	task.Status = models.TaskStatusRunning
	task.Provider = gw.Name()
	task.ProviderTaskID = providerTaskID
	return task, nil
}

// GetTask returns a task snapshot.
func (s *Service) GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	return s.tasks.GetByID(ctx, id)
}

// ListTasks returns the user's tasks, newest first.
func (s *Service) ListTasks(ctx context.Context, userID uuid.UUID) ([]*models.Task, error) {
	return s.tasks.ListByUser(ctx, userID)
}

// CompleteTask finalizes a successful generation. The debit stands; no
// ledger or quota action follows success.
func (s *Service) CompleteTask(ctx context.Context, id uuid.UUID, resultURL string) error {
	if err := s.tasks.MarkSucceeded(ctx, id, resultURL); err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) {
			// Stale signal after another terminal outcome; nothing to do.
			return nil
		}
		return err
	}
	metrics.TasksFinishedTotal.WithLabelValues("succeeded").Inc()
	return nil
}

// FailTask records a terminal failure with a sanitized message and runs
// compensation. Safe to call more than once: the transition no-ops when
// already terminal and Compensate is claim-guarded.
func (s *Service) FailTask(ctx context.Context, id uuid.UUID, publicMessage string) error {
	switch err := s.tasks.MarkError(ctx, id, sanitizeMessage(publicMessage)); {
	case err == nil:
		metrics.TasksFinishedTotal.WithLabelValues("error").Inc()
	case errors.Is(err, repository.ErrInvalidTransition):
		// Stale duplicate signal; the transition already happened elsewhere.
	default:
		return err
	}
	return s.Compensate(ctx, id)
}

// Compensate refunds the task's debit and releases its quota slot, exactly
// once. The conditional claim on refund_transaction_id decides the winner
// when the poll-error and timeout paths race; the loser's transaction
// rolls back whole. Returning an error leaves the job to be retried — an
// un-refunded failed task is a financial-integrity defect, so this must
// eventually succeed.
func (s *Service) Compensate(ctx context.Context, id uuid.UUID) error {
	task, err := s.tasks.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load task for compensation: %w", err)
	}
	if task.RefundTransactionID != nil || task.Status == models.TaskStatusSucceeded {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	refund, err := s.ledger.CreditTx(ctx, tx, task.UserID, task.CreditCost, models.TxRefund,
		"refund: "+task.Capability, models.RefGenerationTask, &task.ID)
	if err != nil {
		return fmt.Errorf("refund debit: %w", err)
	}
	claimed, err := s.tasks.ClaimCompensationTx(ctx, tx, task.ID, refund.ID)
	if err != nil {
		return err
	}
	if !claimed {
		// Another path already refunded; discard ours with the rollback.
		return nil
	}
	reservation := &models.Reservation{
		UserID:     task.UserID,
		Capability: task.Capability,
		Date:       models.QuotaDate(task.CreatedAt),
	}
	if err := s.quota.ReleaseTx(ctx, tx, reservation); err != nil {
		return fmt.Errorf("release quota slot: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	metrics.CompensationsTotal.Inc()
	s.logger.Info("task compensated", "task_id", task.ID, "refund_tx", refund.ID, "amount", task.CreditCost)
	return nil
}

// releaseReservation frees a quota slot consumed by an admission that did
// not go through. Release failures are logged; the slot resets at the next
// usage date.
func (s *Service) releaseReservation(ctx context.Context, res *models.Reservation) {
	if err := s.quota.Release(ctx, res); err != nil {
		s.logger.Error("release quota reservation", "user_id", res.UserID, "capability", res.Capability, "error", err)
	}
}

// RecoverOutstanding settles unfinished work after a restart. Running
// tasks get a fresh poll job; pending tasks were interrupted between debit
// and provider hand-off, so their provider state is unknown and they are
// failed and refunded; failed tasks whose refund never committed get their
// compensation retried.
func (s *Service) RecoverOutstanding(ctx context.Context, insert func(ctx context.Context, args execution.PollTaskArgs) error) error {
	outstanding, err := s.tasks.ListOutstanding(ctx)
	if err != nil {
		return err
	}
	for _, task := range outstanding {
		switch task.Status {
		case models.TaskStatusRunning:
			if err := insert(ctx, execution.PollTaskArgs{TaskID: task.ID}); err != nil {
				s.logger.Error("re-enqueue poll job", "task_id", task.ID, "error", err)
			}
		case models.TaskStatusPending:
			if err := s.FailTask(ctx, task.ID, "generation interrupted"); err != nil {
				s.logger.Error("fail interrupted task", "task_id", task.ID, "error", err)
			}
		case models.TaskStatusError:
			if err := s.Compensate(ctx, task.ID); err != nil {
				s.logger.Error("retry compensation", "task_id", task.ID, "error", err)
			}
		}
	}
	return nil
}

// terminateAfterAdmission fails a task that was admitted but never got a
// healthy provider hand-off. Errors are logged, not returned: the caller
// is already surfacing the submission failure, and a startup recovery pass
// or poll retry will settle any refund this could not commit.
func (s *Service) terminateAfterAdmission(ctx context.Context, id uuid.UUID, publicMessage string) {
	if err := s.FailTask(ctx, id, publicMessage); err != nil {
		s.logger.Error("compensation pending after failed hand-off", "task_id", id, "error", err)
	}
}

// sanitizeMessage keeps task error text human-readable and free of
// provider internals. Anything that looks like leaked detail is replaced
// wholesale.
func sanitizeMessage(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "generation failed"
	}
	lower := strings.ToLower(msg)
	for _, marker := range []string{"key", "token", "secret", "authorization", "http", "sql", "panic", "stack"} {
		if strings.Contains(lower, marker) {
			return "generation failed"
		}
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
