package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/pixelforge/backend/internal/metrics"
	"github.com/pixelforge/backend/internal/models"
	"github.com/pixelforge/backend/internal/provider"
)

// PollTaskArgs identifies the generation task a poll job watches.
type PollTaskArgs struct {
	TaskID uuid.UUID `json:"task_id"`
}

func (PollTaskArgs) Kind() string { return "poll_generation_task" }

// TaskService is the contract the worker needs to apply poll outcomes.
// Implemented by the tasks service; kept narrow so the worker is testable
// without it.
type TaskService interface {
	GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error)
	CompleteTask(ctx context.Context, id uuid.UUID, resultURL string) error
	FailTask(ctx context.Context, id uuid.UUID, publicMessage string) error
	Compensate(ctx context.Context, id uuid.UUID) error
}

// GatewayResolver looks up the gateway serving a capability.
type GatewayResolver interface {
	ForCapability(capability string) (provider.Gateway, error)
}

// PollTaskWorker polls one outstanding task per job run. Still-running
// tasks snooze the job (which does not burn an attempt); transient poll
// failures return an error so river retries with backoff, bounded by
// maxAttempts; provider-reported failures and the overall deadline
// terminate the task with compensation.
type PollTaskWorker struct {
	river.WorkerDefaults[PollTaskArgs]
	tasks       TaskService
	gateways    GatewayResolver
	logger      *slog.Logger
	interval    time.Duration
	maxWait     time.Duration
	maxAttempts int
}

func NewPollTaskWorker(tasks TaskService, gateways GatewayResolver, logger *slog.Logger, interval, maxWait time.Duration, maxAttempts int) *PollTaskWorker {
	return &PollTaskWorker{
		tasks:       tasks,
		gateways:    gateways,
		logger:      logger,
		interval:    interval,
		maxWait:     maxWait,
		maxAttempts: maxAttempts,
	}
}

func (w *PollTaskWorker) Work(ctx context.Context, job *river.Job[PollTaskArgs]) error {
	taskID := job.Args.TaskID

	task, err := w.tasks.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", taskID, err)
	}

	if task.IsTerminal() {
		// A failed task whose compensation did not commit before a crash or
		// retry still owes a refund; Compensate is claim-guarded, so running
		// it again is safe.
		if task.Status == models.TaskStatusError && task.RefundTransactionID == nil {
			return w.tasks.Compensate(ctx, taskID)
		}
		return nil
	}

	if time.Since(task.CreatedAt) > w.maxWait {
		w.logger.Warn("task exceeded polling deadline", "task_id", taskID, "age", time.Since(task.CreatedAt))
		return w.tasks.FailTask(ctx, taskID, "generation timed out")
	}

	gw, err := w.gateways.ForCapability(task.Capability)
	if err != nil {
		return w.tasks.FailTask(ctx, taskID, "generation failed")
	}

	result, err := gw.Poll(ctx, task.ProviderTaskID)
	if err != nil {
		if provider.IsTransient(err) {
			metrics.PollsTotal.WithLabelValues(gw.Name(), "transient_error").Inc()
			if job.Attempt >= w.maxAttempts {
				w.logger.Error("provider unreachable, retries exhausted", "task_id", taskID, "attempt", job.Attempt, "error", err)
				return w.tasks.FailTask(ctx, taskID, "provider unreachable")
			}
			w.logger.Warn("transient poll failure", "task_id", taskID, "attempt", job.Attempt, "error", err)
			return err
		}
		w.logger.Error("poll failed", "task_id", taskID, "error", err)
		metrics.PollsTotal.WithLabelValues(gw.Name(), "error").Inc()
		return w.tasks.FailTask(ctx, taskID, "generation failed")
	}

	switch result.State {
	case provider.StateSucceeded:
		metrics.PollsTotal.WithLabelValues(gw.Name(), "succeeded").Inc()
		return w.tasks.CompleteTask(ctx, taskID, result.ResultURL)
	case provider.StateError:
		metrics.PollsTotal.WithLabelValues(gw.Name(), "error").Inc()
		return w.tasks.FailTask(ctx, taskID, result.Message)
	default:
		metrics.PollsTotal.WithLabelValues(gw.Name(), "running").Inc()
		return river.JobSnooze(w.interval)
	}
}
