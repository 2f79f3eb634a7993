package execution

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/pixelforge/backend/internal/models"
	"github.com/pixelforge/backend/internal/provider"
)

// --- task service mock recording which outcome path was taken ---

type mockTaskService struct {
	task *models.Task

	completed   []string
	failed      []string
	compensated int
}

func (m *mockTaskService) GetTask(context.Context, uuid.UUID) (*models.Task, error) {
	if m.task == nil {
		return nil, errors.New("not found")
	}
	cp := *m.task
	return &cp, nil
}

func (m *mockTaskService) CompleteTask(_ context.Context, _ uuid.UUID, resultURL string) error {
	m.completed = append(m.completed, resultURL)
	return nil
}

func (m *mockTaskService) FailTask(_ context.Context, _ uuid.UUID, publicMessage string) error {
	m.failed = append(m.failed, publicMessage)
	return nil
}

func (m *mockTaskService) Compensate(context.Context, uuid.UUID) error {
	m.compensated++
	return nil
}

type stubGateway struct {
	result  *provider.PollResult
	pollErr error
}

func (g *stubGateway) Name() string                                              { return "stub" }
func (g *stubGateway) Submit(context.Context, *provider.JobSpec) (string, error) { return "", nil }
func (g *stubGateway) Poll(context.Context, string) (*provider.PollResult, error) {
	return g.result, g.pollErr
}

type stubResolver struct {
	gw  provider.Gateway
	err error
}

func (r stubResolver) ForCapability(string) (provider.Gateway, error) { return r.gw, r.err }

func runningTask() *models.Task {
	return &models.Task{
		ID:             uuid.New(),
		UserID:         uuid.New(),
		Capability:     models.CapabilityImage,
		Status:         models.TaskStatusRunning,
		Provider:       "stub",
		ProviderTaskID: "prov-1",
		CreatedAt:      time.Now().Add(-time.Minute),
	}
}

func newWorker(svc *mockTaskService, gw provider.Gateway) *PollTaskWorker {
	return NewPollTaskWorker(svc, stubResolver{gw: gw},
		slog.New(slog.DiscardHandler), 5*time.Second, 10*time.Minute, 5)
}

func pollJob(taskID uuid.UUID, attempt int) *river.Job[PollTaskArgs] {
	return &river.Job[PollTaskArgs]{
		JobRow: &rivertype.JobRow{Attempt: attempt},
		Args:   PollTaskArgs{TaskID: taskID},
	}
}

func TestWorkSucceeded(t *testing.T) {
	svc := &mockTaskService{task: runningTask()}
	gw := &stubGateway{result: &provider.PollResult{State: provider.StateSucceeded, ResultURL: "https://cdn.example.com/a.png"}}
	w := newWorker(svc, gw)

	if err := w.Work(context.Background(), pollJob(svc.task.ID, 1)); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if len(svc.completed) != 1 || svc.completed[0] != "https://cdn.example.com/a.png" {
		t.Errorf("completed: got %v", svc.completed)
	}
	if len(svc.failed) != 0 {
		t.Errorf("no failure expected, got %v", svc.failed)
	}
}

func TestWorkProviderError(t *testing.T) {
	svc := &mockTaskService{task: runningTask()}
	gw := &stubGateway{result: &provider.PollResult{State: provider.StateError, Message: "content policy rejection"}}
	w := newWorker(svc, gw)

	if err := w.Work(context.Background(), pollJob(svc.task.ID, 1)); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if len(svc.failed) != 1 || svc.failed[0] != "content policy rejection" {
		t.Errorf("failed: got %v", svc.failed)
	}
}

func TestWorkStillRunningSnoozes(t *testing.T) {
	svc := &mockTaskService{task: runningTask()}
	gw := &stubGateway{result: &provider.PollResult{State: provider.StateRunning, Progress: 40}}
	w := newWorker(svc, gw)

	// JobSnooze is reported through the returned error; the task itself
	// must be untouched.
	if err := w.Work(context.Background(), pollJob(svc.task.ID, 1)); err == nil {
		t.Fatal("expected snooze signal")
	}
	if len(svc.completed)+len(svc.failed)+svc.compensated != 0 {
		t.Error("still-running poll must not finalize the task")
	}
}

// Transient poll failures are retried until the attempt budget runs out,
// then the task fails (and is compensated by FailTask).
func TestWorkTransientError(t *testing.T) {
	svc := &mockTaskService{task: runningTask()}
	gw := &stubGateway{pollErr: &provider.TransientError{Op: "poll", Err: errors.New("connection refused")}}
	w := newWorker(svc, gw)
	ctx := context.Background()

	if err := w.Work(ctx, pollJob(svc.task.ID, 1)); err == nil {
		t.Fatal("transient failure under the attempt budget should return an error for retry")
	}
	if len(svc.failed) != 0 {
		t.Errorf("task must not fail yet: %v", svc.failed)
	}

	if err := w.Work(ctx, pollJob(svc.task.ID, 5)); err != nil {
		t.Fatalf("exhausted attempts should finalize, not error: %v", err)
	}
	if len(svc.failed) != 1 || svc.failed[0] != "provider unreachable" {
		t.Errorf("failed: got %v", svc.failed)
	}
}

func TestWorkTerminalPollError(t *testing.T) {
	svc := &mockTaskService{task: runningTask()}
	gw := &stubGateway{pollErr: errors.New("provider returned status 404")}
	w := newWorker(svc, gw)

	if err := w.Work(context.Background(), pollJob(svc.task.ID, 1)); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if len(svc.failed) != 1 {
		t.Errorf("terminal poll error should fail the task: %v", svc.failed)
	}
}

func TestWorkDeadlineExceeded(t *testing.T) {
	task := runningTask()
	task.CreatedAt = time.Now().Add(-time.Hour)
	svc := &mockTaskService{task: task}
	gw := &stubGateway{result: &provider.PollResult{State: provider.StateRunning}}
	w := newWorker(svc, gw)

	if err := w.Work(context.Background(), pollJob(task.ID, 1)); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if len(svc.failed) != 1 || svc.failed[0] != "generation timed out" {
		t.Errorf("failed: got %v", svc.failed)
	}
}

// A terminal error task with no refund marker gets compensation re-run.
func TestWorkRecompensatesUnrefundedFailure(t *testing.T) {
	task := runningTask()
	task.Status = models.TaskStatusError
	svc := &mockTaskService{task: task}
	w := newWorker(svc, &stubGateway{})

	if err := w.Work(context.Background(), pollJob(task.ID, 2)); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if svc.compensated != 1 {
		t.Errorf("compensated: got %d, want 1", svc.compensated)
	}

	refund := uuid.New()
	task.RefundTransactionID = &refund
	if err := w.Work(context.Background(), pollJob(task.ID, 2)); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if svc.compensated != 1 {
		t.Errorf("already-refunded task must not be compensated again: got %d", svc.compensated)
	}
}

func TestWorkSucceededTaskIsNoop(t *testing.T) {
	task := runningTask()
	task.Status = models.TaskStatusSucceeded
	svc := &mockTaskService{task: task}
	w := newWorker(svc, &stubGateway{})

	if err := w.Work(context.Background(), pollJob(task.ID, 1)); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if len(svc.completed)+len(svc.failed)+svc.compensated != 0 {
		t.Error("terminal succeeded task should be a no-op")
	}
}
