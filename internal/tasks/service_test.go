package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pixelforge/backend/internal/execution"
	"github.com/pixelforge/backend/internal/metrics"
	"github.com/pixelforge/backend/internal/models"
	"github.com/pixelforge/backend/internal/provider"
	"github.com/pixelforge/backend/internal/quota"
	"github.com/pixelforge/backend/internal/repository"
)

// --- noopTx satisfies pgx.Tx for test use; only Commit/Rollback are called. ---

type noopTx struct{}

func (noopTx) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }
func (noopTx) Commit(context.Context) error          { return nil }
func (noopTx) Rollback(context.Context) error        { return nil }
func (noopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (noopTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (noopTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (noopTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (noopTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (noopTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (noopTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (noopTx) Conn() *pgx.Conn { return nil }

type mockPool struct{}

func (mockPool) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }

// recTx and recPool track transaction lifecycles so tests can assert
// ordering between a transaction closing and follow-up work.

type recTx struct {
	noopTx
	mu     sync.Mutex
	closed bool
}

func (t *recTx) Commit(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *recTx) Rollback(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *recTx) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type recPool struct {
	mu  sync.Mutex
	txs []*recTx
}

func (p *recPool) Begin(context.Context) (pgx.Tx, error) {
	tx := &recTx{}
	p.mu.Lock()
	p.txs = append(p.txs, tx)
	p.mu.Unlock()
	return tx, nil
}

func (p *recPool) last() *recTx {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.txs[len(p.txs)-1]
}

// --- task store mock with the real transition guards ---

type mockTaskStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*models.Task

	createErr     error
	markErrorHook func()
}

func newMockTaskStore() *mockTaskStore {
	return &mockTaskStore{tasks: make(map[uuid.UUID]*models.Task)}
}

func (m *mockTaskStore) CreateTx(_ context.Context, _ pgx.Tx, t *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *mockTaskStore) GetByID(_ context.Context, id uuid.UUID) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s not found", id)
	}
	cp := *t
	return &cp, nil
}

func (m *mockTaskStore) ListByUser(_ context.Context, userID uuid.UUID) ([]*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Task
	for _, t := range m.tasks {
		if t.UserID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockTaskStore) MarkRunningTx(_ context.Context, _ pgx.Tx, id uuid.UUID, providerName, providerTaskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != models.TaskStatusPending {
		return repository.ErrInvalidTransition
	}
	t.Status = models.TaskStatusRunning
	t.Provider = providerName
	t.ProviderTaskID = providerTaskID
	return nil
}

func (m *mockTaskStore) MarkSucceeded(_ context.Context, id uuid.UUID, resultURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != models.TaskStatusRunning {
		return repository.ErrInvalidTransition
	}
	t.Status = models.TaskStatusSucceeded
	t.ResultURL = resultURL
	return nil
}

func (m *mockTaskStore) MarkError(_ context.Context, id uuid.UUID, message string) error {
	if m.markErrorHook != nil {
		m.markErrorHook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || (t.Status != models.TaskStatusPending && t.Status != models.TaskStatusRunning) {
		return repository.ErrInvalidTransition
	}
	t.Status = models.TaskStatusError
	t.ErrorMessage = message
	return nil
}

func (m *mockTaskStore) ClaimCompensationTx(_ context.Context, _ pgx.Tx, id, refundTxID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return false, fmt.Errorf("task %s not found", id)
	}
	if t.RefundTransactionID != nil {
		return false, nil
	}
	t.RefundTransactionID = &refundTxID
	return true, nil
}

func (m *mockTaskStore) ListOutstanding(_ context.Context) ([]*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Task
	for _, t := range m.tasks {
		unrefunded := t.Status == models.TaskStatusError && t.RefundTransactionID == nil
		if t.Status == models.TaskStatusPending || t.Status == models.TaskStatusRunning || unrefunded {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- ledger mock ---

type mockLedger struct {
	mu       sync.Mutex
	balances map[uuid.UUID]int
	entries  []*models.Transaction
}

func newMockLedger(userID uuid.UUID, balance int) *mockLedger {
	return &mockLedger{balances: map[uuid.UUID]int{userID: balance}}
}

func (m *mockLedger) DebitTx(_ context.Context, _ pgx.Tx, userID uuid.UUID, amount int, reason, refType string, refID *uuid.UUID) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[userID] < amount {
		return nil, repository.ErrInsufficientCredits
	}
	m.balances[userID] -= amount
	t := &models.Transaction{
		ID: uuid.New(), UserID: userID, TxType: models.TxDeduction, Amount: amount,
		BalanceAfter: m.balances[userID], Reason: reason, ReferenceType: refType, ReferenceID: refID,
	}
	m.entries = append(m.entries, t)
	return t, nil
}

func (m *mockLedger) CreditTx(_ context.Context, _ pgx.Tx, userID uuid.UUID, amount int, txType, reason, refType string, refID *uuid.UUID) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] += amount
	t := &models.Transaction{
		ID: uuid.New(), UserID: userID, TxType: txType, Amount: amount,
		BalanceAfter: m.balances[userID], Reason: reason, ReferenceType: refType, ReferenceID: refID,
	}
	m.entries = append(m.entries, t)
	return t, nil
}

func (m *mockLedger) balance(userID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID]
}

func (m *mockLedger) byType(txType string) []*models.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Transaction
	for _, e := range m.entries {
		if e.TxType == txType {
			out = append(out, e)
		}
	}
	return out
}

// --- quota mock ---

type mockQuota struct {
	mu       sync.Mutex
	limit    int
	consumed int
	released int
}

func (m *mockQuota) TryConsume(_ context.Context, userID uuid.UUID, capability, date string) (*models.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.limit >= 0 && m.consumed-m.released >= m.limit {
		return nil, quota.ErrQuotaExceeded
	}
	m.consumed++
	return &models.Reservation{UserID: userID, Capability: capability, Date: date}, nil
}

func (m *mockQuota) Release(_ context.Context, _ *models.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released++
	return nil
}

func (m *mockQuota) ReleaseTx(ctx context.Context, _ pgx.Tx, res *models.Reservation) error {
	return m.Release(ctx, res)
}

func (m *mockQuota) inUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consumed - m.released
}

// --- validator / gateway mocks ---

type okValidator struct{ err error }

func (v okValidator) ValidateParams(context.Context, string, json.RawMessage) error { return v.err }

type fakeGateway struct {
	name      string
	submitErr error
	submitted int
}

func (g *fakeGateway) Name() string { return g.name }

func (g *fakeGateway) Submit(context.Context, *provider.JobSpec) (string, error) {
	g.submitted++
	if g.submitErr != nil {
		return "", g.submitErr
	}
	return "prov-123", nil
}

func (g *fakeGateway) Poll(context.Context, string) (*provider.PollResult, error) {
	return &provider.PollResult{State: provider.StateRunning}, nil
}

type fakeResolver struct {
	gw  provider.Gateway
	err error
}

func (r fakeResolver) ForCapability(string) (provider.Gateway, error) { return r.gw, r.err }

// --- fixture ---

type fixture struct {
	svc      *Service
	store    *mockTaskStore
	ledger   *mockLedger
	quota    *mockQuota
	gateway  *fakeGateway
	inserted []execution.PollTaskArgs
}

func newFixture(user uuid.UUID, balance, quotaLimit int) *fixture {
	f := &fixture{
		store:   newMockTaskStore(),
		ledger:  newMockLedger(user, balance),
		quota:   &mockQuota{limit: quotaLimit},
		gateway: &fakeGateway{name: "imagegen"},
	}
	insert := func(_ context.Context, _ pgx.Tx, args execution.PollTaskArgs) error {
		f.inserted = append(f.inserted, args)
		return nil
	}
	f.svc = NewService(mockPool{}, f.store, f.ledger, f.quota, okValidator{}, fakeResolver{gw: f.gateway}, insert,
		slog.New(slog.DiscardHandler))
	return f
}

func TestSubmitSuccess(t *testing.T) {
	user := uuid.New()
	f := newFixture(user, 100, -1)
	ctx := context.Background()

	task, err := f.svc.Submit(ctx, user, &SubmitRequest{Capability: models.CapabilityImage, Prompt: "a red fox"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if task.Status != models.TaskStatusRunning {
		t.Errorf("status: got %q, want running", task.Status)
	}
	if task.ProviderTaskID != "prov-123" || task.Provider != "imagegen" {
		t.Errorf("provider fields: got %q/%q", task.Provider, task.ProviderTaskID)
	}
	if task.CreditCost != 5 {
		t.Errorf("credit cost: got %d, want 5", task.CreditCost)
	}
	if got := f.ledger.balance(user); got != 95 {
		t.Errorf("balance: got %d, want 95", got)
	}
	deductions := f.ledger.byType(models.TxDeduction)
	if len(deductions) != 1 {
		t.Fatalf("deductions: got %d, want 1", len(deductions))
	}
	if deductions[0].ReferenceID == nil || *deductions[0].ReferenceID != task.ID {
		t.Error("deduction should reference the task")
	}
	if len(f.inserted) != 1 || f.inserted[0].TaskID != task.ID {
		t.Errorf("poll job: got %v, want one for task", f.inserted)
	}
	if f.quota.inUse() != 1 {
		t.Errorf("quota in use: got %d, want 1", f.quota.inUse())
	}
}

func TestSubmitInsufficientCredits(t *testing.T) {
	user := uuid.New()
	f := newFixture(user, 3, -1) // image costs 5
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, user, &SubmitRequest{Capability: models.CapabilityImage, Prompt: "x"})
	if !errors.Is(err, repository.ErrInsufficientCredits) {
		t.Fatalf("expected insufficient credits, got %v", err)
	}
	if got := f.ledger.balance(user); got != 3 {
		t.Errorf("balance must be untouched: got %d", got)
	}
	if f.quota.inUse() != 0 {
		t.Errorf("quota slot must be released after failed debit: in use %d", f.quota.inUse())
	}
	if len(f.inserted) != 0 {
		t.Error("no poll job should exist")
	}
	if f.gateway.submitted != 0 {
		t.Error("provider must not be called")
	}
}

func TestSubmitQuotaExceeded(t *testing.T) {
	user := uuid.New()
	f := newFixture(user, 100, 0)
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, user, &SubmitRequest{Capability: models.CapabilityImage, Prompt: "x"})
	if !errors.Is(err, quota.ErrQuotaExceeded) {
		t.Fatalf("expected quota exceeded, got %v", err)
	}
	if got := f.ledger.balance(user); got != 100 {
		t.Errorf("quota rejection must not debit: balance %d", got)
	}
}

// Admission failures after the slot is consumed but before the debit
// commits must hand the quota slot back.
func TestSubmitTaskRowFailureReleasesQuota(t *testing.T) {
	user := uuid.New()
	f := newFixture(user, 100, 1)
	f.store.createErr = errors.New("row insert failed")
	ctx := context.Background()

	if _, err := f.svc.Submit(ctx, user, &SubmitRequest{Capability: models.CapabilityImage, Prompt: "x"}); err == nil {
		t.Fatal("expected task row failure to surface")
	}
	if f.quota.inUse() != 0 {
		t.Errorf("quota slot must be released: in use %d", f.quota.inUse())
	}
	if f.gateway.submitted != 0 {
		t.Error("provider must not be called")
	}

	// The slot is usable again for the next submission.
	f.store.createErr = nil
	if _, err := f.svc.Submit(ctx, user, &SubmitRequest{Capability: models.CapabilityImage, Prompt: "x"}); err != nil {
		t.Fatalf("slot should be free after the failed admission: %v", err)
	}
}

type failCommitTx struct{ noopTx }

func (failCommitTx) Commit(context.Context) error { return errors.New("commit failed") }

type failCommitPool struct{}

func (failCommitPool) Begin(context.Context) (pgx.Tx, error) { return failCommitTx{}, nil }

func TestSubmitCommitFailureReleasesQuota(t *testing.T) {
	user := uuid.New()
	f := newFixture(user, 100, 1)
	svc := NewService(failCommitPool{}, f.store, f.ledger, f.quota, okValidator{}, fakeResolver{gw: f.gateway},
		func(context.Context, pgx.Tx, execution.PollTaskArgs) error { return nil },
		slog.New(slog.DiscardHandler))
	ctx := context.Background()

	if _, err := svc.Submit(ctx, user, &SubmitRequest{Capability: models.CapabilityImage, Prompt: "x"}); err == nil {
		t.Fatal("expected commit failure to surface")
	}
	if f.quota.inUse() != 0 {
		t.Errorf("quota slot must be released: in use %d", f.quota.inUse())
	}
	if f.gateway.submitted != 0 {
		t.Error("provider must not be called")
	}
}

func TestSubmitInvalidRequest(t *testing.T) {
	user := uuid.New()
	f := newFixture(user, 100, -1)
	ctx := context.Background()

	if _, err := f.svc.Submit(ctx, user, &SubmitRequest{Capability: "audio", Prompt: "x"}); !errors.Is(err, ErrUnknownCapability) {
		t.Errorf("unknown capability: got %v", err)
	}
	if _, err := f.svc.Submit(ctx, user, &SubmitRequest{Capability: models.CapabilityImage, Prompt: "  "}); err == nil {
		t.Error("blank prompt should be rejected")
	}
	if got := f.ledger.balance(user); got != 100 {
		t.Errorf("invalid requests must not debit: balance %d", got)
	}
}

// A failed provider hand-off refunds the debit exactly once and releases
// the quota slot.
func TestSubmitProviderFailure(t *testing.T) {
	user := uuid.New()
	f := newFixture(user, 100, -1)
	f.gateway.submitErr = errors.New("429 too many requests")
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, user, &SubmitRequest{Capability: models.CapabilityVideoFast, Prompt: "x"})
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if got := f.ledger.balance(user); got != 100 {
		t.Errorf("balance after refund: got %d, want 100", got)
	}
	refunds := f.ledger.byType(models.TxRefund)
	if len(refunds) != 1 {
		t.Fatalf("refunds: got %d, want exactly 1", len(refunds))
	}
	if f.quota.inUse() != 0 {
		t.Errorf("quota slot should be released: in use %d", f.quota.inUse())
	}

	tasks, _ := f.store.ListByUser(ctx, user)
	if len(tasks) != 1 {
		t.Fatalf("tasks: got %d, want 1", len(tasks))
	}
	task := tasks[0]
	if task.Status != models.TaskStatusError {
		t.Errorf("status: got %q, want error", task.Status)
	}
	if task.RefundTransactionID == nil || *task.RefundTransactionID != refunds[0].ID {
		t.Error("refund marker should point at the refund transaction")
	}
}

// When the poll-job enqueue fails, the running-transition transaction
// must be closed before the failure path updates the same row from
// another connection, or the two would deadlock on the row lock.
func TestSubmitEnqueueFailureClosesTransactionFirst(t *testing.T) {
	user := uuid.New()
	pool := &recPool{}
	store := newMockTaskStore()
	led := newMockLedger(user, 100)
	q := &mockQuota{limit: -1}
	insert := func(context.Context, pgx.Tx, execution.PollTaskArgs) error {
		return errors.New("queue unavailable")
	}
	svc := NewService(pool, store, led, q, okValidator{}, fakeResolver{gw: &fakeGateway{name: "imagegen"}}, insert,
		slog.New(slog.DiscardHandler))
	ctx := context.Background()

	txOpenAtMarkError := false
	store.markErrorHook = func() {
		if !pool.last().isClosed() {
			txOpenAtMarkError = true
		}
	}

	if _, err := svc.Submit(ctx, user, &SubmitRequest{Capability: models.CapabilityImage, Prompt: "x"}); err == nil {
		t.Fatal("expected enqueue failure to surface")
	}
	if txOpenAtMarkError {
		t.Error("failure path ran while the running-transition transaction was still open")
	}
	if got := led.balance(user); got != 100 {
		t.Errorf("balance after refund: got %d, want 100", got)
	}
	if q.inUse() != 0 {
		t.Errorf("quota slot should be released: in use %d", q.inUse())
	}
}

// Compensation must be exactly-once no matter how many failure paths
// signal the same task.
func TestCompensateIdempotent(t *testing.T) {
	user := uuid.New()
	f := newFixture(user, 100, -1)
	ctx := context.Background()

	task, err := f.svc.Submit(ctx, user, &SubmitRequest{Capability: models.CapabilityImage, Prompt: "x"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Timeout and poll-error paths race to fail the same task.
	if err := f.svc.FailTask(ctx, task.ID, "generation timed out"); err != nil {
		t.Fatalf("first FailTask: %v", err)
	}
	if err := f.svc.FailTask(ctx, task.ID, "provider unreachable"); err != nil {
		t.Fatalf("second FailTask: %v", err)
	}
	if err := f.svc.Compensate(ctx, task.ID); err != nil {
		t.Fatalf("direct Compensate: %v", err)
	}

	if refunds := f.ledger.byType(models.TxRefund); len(refunds) != 1 {
		t.Errorf("refunds: got %d, want exactly 1", len(refunds))
	}
	if got := f.ledger.balance(user); got != 100 {
		t.Errorf("balance: got %d, want 100", got)
	}
	if f.quota.inUse() != 0 {
		t.Errorf("quota in use: got %d, want 0", f.quota.inUse())
	}
}

// A succeeded task keeps its debit: late failure signals must not refund.
func TestSucceededTaskNeverRefunded(t *testing.T) {
	user := uuid.New()
	f := newFixture(user, 100, -1)
	ctx := context.Background()

	task, err := f.svc.Submit(ctx, user, &SubmitRequest{Capability: models.CapabilityImage, Prompt: "x"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := f.svc.CompleteTask(ctx, task.ID, "https://cdn.example.com/out.png"); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	// Stale failure signal arrives after success.
	if err := f.svc.FailTask(ctx, task.ID, "generation timed out"); err != nil {
		t.Fatalf("stale FailTask: %v", err)
	}

	got, _ := f.store.GetByID(ctx, task.ID)
	if got.Status != models.TaskStatusSucceeded {
		t.Errorf("status: got %q, want succeeded", got.Status)
	}
	if len(f.ledger.byType(models.TxRefund)) != 0 {
		t.Error("succeeded task must never be refunded")
	}
	if f.ledger.balance(user) != 95 {
		t.Errorf("debit must stand: balance %d, want 95", f.ledger.balance(user))
	}
}

func TestRecoverOutstanding(t *testing.T) {
	user := uuid.New()
	f := newFixture(user, 200, -1)
	ctx := context.Background()

	running, err := f.svc.Submit(ctx, user, &SubmitRequest{Capability: models.CapabilityImage, Prompt: "x"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// A task stranded in pending: debited, never handed to the provider.
	debit, _ := f.ledger.DebitTx(ctx, noopTx{}, user, 5, "generation: image", models.RefGenerationTask, nil)
	stranded := &models.Task{
		ID: uuid.New(), UserID: user, Capability: models.CapabilityImage,
		Model: "forge-image-1", Prompt: "y", Status: models.TaskStatusPending,
		CreditCost: 5, LedgerTransactionID: debit.ID,
	}
	if err := f.store.CreateTx(ctx, noopTx{}, stranded); err != nil {
		t.Fatalf("create stranded: %v", err)
	}

	var rearmed []uuid.UUID
	err = f.svc.RecoverOutstanding(ctx, func(_ context.Context, args execution.PollTaskArgs) error {
		rearmed = append(rearmed, args.TaskID)
		return nil
	})
	if err != nil {
		t.Fatalf("RecoverOutstanding: %v", err)
	}

	if len(rearmed) != 1 || rearmed[0] != running.ID {
		t.Errorf("running task should be re-armed: got %v", rearmed)
	}
	got, _ := f.store.GetByID(ctx, stranded.ID)
	if got.Status != models.TaskStatusError {
		t.Errorf("stranded pending task should be failed: status %q", got.Status)
	}
	if got.RefundTransactionID == nil {
		t.Error("stranded task should be refunded")
	}
}

// A failed task whose refund never committed is settled at startup even
// though no poll job exists to retry it.
func TestRecoverRetriesUnrefundedCompensation(t *testing.T) {
	user := uuid.New()
	f := newFixture(user, 100, -1)
	ctx := context.Background()

	// Reconstruct the aftermath of a crash between MarkError and the
	// compensation commit: debited, failed, refund marker still unset.
	if _, err := f.quota.TryConsume(ctx, user, models.CapabilityImage, "2026-08-30"); err != nil {
		t.Fatalf("TryConsume: %v", err)
	}
	debit, _ := f.ledger.DebitTx(ctx, noopTx{}, user, 5, "generation: image", models.RefGenerationTask, nil)
	failed := &models.Task{
		ID: uuid.New(), UserID: user, Capability: models.CapabilityImage,
		Model: "forge-image-1", Prompt: "z", Status: models.TaskStatusPending,
		CreditCost: 5, LedgerTransactionID: debit.ID,
	}
	if err := f.store.CreateTx(ctx, noopTx{}, failed); err != nil {
		t.Fatalf("create failed task: %v", err)
	}
	if err := f.store.MarkError(ctx, failed.ID, "generation failed"); err != nil {
		t.Fatalf("mark error: %v", err)
	}

	err := f.svc.RecoverOutstanding(ctx, func(context.Context, execution.PollTaskArgs) error { return nil })
	if err != nil {
		t.Fatalf("RecoverOutstanding: %v", err)
	}

	got, _ := f.store.GetByID(ctx, failed.ID)
	if got.RefundTransactionID == nil {
		t.Fatal("unrefunded failure should be compensated at startup")
	}
	if refunds := f.ledger.byType(models.TxRefund); len(refunds) != 1 {
		t.Errorf("refunds: got %d, want 1", len(refunds))
	}
	if got := f.ledger.balance(user); got != 100 {
		t.Errorf("balance: got %d, want 100", got)
	}
	if f.quota.inUse() != 0 {
		t.Errorf("quota in use: got %d, want 0", f.quota.inUse())
	}
}

// Duplicate failure signals for one task must count once in the
// finished-tasks metric.
func TestFailTaskMetricCountsOnce(t *testing.T) {
	user := uuid.New()
	f := newFixture(user, 100, -1)
	ctx := context.Background()

	task, err := f.svc.Submit(ctx, user, &SubmitRequest{Capability: models.CapabilityImage, Prompt: "x"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	counter := metrics.TasksFinishedTotal.WithLabelValues("error")
	before := testutil.ToFloat64(counter)
	if err := f.svc.FailTask(ctx, task.ID, "generation timed out"); err != nil {
		t.Fatalf("first FailTask: %v", err)
	}
	if err := f.svc.FailTask(ctx, task.ID, "provider unreachable"); err != nil {
		t.Fatalf("second FailTask: %v", err)
	}
	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("finished counter delta: got %v, want 1", got)
	}
}

func TestSanitizeMessage(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"", "generation failed"},
		{"content policy rejection", "content policy rejection"},
		{"invalid api key sk-abc123", "generation failed"},
		{"HTTP 500 from upstream", "generation failed"},
		{"panic: runtime error", "generation failed"},
	}
	for _, c := range cases {
		if got := sanitizeMessage(c.in); got != c.want {
			t.Errorf("sanitizeMessage(%q): got %q, want %q", c.in, got, c.want)
		}
	}
}
