package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pixelforge/backend/internal/models"
)

// ErrQuotaExceeded is returned when the day's limit for a capability is
// spent. Admission-time; the caller waits for the calendar reset.
var ErrQuotaExceeded = errors.New("daily quota exceeded")

// Store is the persistence interface for usage counters and limits.
type Store interface {
	EffectiveLimit(ctx context.Context, userID uuid.UUID, capability string) (int, error)
	IncrementWithin(ctx context.Context, userID uuid.UUID, capability, date string, limit int) (bool, error)
	Increment(ctx context.Context, userID uuid.UUID, capability, date string) error
	Decrement(ctx context.Context, userID uuid.UUID, capability, date string) error
	DecrementTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, capability, date string) error
	Used(ctx context.Context, userID uuid.UUID, capability, date string) (int, error)
	SetGlobalLimit(ctx context.Context, capability string, limit int) error
	SetUserOverride(ctx context.Context, userID uuid.UUID, capability string, limit int) error
	ClearUserOverride(ctx context.Context, userID uuid.UUID, capability string) error
}

// Tracker enforces per-user daily caps per capability. Counters are keyed
// on the calendar date, so they reset implicitly at midnight UTC.
type Tracker struct {
	store Store
}

func NewTracker(store Store) *Tracker {
	return &Tracker{store: store}
}

// TryConsume reserves one slot for (userID, capability, date). The
// increment and the limit check happen in one statement at the store, so
// two concurrent submissions cannot both pass a limit of one. The returned
// reservation is the handle Release needs later.
func (t *Tracker) TryConsume(ctx context.Context, userID uuid.UUID, capability, date string) (*models.Reservation, error) {
	limit, err := t.store.EffectiveLimit(ctx, userID, capability)
	if err != nil {
		return nil, fmt.Errorf("resolve quota limit: %w", err)
	}
	res := &models.Reservation{UserID: userID, Capability: capability, Date: date}
	if limit == models.QuotaUnlimited {
		if err := t.store.Increment(ctx, userID, capability, date); err != nil {
			return nil, err
		}
		return res, nil
	}
	if limit <= 0 {
		return nil, ErrQuotaExceeded
	}
	ok, err := t.store.IncrementWithin(ctx, userID, capability, date, limit)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrQuotaExceeded
	}
	return res, nil
}

// Release gives the reserved slot back. Called only when the associated
// task ultimately fails and its credits are refunded; successful tasks
// keep their slot.
func (t *Tracker) Release(ctx context.Context, res *models.Reservation) error {
	return t.store.Decrement(ctx, res.UserID, res.Capability, res.Date)
}

// ReleaseTx is Release inside the caller's transaction, so the freed slot
// commits or rolls back together with the refund it belongs to.
func (t *Tracker) ReleaseTx(ctx context.Context, tx pgx.Tx, res *models.Reservation) error {
	return t.store.DecrementTx(ctx, tx, res.UserID, res.Capability, res.Date)
}

// Status reports used/limit/remaining for every capability on the given date.
func (t *Tracker) Status(ctx context.Context, userID uuid.UUID, date string) ([]models.QuotaStatus, error) {
	out := make([]models.QuotaStatus, 0, len(models.Capabilities))
	for _, capability := range models.Capabilities {
		limit, err := t.store.EffectiveLimit(ctx, userID, capability)
		if err != nil {
			return nil, err
		}
		used, err := t.store.Used(ctx, userID, capability, date)
		if err != nil {
			return nil, err
		}
		remaining := models.QuotaUnlimited
		if limit != models.QuotaUnlimited {
			remaining = limit - used
			if remaining < 0 {
				remaining = 0
			}
		}
		out = append(out, models.QuotaStatus{
			Capability: capability,
			Used:       used,
			Limit:      limit,
			Remaining:  remaining,
		})
	}
	return out, nil
}

// SetGlobalLimit sets the default daily cap for a capability.
// models.QuotaUnlimited disables the cap.
func (t *Tracker) SetGlobalLimit(ctx context.Context, capability string, limit int) error {
	if limit < models.QuotaUnlimited {
		return fmt.Errorf("daily limit must be >= -1, got %d", limit)
	}
	return t.store.SetGlobalLimit(ctx, capability, limit)
}

// SetUserOverride pins a per-user cap that wins over the global default.
func (t *Tracker) SetUserOverride(ctx context.Context, userID uuid.UUID, capability string, limit int) error {
	if limit < models.QuotaUnlimited {
		return fmt.Errorf("daily limit must be >= -1, got %d", limit)
	}
	return t.store.SetUserOverride(ctx, userID, capability, limit)
}

// ClearUserOverride removes the per-user cap so the global default applies.
func (t *Tracker) ClearUserOverride(ctx context.Context, userID uuid.UUID, capability string) error {
	return t.store.ClearUserOverride(ctx, userID, capability)
}
