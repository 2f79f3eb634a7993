package models

import (
	"time"

	"github.com/google/uuid"
)

// QuotaUnlimited disables the daily cap for a capability.
const QuotaUnlimited = -1

// QuotaDateFormat keys daily usage counters on the calendar date, so the
// counter resets implicitly at midnight UTC without a sweeper.
const QuotaDateFormat = "2006-01-02"

// Reservation is the handle returned by a successful quota consume. It
// pins the exact (user, capability, date) key so a release after midnight
// still decrements the day the slot was taken from.
type Reservation struct {
	UserID     uuid.UUID `json:"user_id"`
	Capability string    `json:"capability"`
	Date       string    `json:"date"`
}

// QuotaStatus is the per-capability view returned to clients.
// Remaining is QuotaUnlimited when no cap applies.
type QuotaStatus struct {
	Capability string `json:"capability"`
	Used       int    `json:"used"`
	Limit      int    `json:"limit"`
	Remaining  int    `json:"remaining"`
}

// QuotaDate formats t for use as a usage-counter key.
func QuotaDate(t time.Time) string {
	return t.UTC().Format(QuotaDateFormat)
}
