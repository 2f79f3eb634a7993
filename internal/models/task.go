package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Generation task lifecycle. pending is the initial state, entered only
// after the quota slot and the ledger debit are both committed. succeeded
// and error are terminal; the store rejects any transition out of them.
const (
	TaskStatusPending   = "pending"
	TaskStatusRunning   = "running"
	TaskStatusSucceeded = "succeeded"
	TaskStatusError     = "error"
)

// Capabilities — classes of generation work, each with its own daily quota.
const (
	CapabilityImage        = "image"
	CapabilityVideoFast    = "video_fast"
	CapabilityVideoQuality = "video_quality"
)

// Capabilities lists every supported capability in a stable order.
var Capabilities = []string{CapabilityImage, CapabilityVideoFast, CapabilityVideoQuality}

type Task struct {
	ID                  uuid.UUID       `json:"id"`
	UserID              uuid.UUID       `json:"user_id"`
	Capability          string          `json:"capability"`
	Model               string          `json:"model"`
	Prompt              string          `json:"prompt"`
	Params              json.RawMessage `json:"params,omitempty"`
	Status              string          `json:"status"`
	Provider            string          `json:"provider,omitempty"`
	ProviderTaskID      string          `json:"provider_task_id,omitempty"`
	ResultURL           string          `json:"result_url,omitempty"`
	ErrorMessage        string          `json:"error_message,omitempty"`
	CreditCost          int             `json:"credit_cost"`
	LedgerTransactionID uuid.UUID       `json:"ledger_transaction_id"`
	// RefundTransactionID is the persisted compensation marker: set exactly
	// once when the debit is refunded, nil for succeeded or uncompensated tasks.
	RefundTransactionID *uuid.UUID `json:"refund_transaction_id,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the task has reached succeeded or error.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskStatusSucceeded || t.Status == TaskStatusError
}

// ValidCapability reports whether c names a supported capability.
func ValidCapability(c string) bool {
	for _, known := range Capabilities {
		if c == known {
			return true
		}
	}
	return false
}
