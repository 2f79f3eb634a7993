package models

import (
	"time"

	"github.com/google/uuid"
)

// Ledger transaction types. A deduction subtracts its amount from the
// balance; addition and refund add it. Amount is always positive — the
// type carries the sign, so a negative deduction is unrepresentable.
const (
	TxDeduction = "deduction"
	TxAddition  = "addition"
	TxRefund    = "refund"
)

// Reference types link a transaction to the entity that caused it.
const (
	RefGenerationTask = "generation_task"
	RefRedemptionCode = "redemption_code"
	RefAdminGrant     = "admin_grant"
)

// Transaction is one immutable row of the credit ledger. Seq is assigned
// by the database at commit time and gives the per-user total order:
// BalanceAfter of row n equals BalanceBefore of row n+1.
type Transaction struct {
	ID            uuid.UUID  `json:"id"`
	Seq           int64      `json:"seq"`
	UserID        uuid.UUID  `json:"user_id"`
	TxType        string     `json:"tx_type"`
	Amount        int        `json:"amount"`
	BalanceBefore int        `json:"balance_before"`
	BalanceAfter  int        `json:"balance_after"`
	Reason        string     `json:"reason"`
	ReferenceType string     `json:"reference_type,omitempty"`
	ReferenceID   *uuid.UUID `json:"reference_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// SignedAmount returns the delta this transaction applied to the balance.
func (t *Transaction) SignedAmount() int {
	if t.TxType == TxDeduction {
		return -t.Amount
	}
	return t.Amount
}
