package models

import (
	"time"

	"github.com/google/uuid"
)

// Account roles. Admin-only operations (quota limits/overrides, credit
// grants) require RoleAdmin.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

type Account struct {
	ID            uuid.UUID `json:"id"`
	Email         string    `json:"email"`
	DisplayName   string    `json:"display_name"`
	Role          string    `json:"role"`
	PasswordHash  string    `json:"-"`
	CreditBalance int       `json:"credit_balance"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// IsAdmin reports whether the account may call admin endpoints.
func (a *Account) IsAdmin() bool { return a.Role == RoleAdmin }
