package account

import (
	"time"

	"github.com/shopspring/decimal"

	"payvault/internal/money"
)

type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusSuspended Status = "SUSPENDED"
	StatusClosed    Status = "CLOSED"
)

// Account is a per (owner, currency) wallet. Version increments on every
// balance mutation; writers compare it to detect lost updates. Closed
// accounts keep their rows so history stays reconstructible.
type Account struct {
	ID        string          `db:"id" json:"id"`
	OwnerID   string          `db:"owner_id" json:"owner_id"`
	Currency  money.Currency  `db:"currency" json:"currency"`
	Available decimal.Decimal `db:"available_balance" json:"available_balance"`
	Pending   decimal.Decimal `db:"pending_balance" json:"pending_balance"`
	Status    Status          `db:"status" json:"status"`
	Version   int64           `db:"version" json:"version"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}
