package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"payvault/internal/money"
)

type Direction string

const (
	Debit  Direction = "DEBIT"
	Credit Direction = "CREDIT"
)

// Invert returns the opposite direction, used when building reversal groups.
func (d Direction) Invert() Direction {
	if d == Debit {
		return Credit
	}
	return Debit
}

// Posting is a single immutable debit or credit against one account. It is
// keyed by (group reference, sequence) and never edited after append.
type Posting struct {
	GroupReference string          `db:"group_reference" json:"group_reference"`
	Sequence       int             `db:"sequence" json:"sequence"`
	AccountID      string          `db:"account_id" json:"account_id"`
	Direction      Direction       `db:"direction" json:"direction"`
	Amount         decimal.Decimal `db:"amount" json:"amount"`
	Currency       money.Currency  `db:"currency" json:"currency"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// PostingGroup is a balanced set of postings representing one logical
// transaction. Reference is the caller-supplied idempotency key; the same
// reference never produces two committed groups.
type PostingGroup struct {
	ID          string    `db:"id" json:"id"`
	Reference   string    `db:"reference" json:"reference"`
	Description string    `db:"description" json:"description"`
	Reverses    *string   `db:"reverses" json:"reverses,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	Postings    []Posting `json:"postings"`
}
