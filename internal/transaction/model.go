package transaction

import (
	"time"

	"github.com/shopspring/decimal"

	"payvault/internal/money"
	"payvault/internal/risk"
)

type Type string

const (
	TypeP2P              Type = "P2P"
	TypeBankTransfer     Type = "BANK_TRANSFER"
	TypeCardFunding      Type = "CARD_FUNDING"
	TypeLoanDisbursement Type = "LOAN_DISBURSEMENT"
	TypeLoanRepayment    Type = "LOAN_REPAYMENT"
	TypeCryptoConvert    Type = "CRYPTO_CONVERT"
	TypeRewardRedeemed   Type = "REWARD_REDEEMED"
)

var knownTypes = map[Type]bool{
	TypeP2P:              true,
	TypeBankTransfer:     true,
	TypeCardFunding:      true,
	TypeLoanDisbursement: true,
	TypeLoanRepayment:    true,
	TypeCryptoConvert:    true,
	TypeRewardRedeemed:   true,
}

type Status string

const (
	StatusCreated     Status = "CREATED"
	StatusRiskChecked Status = "RISK_CHECKED"
	StatusReserved    Status = "RESERVED"
	StatusPosted      Status = "POSTED"
	StatusCommitted   Status = "COMMITTED"
	StatusRejected    Status = "REJECTED"
	StatusFailed      Status = "FAILED"
	StatusCancelled   Status = "CANCELLED"
	StatusReversed    Status = "REVERSED"
)

// Terminal reports whether no further transition can leave the status.
// POSTED is deliberately non-terminal: settlement retries converge it to
// COMMITTED.
func (s Status) Terminal() bool {
	switch s {
	case StatusCommitted, StatusRejected, StatusFailed, StatusCancelled, StatusReversed:
		return true
	}
	return false
}

// Request is what a feature service submits. Reference is the caller's
// idempotency key; submitting the same reference twice returns the first
// outcome.
type Request struct {
	Reference      string            `json:"reference" binding:"required" validate:"required,max=64"`
	Type           Type              `json:"type" binding:"required" validate:"required"`
	OwnerID        string            `json:"owner_id"`
	CounterpartyID string            `json:"counterparty_id,omitempty"`
	Amount         string            `json:"amount" binding:"required" validate:"required"`
	Currency       money.Currency    `json:"currency" binding:"required" validate:"required,min=3,max=4"`
	Region         string            `json:"region,omitempty"`
	Description    string            `json:"description,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Transaction is the persisted bookkeeping row the coordinator drives
// through the state machine.
type Transaction struct {
	ID             string          `db:"id" json:"id"`
	Reference      string          `db:"reference" json:"reference"`
	OwnerID        string          `db:"owner_id" json:"owner_id"`
	CounterpartyID *string         `db:"counterparty_id" json:"counterparty_id,omitempty"`
	Type           Type            `db:"type" json:"type"`
	Status         Status          `db:"status" json:"status"`
	Amount         decimal.Decimal `db:"amount" json:"amount"`
	Fee            decimal.Decimal `db:"fee" json:"fee"`
	NetAmount      decimal.Decimal `db:"net_amount" json:"net_amount"`
	Currency       money.Currency  `db:"currency" json:"currency"`
	RiskScore      *float64        `db:"risk_score" json:"risk_score,omitempty"`
	RiskLevel      *string         `db:"risk_level" json:"risk_level,omitempty"`
	FailureReason  *string         `db:"failure_reason" json:"failure_reason,omitempty"`
	Reverses       *string         `db:"reverses" json:"reverses,omitempty"`
	Description    string          `db:"description" json:"description"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// Result is the caller-facing outcome. Callers always get one of these with
// a definite status, never a bare error, so retries are safe.
type Result struct {
	Reference string          `json:"reference"`
	Type      Type            `json:"type"`
	Status    Status          `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
	Fee       decimal.Decimal `json:"fee"`
	NetAmount decimal.Decimal `json:"net_amount"`
	Currency  money.Currency  `json:"currency"`
	Risk      *risk.Decision  `json:"risk,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (t *Transaction) Result() *Result {
	r := &Result{
		Reference: t.Reference,
		Type:      t.Type,
		Status:    t.Status,
		Amount:    t.Amount,
		Fee:       t.Fee,
		NetAmount: t.NetAmount,
		Currency:  t.Currency,
		CreatedAt: t.CreatedAt,
	}
	if t.FailureReason != nil {
		r.Reason = *t.FailureReason
	}
	if t.RiskScore != nil && t.RiskLevel != nil {
		r.Risk = &risk.Decision{
			Score: *t.RiskScore,
			Level: risk.Level(*t.RiskLevel),
		}
	}
	return r
}
