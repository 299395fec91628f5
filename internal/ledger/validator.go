package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"payvault/internal/money"
)

var (
	ErrUnbalanced        = errors.New("posting group does not balance")
	ErrTooFewPostings    = errors.New("posting group needs at least two postings")
	ErrNonPositiveAmount = errors.New("posting amount must be positive")
	ErrUnknownAccount    = errors.New("posting references unknown account")
	ErrClosedAccount     = errors.New("posting references closed account")
)

// AccountState is the slice of account reality the validator needs. The
// coordinator builds it from accounts it has already loaded, which keeps the
// validator a pure function.
type AccountState struct {
	Exists bool
	Closed bool
}

// Validate checks a candidate posting group before it is admitted to the
// journal: per-currency debits equal credits exactly, every amount is
// strictly positive, and every referenced account exists and is open.
// Amounts must already be quantized to the currency's minor unit.
func Validate(postings []Posting, accounts map[string]AccountState) error {
	if len(postings) < 2 {
		return ErrTooFewPostings
	}

	debits := map[money.Currency]decimal.Decimal{}
	credits := map[money.Currency]decimal.Decimal{}

	for _, p := range postings {
		if !p.Amount.IsPositive() {
			return fmt.Errorf("%w: %s %s on account %s", ErrNonPositiveAmount, p.Amount, p.Currency, p.AccountID)
		}

		state, ok := accounts[p.AccountID]
		if !ok || !state.Exists {
			return fmt.Errorf("%w: %s", ErrUnknownAccount, p.AccountID)
		}
		if state.Closed {
			return fmt.Errorf("%w: %s", ErrClosedAccount, p.AccountID)
		}

		switch p.Direction {
		case Debit:
			debits[p.Currency] = debits[p.Currency].Add(p.Amount)
		case Credit:
			credits[p.Currency] = credits[p.Currency].Add(p.Amount)
		default:
			return fmt.Errorf("invalid posting direction %q", p.Direction)
		}
	}

	// Cross-currency groups must net to zero per currency, not in aggregate.
	for currency, debit := range debits {
		if !debit.Equal(credits[currency]) {
			return fmt.Errorf("%w: %s debits %s != credits %s", ErrUnbalanced, currency, debit, credits[currency])
		}
	}
	for currency, credit := range credits {
		if _, ok := debits[currency]; !ok && !credit.IsZero() {
			return fmt.Errorf("%w: %s credits %s have no matching debits", ErrUnbalanced, currency, credit)
		}
	}

	return nil
}
