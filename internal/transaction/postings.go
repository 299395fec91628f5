package transaction

import (
	"fmt"

	"github.com/shopspring/decimal"

	"payvault/internal/ledger"
	"payvault/internal/money"
)

// System owners. Every feature funnels through the same ledger, so external
// money movement is modeled as transfers against platform-owned clearing and
// pool accounts rather than per-feature balance tweaks.
const (
	PlatformOwner     = "platform"
	BankClearingOwner = "bank-clearing"
	CardClearingOwner = "card-clearing"
	LoanPoolOwner     = "loan-pool"
	RewardsPoolOwner  = "rewards-pool"
	FxClearingOwner   = "fx-clearing"
)

// leg is one side of the posting plan before accounts are resolved: which
// owner's (owner, currency) account moves, in which direction, by how much.
type leg struct {
	ownerID   string
	currency  money.Currency
	direction ledger.Direction
	amount    decimal.Decimal
}

// buildLegs translates a validated request into a balanced posting plan.
// The debit side always carries the gross amount; the fee is peeled off the
// credit side into the platform fee account, so per-currency debits equal
// credits by construction.
func buildLegs(req *Request, amount decimal.Decimal, fee decimal.Decimal, target *money.Money) ([]leg, error) {
	net := amount.Sub(fee)
	if !net.IsPositive() {
		return nil, fmt.Errorf("%w: amount %s does not cover fee %s", ErrInvalidRequest, amount, fee)
	}

	withFee := func(debitOwner, creditOwner string) []leg {
		legs := []leg{
			{ownerID: debitOwner, currency: req.Currency, direction: ledger.Debit, amount: amount},
			{ownerID: creditOwner, currency: req.Currency, direction: ledger.Credit, amount: net},
		}
		if fee.IsPositive() {
			legs = append(legs, leg{ownerID: PlatformOwner, currency: req.Currency, direction: ledger.Credit, amount: fee})
		}
		return legs
	}

	switch req.Type {
	case TypeP2P:
		return withFee(req.OwnerID, req.CounterpartyID), nil
	case TypeBankTransfer:
		return withFee(req.OwnerID, BankClearingOwner), nil
	case TypeCardFunding:
		return withFee(CardClearingOwner, req.OwnerID), nil
	case TypeLoanDisbursement:
		return withFee(LoanPoolOwner, req.OwnerID), nil
	case TypeLoanRepayment:
		return withFee(req.OwnerID, LoanPoolOwner), nil
	case TypeRewardRedeemed:
		return withFee(RewardsPoolOwner, req.OwnerID), nil
	case TypeCryptoConvert:
		if target == nil {
			return nil, fmt.Errorf("%w: crypto conversion needs a quoted target amount", ErrInvalidRequest)
		}
		// Two balanced pairs, one per currency: the fiat side funds the fx
		// clearing account, the crypto side pays out of it.
		legs := withFee(req.OwnerID, FxClearingOwner)
		legs = append(legs,
			leg{ownerID: FxClearingOwner, currency: target.Currency, direction: ledger.Debit, amount: target.Amount},
			leg{ownerID: req.OwnerID, currency: target.Currency, direction: ledger.Credit, amount: target.Amount},
		)
		return legs, nil
	default:
		return nil, fmt.Errorf("%w: unsupported transaction type %q", ErrInvalidRequest, req.Type)
	}
}
