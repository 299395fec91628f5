package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrCurrencyMismatch = errors.New("currency mismatch")
	ErrUnknownCurrency  = errors.New("unknown currency")
	ErrNotQuantized     = errors.New("amount has more precision than the currency allows")
)

type Currency string

const (
	NGN  Currency = "NGN"
	USD  Currency = "USD"
	GBP  Currency = "GBP"
	EUR  Currency = "EUR"
	BTC  Currency = "BTC"
	ETH  Currency = "ETH"
	USDT Currency = "USDT"
)

// defaultPrecision maps each supported currency to its minor-unit precision:
// 2 decimal places for fiat, 8 for crypto.
var defaultPrecision = map[Currency]int32{
	NGN:  2,
	USD:  2,
	GBP:  2,
	EUR:  2,
	BTC:  8,
	ETH:  8,
	USDT: 8,
}

// PrecisionTable resolves a currency to its minor-unit precision. The
// zero-value table serves the built-in defaults; overrides come from config.
type PrecisionTable struct {
	overrides map[Currency]int32
}

func NewPrecisionTable(overrides map[Currency]int32) *PrecisionTable {
	return &PrecisionTable{overrides: overrides}
}

func (t *PrecisionTable) Precision(c Currency) (int32, error) {
	if t != nil && t.overrides != nil {
		if p, ok := t.overrides[c]; ok {
			return p, nil
		}
	}
	p, ok := defaultPrecision[c]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCurrency, c)
	}
	return p, nil
}

// Money holds an exact decimal amount in a single currency. Balances and
// posting amounts are never represented as floating point.
type Money struct {
	Amount   decimal.Decimal
	Currency Currency
}

func New(amount decimal.Decimal, currency Currency) Money {
	return Money{Amount: amount, Currency: currency}
}

// Parse builds a Money from its string form, quantized to the currency's
// precision. "300.00" NGN parses; "300.005" NGN fails with ErrNotQuantized.
func Parse(amount string, currency Currency, table *PrecisionTable) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	prec, err := table.Precision(currency)
	if err != nil {
		return Money{}, err
	}
	if d.Exponent() < -prec {
		if !d.Equal(d.Round(prec)) {
			return Money{}, fmt.Errorf("%w: %s %s", ErrNotQuantized, amount, currency)
		}
	}
	return Money{Amount: d.Round(prec), Currency: currency}, nil
}

func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: cannot add %s to %s", ErrCurrencyMismatch, other.Currency, m.Currency)
	}
	return Money{Amount: m.Amount.Add(other.Amount), Currency: m.Currency}, nil
}

func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: cannot subtract %s from %s", ErrCurrencyMismatch, other.Currency, m.Currency)
	}
	return Money{Amount: m.Amount.Sub(other.Amount), Currency: m.Currency}, nil
}

func (m Money) IsPositive() bool { return m.Amount.IsPositive() }
func (m Money) IsNegative() bool { return m.Amount.IsNegative() }
func (m Money) IsZero() bool     { return m.Amount.IsZero() }

func (m Money) String() string {
	return m.Amount.String() + " " + string(m.Currency)
}
