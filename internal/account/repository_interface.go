package account

import (
	"context"

	"github.com/shopspring/decimal"

	"payvault/internal/ledger"
	"payvault/internal/money"
)

type Store interface {
	GetOrCreate(ctx context.Context, ownerID string, currency money.Currency) (*Account, error)
	GetByID(ctx context.Context, id string) (*Account, error)
	Reserve(ctx context.Context, acct *Account, amount decimal.Decimal) error
	Release(ctx context.Context, acct *Account, amount decimal.Decimal) error
	Settle(ctx context.Context, acct *Account, amount decimal.Decimal, direction ledger.Direction) error
	SetStatus(ctx context.Context, id string, status Status) error
}
