package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"payvault/internal/ledger"
	"payvault/internal/money"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAccountSuspended  = errors.New("account is suspended")
	ErrAccountClosed     = errors.New("account is closed")
	ErrStaleVersion      = errors.New("account version is stale")
	ErrNotFound          = errors.New("account not found")
)

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// GetOrCreate returns the (owner, currency) account, creating it with zero
// balances if absent. Creation races are settled by the unique index, so
// concurrent first touches converge on one row.
func (r *Repository) GetOrCreate(ctx context.Context, ownerID string, currency money.Currency) (*Account, error) {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO accounts (id, owner_id, currency)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (owner_id, currency) DO NOTHING`,
		uuid.NewString(), ownerID, currency,
	)
	if err != nil {
		return nil, err
	}

	acct := &Account{}
	err = r.db.GetContext(ctx, acct,
		`SELECT id, owner_id, currency, available_balance, pending_balance, status, version, created_at, updated_at
		 FROM accounts WHERE owner_id = $1 AND currency = $2`,
		ownerID, currency,
	)
	if err != nil {
		return nil, err
	}

	return acct, nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (*Account, error) {
	acct := &Account{}
	err := r.db.GetContext(ctx, acct,
		`SELECT id, owner_id, currency, available_balance, pending_balance, status, version, created_at, updated_at
		 FROM accounts WHERE id = $1`,
		id,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return acct, nil
}

// Reserve moves amount from available to pending. The version predicate
// makes concurrent reservations on one account serialize: the loser sees
// zero rows updated and must re-read before retrying.
func (r *Repository) Reserve(ctx context.Context, acct *Account, amount decimal.Decimal) error {
	if err := checkMutable(acct.Status); err != nil {
		return err
	}
	if acct.Available.LessThan(amount) {
		return fmt.Errorf("%w: available %s, requested %s", ErrInsufficientFunds, acct.Available, amount)
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE accounts
		 SET available_balance = available_balance - $1,
		     pending_balance = pending_balance + $1,
		     version = version + 1,
		     updated_at = NOW()
		 WHERE id = $2 AND version = $3 AND status = 'ACTIVE' AND available_balance >= $1`,
		amount, acct.ID, acct.Version,
	)
	if err != nil {
		return err
	}
	if err := oneRow(res); err != nil {
		return err
	}

	acct.Available = acct.Available.Sub(amount)
	acct.Pending = acct.Pending.Add(amount)
	acct.Version++
	return nil
}

// Release reverses a reservation when a transaction aborts.
func (r *Repository) Release(ctx context.Context, acct *Account, amount decimal.Decimal) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE accounts
		 SET available_balance = available_balance + $1,
		     pending_balance = pending_balance - $1,
		     version = version + 1,
		     updated_at = NOW()
		 WHERE id = $2 AND version = $3 AND pending_balance >= $1`,
		amount, acct.ID, acct.Version,
	)
	if err != nil {
		return err
	}
	if err := oneRow(res); err != nil {
		return err
	}

	acct.Available = acct.Available.Add(amount)
	acct.Pending = acct.Pending.Sub(amount)
	acct.Version++
	return nil
}

// Settle applies a committed posting permanently: a debit consumes the held
// pending funds, a credit grows the available balance.
func (r *Repository) Settle(ctx context.Context, acct *Account, amount decimal.Decimal, direction ledger.Direction) error {
	var query string
	switch direction {
	case ledger.Debit:
		query = `UPDATE accounts
		 SET pending_balance = pending_balance - $1,
		     version = version + 1,
		     updated_at = NOW()
		 WHERE id = $2 AND version = $3 AND pending_balance >= $1`
	case ledger.Credit:
		query = `UPDATE accounts
		 SET available_balance = available_balance + $1,
		     version = version + 1,
		     updated_at = NOW()
		 WHERE id = $2 AND version = $3`
	default:
		return fmt.Errorf("invalid settle direction %q", direction)
	}

	res, err := r.db.ExecContext(ctx, query, amount, acct.ID, acct.Version)
	if err != nil {
		return err
	}
	if err := oneRow(res); err != nil {
		return err
	}

	if direction == ledger.Debit {
		acct.Pending = acct.Pending.Sub(amount)
	} else {
		acct.Available = acct.Available.Add(amount)
	}
	acct.Version++
	return nil
}

func (r *Repository) SetStatus(ctx context.Context, id string, status Status) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET status = $1, updated_at = NOW() WHERE id = $2`,
		status, id,
	)
	if err != nil {
		return err
	}
	return oneRowAs(res, ErrNotFound)
}

func checkMutable(status Status) error {
	switch status {
	case StatusSuspended:
		return ErrAccountSuspended
	case StatusClosed:
		return ErrAccountClosed
	}
	return nil
}

func oneRow(res sql.Result) error {
	return oneRowAs(res, ErrStaleVersion)
}

func oneRowAs(res sql.Result, miss error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return miss
	}
	return nil
}
