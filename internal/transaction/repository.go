package transaction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var ErrTransactionNotFound = errors.New("transaction not found")

const uniqueViolation = "23505"

type SQLRepository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

const selectColumns = `id, reference, owner_id, counterparty_id, type, status, amount, fee, net_amount,
	currency, risk_score, risk_level, failure_reason, reverses, description, created_at, updated_at`

func (r *SQLRepository) Create(ctx context.Context, tx *Transaction) (*Transaction, bool, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO transactions (id, reference, owner_id, counterparty_id, type, status, amount, fee, net_amount, currency, reverses, description)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		tx.ID, tx.Reference, tx.OwnerID, tx.CounterpartyID, tx.Type, tx.Status,
		tx.Amount, tx.Fee, tx.NetAmount, tx.Currency, tx.Reverses, tx.Description,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			existing, gerr := r.GetByReference(ctx, tx.Reference)
			if gerr != nil {
				return nil, false, fmt.Errorf("duplicate reference %s but prior row unreadable: %w", tx.Reference, gerr)
			}
			return existing, true, nil
		}
		return nil, false, err
	}

	return tx, false, nil
}

func (r *SQLRepository) GetByReference(ctx context.Context, reference string) (*Transaction, error) {
	tx := &Transaction{}
	err := r.db.GetContext(ctx, tx,
		`SELECT `+selectColumns+` FROM transactions WHERE reference = $1`,
		reference,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

func (r *SQLRepository) UpdateStatus(ctx context.Context, reference string, status Status, failureReason string) error {
	var reason *string
	if failureReason != "" {
		reason = &failureReason
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE transactions SET status = $1, failure_reason = $2, updated_at = NOW() WHERE reference = $3`,
		status, reason, reference,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (r *SQLRepository) SetRisk(ctx context.Context, reference string, score float64, level string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE transactions SET risk_score = $1, risk_level = $2, updated_at = NOW() WHERE reference = $3`,
		score, level, reference,
	)
	return err
}

func (r *SQLRepository) RecentByOwner(ctx context.Context, ownerID string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 50
	}

	var txs []Transaction
	err := r.db.SelectContext(ctx, &txs,
		`SELECT `+selectColumns+` FROM transactions
		 WHERE owner_id = $1 AND status NOT IN ('REJECTED', 'FAILED', 'CANCELLED')
		 ORDER BY created_at DESC
		 LIMIT $2`,
		ownerID, limit,
	)
	if err != nil {
		return nil, err
	}
	return txs, nil
}
