package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var ErrGroupNotFound = errors.New("posting group not found")

const uniqueViolation = "23505"

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Append(ctx context.Context, group *PostingGroup) (*PostingGroup, bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	id := uuid.NewString()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO posting_groups (id, reference, description, reverses)
		 VALUES ($1, $2, $3, $4)`,
		id, group.Reference, group.Description, group.Reverses,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			// Same idempotency reference already committed. Not an error:
			// hand back the prior group so retries are safe.
			tx.Rollback()
			prior, gerr := r.GetGroup(ctx, group.Reference)
			if gerr != nil {
				return nil, false, fmt.Errorf("duplicate reference %s but prior group unreadable: %w", group.Reference, gerr)
			}
			return prior, true, nil
		}
		return nil, false, err
	}

	for i := range group.Postings {
		p := &group.Postings[i]
		p.GroupReference = group.Reference
		p.Sequence = i
		_, err = tx.ExecContext(ctx,
			`INSERT INTO postings (group_reference, sequence, account_id, direction, amount, currency)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			p.GroupReference, p.Sequence, p.AccountID, p.Direction, p.Amount, p.Currency,
		)
		if err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	group.ID = id
	return group, false, nil
}

func (r *Repository) GetGroup(ctx context.Context, reference string) (*PostingGroup, error) {
	group := &PostingGroup{}
	err := r.db.GetContext(ctx, group,
		`SELECT id, reference, description, reverses, created_at
		 FROM posting_groups WHERE reference = $1`,
		reference,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrGroupNotFound
		}
		return nil, err
	}

	err = r.db.SelectContext(ctx, &group.Postings,
		`SELECT group_reference, sequence, account_id, direction, amount, currency, created_at
		 FROM postings WHERE group_reference = $1 ORDER BY sequence`,
		reference,
	)
	if err != nil {
		return nil, err
	}

	return group, nil
}

func (r *Repository) EntriesFor(ctx context.Context, accountID string, limit, offset int) ([]Posting, error) {
	if limit <= 0 {
		limit = 50
	}

	var postings []Posting
	err := r.db.SelectContext(ctx, &postings, `
		SELECT group_reference, sequence, account_id, direction, amount, currency, created_at
		FROM postings
		WHERE account_id = $1
		ORDER BY created_at DESC, group_reference, sequence
		LIMIT $2 OFFSET $3
	`, accountID, limit, offset)
	if err != nil {
		return nil, err
	}

	return postings, nil
}
