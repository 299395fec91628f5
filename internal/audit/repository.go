package audit

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type Recorder interface {
	Record(ctx context.Context, actorID, action, targetID, detail string) error
	List(ctx context.Context, limit, offset int) ([]Event, error)
}

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Record(ctx context.Context, actorID, action, targetID, detail string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, actor_id, action, target_id, detail)
		 VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), actorID, action, targetID, detail,
	)
	return err
}

func (r *Repository) List(ctx context.Context, limit, offset int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}

	var events []Event
	err := r.db.SelectContext(ctx, &events, `
		SELECT id, actor_id, action, target_id, detail, created_at
		FROM audit_events
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}

	return events, nil
}
