package transaction

import "context"

type Repository interface {
	// Create inserts the row in CREATED. A reference collision returns the
	// existing row and duplicate=true.
	Create(ctx context.Context, tx *Transaction) (existing *Transaction, duplicate bool, err error)
	GetByReference(ctx context.Context, reference string) (*Transaction, error)
	UpdateStatus(ctx context.Context, reference string, status Status, failureReason string) error
	SetRisk(ctx context.Context, reference string, score float64, level string) error
	RecentByOwner(ctx context.Context, ownerID string, limit int) ([]Transaction, error)
}
