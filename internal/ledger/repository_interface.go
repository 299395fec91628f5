package ledger

import "context"

type Journal interface {
	// Append writes the whole group atomically. If the reference was already
	// appended it returns the previously committed group and duplicate=true.
	Append(ctx context.Context, group *PostingGroup) (stored *PostingGroup, duplicate bool, err error)
	GetGroup(ctx context.Context, reference string) (*PostingGroup, error)
	EntriesFor(ctx context.Context, accountID string, limit, offset int) ([]Posting, error)
}
