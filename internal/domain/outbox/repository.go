package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// Insert runs inside the same database transaction as the status change it announces.
	Insert(ctx context.Context, entry *Entry) error

	// GetPending skips rows locked by other publishers.
	GetPending(ctx context.Context, limit int) ([]*Entry, error)

	MarkPublished(ctx context.Context, id uuid.UUID) error

	// MarkFailed increments the retry count; the entry turns failed once max_retries is reached.
	MarkFailed(ctx context.Context, id uuid.UUID) error

	// PurgeSettled deletes published and failed entries created before the cutoff.
	// With dryRun it only counts them.
	PurgeSettled(ctx context.Context, before time.Time, dryRun bool) (int64, error)
}
