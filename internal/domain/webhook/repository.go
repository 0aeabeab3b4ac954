package webhook

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for webhook log persistence
type Repository interface {
	Create(ctx context.Context, l *Log) error
	GetByID(ctx context.Context, id uuid.UUID) (*Log, error)

	// LockByID locks the log row; must be called inside a database transaction.
	LockByID(ctx context.Context, id uuid.UUID) (*Log, error)

	Update(ctx context.Context, l *Log) error
	List(ctx context.Context, filter ListFilter) ([]*Log, error)

	// ListRetryable returns failed logs matching the retry predicate, oldest first.
	ListRetryable(ctx context.Context, filter RetryFilter) ([]*Log, error)

	// DeleteOlderThan purges logs created before cutoff; with dryRun it only counts.
	DeleteOlderThan(ctx context.Context, cutoff time.Time, dryRun bool) (int64, error)
}

// ListFilter defines filters for the admin listing
type ListFilter struct {
	Status   *Status
	Provider *string
	Limit    int
	Offset   int
}

// RetryFilter selects logs due for an automatic retry
type RetryFilter struct {
	Provider    string
	MaxAttempts int
	Now         time.Time
	Limit       int
}
