package transaction

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for transaction persistence
type Repository interface {
	// Create inserts a new transaction; a duplicate reference yields DuplicateReferenceError.
	Create(ctx context.Context, t *Transaction) error

	// GetByID retrieves a non-retired transaction by ID
	GetByID(ctx context.Context, id uuid.UUID) (*Transaction, error)

	// GetByReference retrieves a transaction by its CKD_ reference
	GetByReference(ctx context.Context, reference string) (*Transaction, error)

	// ReferenceExists reports whether a reference is already taken, retired rows included
	ReferenceExists(ctx context.Context, reference string) (bool, error)

	// FindForUpdate locks the transaction whose reference or provider_reference equals ref.
	// Must be called inside a database transaction.
	FindForUpdate(ctx context.Context, ref string) (*Transaction, error)

	// LockByID locks a transaction row for the rest of the database transaction.
	LockByID(ctx context.Context, id uuid.UUID) (*Transaction, error)

	// Update persists mutable fields
	Update(ctx context.Context, t *Transaction) error

	// List lists transactions with filters; ordering is stable
	List(ctx context.Context, filter ListFilter) ([]*Transaction, error)

	// Count counts transactions matching filter, ignoring paging
	Count(ctx context.Context, filter ListFilter) (int64, error)

	// ListExpirable returns non-terminal rows past expires_at, skipping rows locked elsewhere.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]*Transaction, error)

	// ListSyncable returns pending/processing rows that have a provider reference
	ListSyncable(ctx context.Context, filter SyncFilter) ([]*Transaction, error)

	// RetireOlderThan soft-deletes rows created before cutoff; with dryRun it only counts.
	RetireOlderThan(ctx context.Context, cutoff time.Time, dryRun bool) (int64, error)
}

// PaymentRepository persists payment legs.
type PaymentRepository interface {
	GetByProviderPaymentID(ctx context.Context, transactionID uuid.UUID, providerPaymentID string) (*Payment, error)
	// Save inserts or updates keyed by (transaction_id, provider_payment_id)
	Save(ctx context.Context, p *Payment) error
	ListByTransaction(ctx context.Context, transactionID uuid.UUID) ([]*Payment, error)
}

// ListFilter defines filters for listing transactions
type ListFilter struct {
	Status         *Status
	Provider       *string
	Currency       *string
	From           *time.Time
	To             *time.Time
	MinAmount      *int64
	MaxAmount      *int64
	IncludeRetired bool
	Limit          int
	Offset         int
	SortBy         string
	SortOrder      string
}

// SyncFilter selects transactions for status reconciliation
type SyncFilter struct {
	Reference string
	Provider  string
	Limit     int
}
