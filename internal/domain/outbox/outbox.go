package outbox

import (
	"time"

	"github.com/cassiomorais/paygate/internal/domain/transaction"
	"github.com/google/uuid"
)

const (
	AggregateTransaction = "transaction"
	defaultMaxRetries    = 5
)

type Entry struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Payload       map[string]any
	Status        Status
	RetryCount    int
	MaxRetries    int
	CreatedAt     time.Time
	PublishedAt   *time.Time
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
)

func NewEntry(aggregateType string, aggregateID uuid.UUID, eventType string, payload map[string]any) *Entry {
	return &Entry{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       payload,
		Status:        StatusPending,
		MaxRetries:    defaultMaxRetries,
		CreatedAt:     time.Now().UTC(),
	}
}

// NewTransactionEvent builds the merchant notification for the transaction's current status.
// The payload never carries provider_data, which may hold sensitive provider fields.
func NewTransactionEvent(tx *transaction.Transaction) *Entry {
	payload := map[string]any{
		"transaction_id": tx.ID.String(),
		"reference":      tx.Reference,
		"provider":       tx.Provider,
		"status":         string(tx.Status),
		"amount":         tx.Amount.Minor,
		"amount_display": tx.Amount.Major(),
		"currency":       tx.Amount.Currency,
		"callback_url":   tx.CallbackURL,
		"occurred_at":    tx.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if tx.ProviderReference != nil {
		payload["provider_reference"] = *tx.ProviderReference
	}
	if tx.CompletedAt != nil {
		payload["completed_at"] = tx.CompletedAt.UTC().Format(time.RFC3339)
	}
	return NewEntry(AggregateTransaction, tx.ID, transaction.EventFor(tx.Status), payload)
}
