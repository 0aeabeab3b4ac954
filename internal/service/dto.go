package service

import (
	"time"

	"github.com/cassiomorais/paygate/internal/domain/apikey"
	"github.com/cassiomorais/paygate/internal/domain/transaction"
	"github.com/cassiomorais/paygate/internal/domain/webhook"
	"github.com/cassiomorais/paygate/internal/providers"
	"github.com/google/uuid"
)

// CreatePaymentInput is what a merchant asks for. Controllers convert their HTTP DTOs to this type.
type CreatePaymentInput struct {
	Provider    string         `json:"provider"`
	Amount      int64          `json:"amount" validate:"gt=0"` // minor units
	Currency    string         `json:"currency" validate:"required,len=3,alpha"`
	Phone       string         `json:"phone" validate:"omitempty,max=20"`
	Email       string         `json:"email" validate:"omitempty,email"`
	Description string         `json:"description" validate:"max=255"`
	CallbackURL string         `json:"callback_url" validate:"omitempty,url"`
	ReturnURL   string         `json:"return_url" validate:"omitempty,url"`
	Metadata    map[string]any `json:"metadata"`
}

// PaymentDetails is a transaction with its payment legs.
type PaymentDetails struct {
	Transaction *transaction.Transaction
	Payments    []*transaction.Payment
}

type PaymentList struct {
	Items  []*transaction.Transaction
	Total  int64
	Limit  int
	Offset int
}

// SyncReport summarises a reconciliation pass.
type SyncReport struct {
	Synced  int `json:"synced"`
	Changed int `json:"changed"`
	Failed  int `json:"failed"`
}

type CleanupInput struct {
	Days   int
	DryRun bool
}

type CleanupReport struct {
	Cutoff                 time.Time `json:"cutoff"`
	DryRun                 bool      `json:"dry_run"`
	TransactionsRetired    int64     `json:"transactions_retired"`
	WebhookLogsDeleted     int64     `json:"webhook_logs_deleted"`
	OutboxEventsDeleted    int64     `json:"outbox_events_deleted"`
	IdempotencyKeysDeleted int64     `json:"idempotency_keys_deleted"`
}

type ProviderInfo struct {
	Name          string                 `json:"name"`
	Currencies    []string               `json:"currencies"`
	Capabilities  providers.Capabilities `json:"capabilities"`
	RequiresPhone bool                   `json:"requires_phone"`
	MinAmount     int64                  `json:"min_amount,omitempty"`
	MaxAmount     int64                  `json:"max_amount,omitempty"`
}

// WebhookOutcome describes what processing a callback did.
type WebhookOutcome struct {
	LogID             uuid.UUID
	Status            webhook.Status
	TransactionID     *uuid.UUID
	PaymentID         *uuid.UUID
	TransactionStatus transaction.Status
	Changed           bool
}

type GenerateKeyInput struct {
	Name        string
	Environment apikey.Environment
	Scopes      []string
	RateLimit   int
	ExpiresIn   time.Duration
}
