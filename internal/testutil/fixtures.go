package testutil

import (
	"time"

	"github.com/cassiomorais/paygate/internal/domain/transaction"
	"github.com/google/uuid"
)

// NewTestTransaction returns a pending transaction created now that expires in 30 minutes.
func NewTestTransaction(provider string, amountMinor int64, currency string) *transaction.Transaction {
	now := time.Now().UTC()
	ref, err := transaction.GenerateReference()
	if err != nil {
		panic(err)
	}
	return &transaction.Transaction{
		ID:           uuid.New(),
		Reference:    ref,
		Provider:     provider,
		Amount:       transaction.Amount{Minor: amountMinor, Currency: currency},
		Phone:        "+22607123456",
		CallbackURL:  "https://merchant.example.com/callback",
		Metadata:     make(map[string]any),
		ProviderData: make(map[string]any),
		Status:       transaction.StatusPending,
		ExpiresAt:    now.Add(transaction.DefaultTimeout),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// NewAcknowledgedTransaction returns a pending transaction the provider has accepted.
func NewAcknowledgedTransaction(provider string, amountMinor int64, currency, providerRef string) *transaction.Transaction {
	t := NewTestTransaction(provider, amountMinor, currency)
	t.ProviderReference = &providerRef
	return t
}

// NewExpiredTransaction returns an open transaction whose expires_at has passed.
func NewExpiredTransaction(provider string, amountMinor int64, currency string) *transaction.Transaction {
	t := NewTestTransaction(provider, amountMinor, currency)
	t.CreatedAt = t.CreatedAt.Add(-time.Hour)
	t.ExpiresAt = t.CreatedAt.Add(transaction.DefaultTimeout)
	return t
}
