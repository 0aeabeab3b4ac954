package transaction

import (
	"crypto/rand"
	"math/big"
	"regexp"
	"time"

	"github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/google/uuid"
)

const (
	ReferencePrefix = "CKD_"
	referenceLength = 12
	referenceChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	DefaultTimeout = 30 * time.Minute
)

// ReferencePattern matches references produced by GenerateReference.
var ReferencePattern = regexp.MustCompile(`^CKD_[A-Z0-9]{12}$`)

// Transaction is the top-level payment intent tracked end to end.
type Transaction struct {
	ID                uuid.UUID
	Reference         string
	Provider          string
	ExternalID        *string
	ProviderReference *string
	Amount            Amount
	Phone             string
	Email             string
	Description       string
	CallbackURL       string
	ReturnURL         string
	Metadata          map[string]any
	ProviderData      map[string]any
	Status            Status
	ExpiresAt         time.Time
	CompletedAt       *time.Time
	RetiredAt         *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NewTransactionParams holds the caller-supplied fields of a new transaction.
type NewTransactionParams struct {
	Reference   string
	Provider    string
	Amount      Amount
	Phone       string
	Email       string
	Description string
	CallbackURL string
	ReturnURL   string
	Metadata    map[string]any
}

// NewTransaction creates a pending transaction that expires after timeout.
func NewTransaction(p NewTransactionParams, timeout time.Duration, now time.Time) (*Transaction, error) {
	if err := p.Amount.Validate(); err != nil {
		return nil, err
	}
	if !ReferencePattern.MatchString(p.Reference) {
		return nil, errors.NewValidationError("reference", "must match "+ReferencePattern.String())
	}
	if p.Provider == "" {
		return nil, errors.NewValidationError("provider", "cannot be empty")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	metadata := p.Metadata
	if metadata == nil {
		metadata = make(map[string]any)
	}

	return &Transaction{
		ID:           uuid.New(),
		Reference:    p.Reference,
		Provider:     p.Provider,
		Amount:       p.Amount,
		Phone:        p.Phone,
		Email:        p.Email,
		Description:  p.Description,
		CallbackURL:  p.CallbackURL,
		ReturnURL:    p.ReturnURL,
		Metadata:     metadata,
		ProviderData: make(map[string]any),
		Status:       StatusPending,
		ExpiresAt:    now.Add(timeout),
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// GenerateReference returns a new CKD_ reference. Uniqueness is checked by the caller.
func GenerateReference() (string, error) {
	buf := make([]byte, referenceLength)
	size := big.NewInt(int64(len(referenceChars)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", err
		}
		buf[i] = referenceChars[n.Int64()]
	}
	return ReferencePrefix + string(buf), nil
}

// ApplyStatus moves the transaction to next following the idempotent transition rule.
// It reports whether anything changed. completed_at is set once, on entering a terminal state.
func (t *Transaction) ApplyStatus(next Status, now time.Time) (bool, error) {
	changed, err := resolve("transaction", t.Status, next)
	if err != nil || !changed {
		return false, err
	}
	t.Status = next
	t.UpdatedAt = now
	if next.IsTerminal() && t.CompletedAt == nil {
		completedAt := now
		t.CompletedAt = &completedAt
	}
	return true, nil
}

// MarkFailed fails the transaction and records the reason in metadata.
func (t *Transaction) MarkFailed(reason string, now time.Time) error {
	if _, err := t.ApplyStatus(StatusFailed, now); err != nil {
		return err
	}
	t.setMeta("failure_reason", reason)
	return nil
}

// MarkCanceled cancels the transaction and records the reason in metadata.
func (t *Transaction) MarkCanceled(reason string, now time.Time) error {
	if !t.CanBeCanceled(now) {
		return errors.NewInvalidStateTransition("transaction", string(t.Status), string(StatusCanceled))
	}
	if _, err := t.ApplyStatus(StatusCanceled, now); err != nil {
		return err
	}
	if reason != "" {
		t.setMeta("cancel_reason", reason)
	}
	return nil
}

// MarkExpired expires a non-terminal transaction. It is a no-op on terminal rows.
func (t *Transaction) MarkExpired(now time.Time) (bool, error) {
	if t.IsFinal() {
		return false, nil
	}
	return t.ApplyStatus(StatusExpired, now)
}

// AttachProvider records the provider's acknowledgement of the payment.
func (t *Transaction) AttachProvider(externalID, providerReference string, data map[string]any, now time.Time) {
	if externalID != "" {
		t.ExternalID = &externalID
	}
	if providerReference != "" && t.ProviderReference == nil {
		t.ProviderReference = &providerReference
	}
	t.MergeProviderData(data)
	t.UpdatedAt = now
}

// MergeProviderData adds keys from data without dropping existing ones.
func (t *Transaction) MergeProviderData(data map[string]any) {
	if t.ProviderData == nil {
		t.ProviderData = make(map[string]any, len(data))
	}
	for k, v := range data {
		t.ProviderData[k] = v
	}
}

func (t *Transaction) setMeta(key string, value any) {
	if t.Metadata == nil {
		t.Metadata = make(map[string]any)
	}
	t.Metadata[key] = value
}

// RecordError keeps the last provider error without changing status.
func (t *Transaction) RecordError(msg string, now time.Time) {
	t.setMeta("last_error", msg)
	t.UpdatedAt = now
}

// IsFinal reports whether the transaction is in a terminal state.
func (t *Transaction) IsFinal() bool {
	return t.Status.IsTerminal()
}

// IsExpired reports whether expires_at has passed.
func (t *Transaction) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

func (t *Transaction) CanBeCanceled(now time.Time) bool {
	return !t.IsFinal() && !t.IsExpired(now)
}

// Retire logically removes the transaction from default queries.
func (t *Transaction) Retire(now time.Time) {
	if t.RetiredAt == nil {
		t.RetiredAt = &now
	}
}
