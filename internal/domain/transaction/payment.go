package transaction

import (
	"time"

	"github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/google/uuid"
)

const DefaultPaymentType = "payment"

// Payment is a single attempt or leg of money movement under a Transaction.
type Payment struct {
	ID                uuid.UUID
	TransactionID     uuid.UUID
	ProviderPaymentID string
	Type              string
	Method            string
	Amount            Amount
	Fees              int64
	ProviderFees      int64
	NetAmount         int64
	Status            Status
	ProviderData      map[string]any
	ProcessedAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NewPayment creates a payment leg for the given transaction.
func NewPayment(transactionID uuid.UUID, providerPaymentID, paymentType string, amount Amount, now time.Time) (*Payment, error) {
	if providerPaymentID == "" {
		return nil, errors.NewValidationError("provider_payment_id", "cannot be empty")
	}
	if amount.Minor < 0 {
		return nil, errors.NewValidationError("amount", "cannot be negative")
	}
	if paymentType == "" {
		paymentType = DefaultPaymentType
	}
	return &Payment{
		ID:                uuid.New(),
		TransactionID:     transactionID,
		ProviderPaymentID: providerPaymentID,
		Type:              paymentType,
		Amount:            amount,
		NetAmount:         amount.Minor,
		Status:            StatusPending,
		ProviderData:      make(map[string]any),
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// SetFees records fees and derives the net amount when the provider did not send one.
func (p *Payment) SetFees(fees, providerFees int64, netAmount *int64) {
	p.Fees = fees
	p.ProviderFees = providerFees
	if netAmount != nil {
		p.NetAmount = *netAmount
		return
	}
	p.NetAmount = p.Amount.Minor - fees
}

// ApplyStatus follows the same idempotent rule as Transaction.ApplyStatus.
func (p *Payment) ApplyStatus(next Status, now time.Time) (bool, error) {
	changed, err := resolve("payment", p.Status, next)
	if err != nil || !changed {
		return false, err
	}
	p.Status = next
	p.UpdatedAt = now
	if next.IsTerminal() && p.ProcessedAt == nil {
		processedAt := now
		p.ProcessedAt = &processedAt
	}
	return true, nil
}

// SyncWithParent forces a terminal parent status onto a still-open leg.
func (p *Payment) SyncWithParent(parent Status, now time.Time) bool {
	if !parent.IsTerminal() || p.Status.IsTerminal() {
		return false
	}
	changed, err := p.ApplyStatus(parent, now)
	return err == nil && changed
}

func (p *Payment) MergeProviderData(data map[string]any) {
	if p.ProviderData == nil {
		p.ProviderData = make(map[string]any, len(data))
	}
	for k, v := range data {
		p.ProviderData[k] = v
	}
}
