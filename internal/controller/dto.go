package controller

import (
	"encoding/json"
	"time"

	"github.com/cassiomorais/paygate/internal/domain/transaction"
	"github.com/cassiomorais/paygate/internal/domain/webhook"
	"github.com/cassiomorais/paygate/internal/service"
)

// --- Request DTOs ---
// Amounts travel as integer minor units. Controllers convert these to service inputs.

type CreatePaymentRequest struct {
	Provider    string         `json:"provider" validate:"omitempty,max=50"`
	Amount      int64          `json:"amount" validate:"required,gt=0"`
	Currency    string         `json:"currency" validate:"required,len=3"`
	Phone       string         `json:"phone" validate:"omitempty,max=20"`
	Email       string         `json:"email" validate:"omitempty,email"`
	Description string         `json:"description" validate:"max=255"`
	CallbackURL string         `json:"callback_url" validate:"omitempty,url"`
	ReturnURL   string         `json:"return_url" validate:"omitempty,url"`
	Metadata    map[string]any `json:"metadata"`
}

func (r CreatePaymentRequest) toInput() service.CreatePaymentInput {
	return service.CreatePaymentInput{
		Provider:    r.Provider,
		Amount:      r.Amount,
		Currency:    r.Currency,
		Phone:       r.Phone,
		Email:       r.Email,
		Description: r.Description,
		CallbackURL: r.CallbackURL,
		ReturnURL:   r.ReturnURL,
		Metadata:    r.Metadata,
	}
}

type CancelPaymentRequest struct {
	Reason string `json:"reason" validate:"max=255"`
}

type ValidatePhoneRequest struct {
	Provider string `json:"provider" validate:"required"`
	Phone    string `json:"phone" validate:"required,max=20"`
}

// --- Response DTOs ---

type TransactionResponse struct {
	ID                string         `json:"id"`
	Reference         string         `json:"reference"`
	Provider          string         `json:"provider"`
	Status            string         `json:"status"`
	Amount            int64          `json:"amount"`
	AmountDisplay     string         `json:"amount_display"`
	Currency          string         `json:"currency"`
	Phone             string         `json:"phone,omitempty"`
	Email             string         `json:"email,omitempty"`
	Description       string         `json:"description,omitempty"`
	CallbackURL       string         `json:"callback_url,omitempty"`
	ReturnURL         string         `json:"return_url,omitempty"`
	ProviderReference *string        `json:"provider_reference,omitempty"`
	ExternalID        *string        `json:"external_id,omitempty"`
	PaymentURL        string         `json:"payment_url,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	Payments          []LegResponse  `json:"payments,omitempty"`
	ExpiresAt         time.Time      `json:"expires_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

type LegResponse struct {
	ID                string     `json:"id"`
	ProviderPaymentID string     `json:"provider_payment_id"`
	Type              string     `json:"type"`
	Method            string     `json:"payment_method,omitempty"`
	Amount            int64      `json:"amount"`
	Fees              int64      `json:"fees"`
	ProviderFees      int64      `json:"provider_fees"`
	NetAmount         int64      `json:"net_amount"`
	Currency          string     `json:"currency"`
	Status            string     `json:"status"`
	ProcessedAt       *time.Time `json:"processed_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

type StatusResponse struct {
	ID          string     `json:"id"`
	Reference   string     `json:"reference"`
	Provider    string     `json:"provider"`
	Status      string     `json:"status"`
	Changed     bool       `json:"changed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type ListResponse[T any] struct {
	Data   []T   `json:"data"`
	Total  int64 `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

type WebhookLogResponse struct {
	ID            string            `json:"id"`
	Provider      string            `json:"provider"`
	EventType     string            `json:"event_type"`
	Status        string            `json:"status"`
	TransactionID *string           `json:"transaction_id,omitempty"`
	PaymentID     *string           `json:"payment_id,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	RetryCount    int               `json:"retry_count"`
	NextRetryAt   *time.Time        `json:"next_retry_at,omitempty"`
	Permanent     bool              `json:"permanent,omitempty"`
	ProcessedAt   *time.Time        `json:"processed_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	Headers       map[string]string `json:"headers,omitempty"`
	Payload       any               `json:"payload,omitempty"`
}

type WebhookLogPage struct {
	Data   []WebhookLogResponse `json:"data"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
}

type WebhookAckResponse struct {
	Status            string `json:"status"`
	LogID             string `json:"log_id,omitempty"`
	TransactionStatus string `json:"transaction_status,omitempty"`
}

type RetryFailedResponse struct {
	Retried int `json:"retried"`
}

type PhoneValidationResponse struct {
	Provider string `json:"provider"`
	Phone    string `json:"phone"`
	Valid    bool   `json:"valid"`
}

type CurrenciesResponse struct {
	Provider   string   `json:"provider,omitempty"`
	Currencies []string `json:"currencies"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Field     string `json:"field,omitempty"`
	Reference string `json:"reference,omitempty"`
}

// --- Conversion helpers ---

func FromTransaction(t *transaction.Transaction) TransactionResponse {
	resp := TransactionResponse{
		ID:                t.ID.String(),
		Reference:         t.Reference,
		Provider:          t.Provider,
		Status:            string(t.Status),
		Amount:            t.Amount.Minor,
		AmountDisplay:     t.Amount.Major(),
		Currency:          t.Amount.Currency,
		Phone:             t.Phone,
		Email:             t.Email,
		Description:       t.Description,
		CallbackURL:       t.CallbackURL,
		ReturnURL:         t.ReturnURL,
		ProviderReference: t.ProviderReference,
		ExternalID:        t.ExternalID,
		Metadata:          t.Metadata,
		ExpiresAt:         t.ExpiresAt,
		CompletedAt:       t.CompletedAt,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
	}
	// provider_data is opaque and may hold secrets; only the redirect URL is exposed.
	if u, ok := t.ProviderData["payment_url"].(string); ok {
		resp.PaymentURL = u
	}
	return resp
}

func FromDetails(d *service.PaymentDetails) TransactionResponse {
	resp := FromTransaction(d.Transaction)
	for _, p := range d.Payments {
		resp.Payments = append(resp.Payments, FromLeg(p))
	}
	return resp
}

func FromLeg(p *transaction.Payment) LegResponse {
	return LegResponse{
		ID:                p.ID.String(),
		ProviderPaymentID: p.ProviderPaymentID,
		Type:              p.Type,
		Method:            p.Method,
		Amount:            p.Amount.Minor,
		Fees:              p.Fees,
		ProviderFees:      p.ProviderFees,
		NetAmount:         p.NetAmount,
		Currency:          p.Amount.Currency,
		Status:            string(p.Status),
		ProcessedAt:       p.ProcessedAt,
		CreatedAt:         p.CreatedAt,
	}
}

func FromStatus(t *transaction.Transaction, changed bool) StatusResponse {
	return StatusResponse{
		ID:          t.ID.String(),
		Reference:   t.Reference,
		Provider:    t.Provider,
		Status:      string(t.Status),
		Changed:     changed,
		CompletedAt: t.CompletedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

// FromWebhookLog renders a log. Detail views add headers and the decoded payload
// with sensitive fields masked; undecodable payloads are withheld.
func FromWebhookLog(l *webhook.Log, detail bool, sensitiveFields []string) WebhookLogResponse {
	resp := WebhookLogResponse{
		ID:           l.ID.String(),
		Provider:     l.Provider,
		EventType:    l.EventType,
		Status:       string(l.Status),
		ErrorMessage: l.ErrorMessage,
		RetryCount:   l.RetryCount,
		NextRetryAt:  l.NextRetryAt,
		Permanent:    l.Permanent,
		ProcessedAt:  l.ProcessedAt,
		CreatedAt:    l.CreatedAt,
	}
	if l.TransactionID != nil {
		s := l.TransactionID.String()
		resp.TransactionID = &s
	}
	if l.PaymentID != nil {
		s := l.PaymentID.String()
		resp.PaymentID = &s
	}
	if detail {
		resp.Headers = l.Headers
		var payload map[string]any
		if err := json.Unmarshal(l.Payload, &payload); err == nil {
			resp.Payload = webhook.SanitizePayload(payload, sensitiveFields)
		}
	}
	return resp
}
