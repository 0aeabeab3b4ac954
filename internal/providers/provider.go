package providers

import (
	"context"
	"net/http"

	"github.com/cassiomorais/paygate/internal/domain/transaction"
)

type Capabilities struct {
	Create    bool `json:"create_payment"`
	Cancel    bool `json:"cancel_payment"`
	Refund    bool `json:"refund_payment"`
	Recurring bool `json:"recurring_payment"`
}

type CreateRequest struct {
	Reference   string
	AmountMinor int64
	Currency    string
	Phone       string
	Email       string
	Description string
	CallbackURL string
	ReturnURL   string
	Metadata    map[string]any
}

type CreateResult struct {
	ExternalID        string
	ProviderReference string
	Status            transaction.Status
	ProviderData      map[string]any
}

// StatusResult is a poll answer. NotFound is distinct from a payment that is still pending.
type StatusResult struct {
	Status    transaction.Status
	RawStatus string
	NotFound  bool
	Raw       map[string]any
}

type CancelResult struct {
	Status transaction.Status
	Raw    map[string]any
}

type WebhookResult struct {
	Status            transaction.Status
	RawStatus         string
	ProviderReference string
}

// Adapter translates the canonical payment model to and from one provider's API.
type Adapter interface {
	// Name returns the provider name.
	Name() string
	// CreatePayment initiates a payment. Callers must invoke it at most once per transaction.
	CreatePayment(ctx context.Context, req CreateRequest) (*CreateResult, error)
	GetPaymentStatus(ctx context.Context, providerReference string) (*StatusResult, error)
	CancelPayment(ctx context.Context, providerReference string) (*CancelResult, error)
	ValidatePhoneNumber(phone string) bool
	// RequiresPhone reports whether CreatePayment needs a customer phone number.
	RequiresPhone() bool
	SupportedCurrencies() []string
	Capabilities() Capabilities
	// AmountLimits returns the configured minor-unit bounds; zero means unbounded.
	AmountLimits() (min, max int64)
	// ProcessWebhook normalizes a callback. It has no side effects.
	ProcessWebhook(payload map[string]any, headers http.Header) (*WebhookResult, error)
}

// Signer signs outbound requests and checks response signatures.
type Signer interface {
	Sign(provider, method, path, body string) (string, error)
	VerifyResponse(provider string, body []byte, sig string) bool
}
