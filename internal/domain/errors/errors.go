package errors

import (
	"errors"
	"fmt"
)

var (
	// Transaction errors
	ErrTransactionNotFound    = errors.New("transaction not found")
	ErrPaymentNotFound        = errors.New("payment not found")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidCurrency        = errors.New("invalid currency")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrDuplicateReference     = errors.New("duplicate reference")
	ErrPaymentExpired         = errors.New("payment has expired")

	// Provider errors
	ErrProviderNotFound       = errors.New("payment provider not found")
	ErrProviderUnavailable    = errors.New("payment provider unavailable")
	ErrProviderRejected       = errors.New("payment rejected by provider")
	ErrProviderTimeout        = errors.New("provider request timeout")
	ErrCapabilityNotSupported = errors.New("operation not supported by provider")

	// Webhook errors
	ErrWebhookNotFound     = errors.New("webhook log not found")
	ErrInvalidSignature    = errors.New("invalid webhook signature")
	ErrReferenceNotFound   = errors.New("reference not found")
	ErrMalformedPayload    = errors.New("malformed webhook payload")
	ErrWebhookNotRetryable = errors.New("webhook cannot be retried")
	ErrMaxRetriesExceeded  = errors.New("max retries exceeded")
	ErrConfiguration       = errors.New("configuration error")

	// Idempotency errors
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// API key errors
	ErrAPIKeyNotFound = errors.New("api key not found")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrRateLimited    = errors.New("rate limit exceeded")

	// Lock errors
	ErrLockAcquisitionFailed = errors.New("failed to acquire lock")

	// Validation errors
	ErrValidationFailed = errors.New("validation failed")
	ErrInvalidInput     = errors.New("invalid input")
)

// DomainError wraps errors with additional context
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// ConfigurationError reports missing or invalid provider credentials and secrets.
type ConfigurationError struct {
	Provider string
	Key      string
	Message  string
}

func (e *ConfigurationError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("configuration error for provider %s: %s %s", e.Provider, e.Key, e.Message)
	}
	return fmt.Sprintf("configuration error: %s %s", e.Key, e.Message)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

func NewConfigurationError(provider, key, message string) *ConfigurationError {
	return &ConfigurationError{Provider: provider, Key: key, Message: message}
}

// UnknownProviderError is returned when a provider name is not registered.
type UnknownProviderError struct {
	Provider string
}

func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("unknown provider %q", e.Provider)
}

func (e *UnknownProviderError) Unwrap() error { return ErrProviderNotFound }

// InvalidStateTransitionError reports an attempt to leave a terminal state or move backwards.
type InvalidStateTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("cannot transition %s from %s to %s", e.Entity, e.From, e.To)
}

func (e *InvalidStateTransitionError) Unwrap() error { return ErrInvalidStateTransition }

func NewInvalidStateTransition(entity, from, to string) *InvalidStateTransitionError {
	return &InvalidStateTransitionError{Entity: entity, From: from, To: to}
}

// DuplicateReferenceError is returned when a generated reference already exists.
type DuplicateReferenceError struct {
	Reference string
}

func (e *DuplicateReferenceError) Error() string {
	return fmt.Sprintf("reference %s already exists", e.Reference)
}

func (e *DuplicateReferenceError) Unwrap() error { return ErrDuplicateReference }

// ProviderError carries upstream failure context. Timeout marks an ambiguous outcome:
// the provider may or may not have acted on the request.
type ProviderError struct {
	Provider   string
	Operation  string
	StatusCode int
	Message    string
	Timeout    bool
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s %s failed", e.Provider, e.Operation)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *ProviderError) Unwrap() []error {
	errs := []error{ErrProviderRejected}
	if e.Timeout {
		errs = []error{ErrProviderTimeout}
	}
	if e.StatusCode == 503 {
		errs = append(errs, ErrProviderUnavailable)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Retryable reports whether the failure is ambiguous and safe to reconcile later.
func (e *ProviderError) Retryable() bool {
	return e.Timeout
}

// SignatureVerificationError means a webhook was rejected before any state was touched.
type SignatureVerificationError struct {
	Provider string
	Reason   string
}

func (e *SignatureVerificationError) Error() string {
	return fmt.Sprintf("signature verification failed for %s: %s", e.Provider, e.Reason)
}

func (e *SignatureVerificationError) Unwrap() error { return ErrInvalidSignature }

// WebhookReferenceNotFoundError is retryable: the transaction may not be committed yet.
type WebhookReferenceNotFoundError struct {
	Reference string
}

func (e *WebhookReferenceNotFoundError) Error() string {
	if e.Reference == "" {
		return "reference not found in webhook payload"
	}
	return fmt.Sprintf("transaction not found for reference: %s", e.Reference)
}

func (e *WebhookReferenceNotFoundError) Unwrap() error { return ErrReferenceNotFound }
