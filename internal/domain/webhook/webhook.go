package webhook

import (
	"net/http"
	"time"

	"github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/google/uuid"
)

// Status is the processing state of a received callback.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusIgnored    Status = "ignored"
)

const UnknownEventType = "unknown"

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusSuccess, StatusFailed, StatusIgnored},
	StatusProcessing: {StatusSuccess, StatusFailed, StatusIgnored},
	StatusFailed:     {StatusProcessing},
	StatusSuccess:    {},
	StatusIgnored:    {},
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Log is the audit and retry-control record of one inbound provider callback.
type Log struct {
	ID            uuid.UUID
	TransactionID *uuid.UUID
	PaymentID     *uuid.UUID
	Provider      string
	EventType     string
	Payload       []byte
	Headers       map[string]string
	Signature     string
	Status        Status
	ErrorMessage  string
	RetryCount    int
	NextRetryAt   *time.Time
	// Permanent marks a failure that replaying the stored body cannot fix.
	Permanent     bool
	ProcessedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewLog records a callback exactly as received. Headers are masked before storage.
func NewLog(provider string, payload []byte, headers http.Header, signature string, now time.Time) *Log {
	return &Log{
		ID:        uuid.New(),
		Provider:  provider,
		EventType: UnknownEventType,
		Payload:   payload,
		Headers:   SanitizeHeaders(headers),
		Signature: signature,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (l *Log) transition(next Status, now time.Time) error {
	if !l.Status.CanTransitionTo(next) {
		return errors.NewInvalidStateTransition("webhook", string(l.Status), string(next))
	}
	l.Status = next
	l.UpdatedAt = now
	return nil
}

// Start moves the log into processing.
func (l *Log) Start(now time.Time) error {
	return l.transition(StatusProcessing, now)
}

// Succeed marks the log processed and links it to what it touched.
func (l *Log) Succeed(transactionID, paymentID *uuid.UUID, now time.Time) error {
	if err := l.transition(StatusSuccess, now); err != nil {
		return err
	}
	l.link(transactionID, paymentID)
	l.ErrorMessage = ""
	l.NextRetryAt = nil
	l.ProcessedAt = &now
	return nil
}

// Ignore records a recognised event that is intentionally not applied.
func (l *Log) Ignore(reason string, now time.Time) error {
	if err := l.transition(StatusIgnored, now); err != nil {
		return err
	}
	l.ErrorMessage = reason
	l.ProcessedAt = &now
	return nil
}

// Fail records the error. A nil nextRetryAt makes the log due immediately.
func (l *Log) Fail(msg string, nextRetryAt *time.Time, now time.Time) error {
	if err := l.transition(StatusFailed, now); err != nil {
		return err
	}
	l.ErrorMessage = msg
	l.NextRetryAt = nextRetryAt
	return nil
}

// FailPermanently records an error and takes the log out of every retry path.
func (l *Log) FailPermanently(msg string, now time.Time) error {
	if err := l.Fail(msg, nil, now); err != nil {
		return err
	}
	l.Permanent = true
	return nil
}

func (l *Log) link(transactionID, paymentID *uuid.UUID) {
	if transactionID != nil {
		l.TransactionID = transactionID
	}
	if paymentID != nil {
		l.PaymentID = paymentID
	}
}

// Link attaches the transaction and payment ids resolved so far.
func (l *Log) Link(transactionID, paymentID *uuid.UUID) {
	l.link(transactionID, paymentID)
}

// CanRetry reports whether the log may be replayed at all.
func (l *Log) CanRetry(maxAttempts int) bool {
	return l.Status == StatusFailed && !l.Permanent && l.RetryCount < maxAttempts
}

// Eligible is the automatic retry predicate.
func (l *Log) Eligible(now time.Time, maxAttempts int) bool {
	if !l.CanRetry(maxAttempts) {
		return false
	}
	return l.NextRetryAt == nil || !l.NextRetryAt.After(now)
}

// IncrementRetry starts a new attempt.
func (l *Log) IncrementRetry(now time.Time) error {
	if err := l.transition(StatusProcessing, now); err != nil {
		return err
	}
	l.RetryCount++
	return nil
}
