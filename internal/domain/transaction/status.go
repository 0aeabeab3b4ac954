package transaction

import (
	"github.com/cassiomorais/paygate/internal/domain/errors"
)

// Status is the lifecycle state shared by transactions and their payment legs.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
	StatusExpired    Status = "expired"
)

var transitions = map[Status][]Status{
	StatusPending: {
		StatusProcessing,
		StatusSuccess,
		StatusFailed,
		StatusCanceled,
		StatusExpired,
	},
	StatusProcessing: {
		StatusSuccess,
		StatusFailed,
		StatusCanceled,
		StatusExpired,
	},
	StatusSuccess:  {},
	StatusFailed:   {},
	StatusCanceled: {},
	StatusExpired:  {},
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCanceled || s == StatusExpired
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransitionTo checks the transition graph only; it does not treat same-status as allowed.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// resolve decides the outcome of applying next to current.
// Re-applying the current status is a no-op, as is a late "pending" after the row
// has already moved on. Anything else must follow the graph.
func resolve(entity string, current, next Status) (bool, error) {
	if !next.Valid() {
		return false, errors.NewValidationError("status", "unknown status "+string(next))
	}
	if current == next {
		return false, nil
	}
	if next == StatusPending {
		return false, nil
	}
	if !current.CanTransitionTo(next) {
		return false, errors.NewInvalidStateTransition(entity, string(current), string(next))
	}
	return true, nil
}

// ParseStatus converts a stored or user-supplied value.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", errors.NewValidationError("status", "unknown status "+s)
	}
	return st, nil
}

// Event types emitted on transaction lifecycle changes. Providers use the same names in callbacks.
const (
	EventCreated    = "payment.created"
	EventProcessing = "payment.processing"
	EventSucceeded  = "payment.succeeded"
	EventFailed     = "payment.failed"
	EventCanceled   = "payment.canceled"
	EventExpired    = "payment.expired"
)

var statusEvents = map[Status]string{
	StatusPending:    EventCreated,
	StatusProcessing: EventProcessing,
	StatusSuccess:    EventSucceeded,
	StatusFailed:     EventFailed,
	StatusCanceled:   EventCanceled,
	StatusExpired:    EventExpired,
}

// EventFor returns the event type announcing entry into s.
func EventFor(s Status) string {
	return statusEvents[s]
}

// IsKnownEvent reports whether eventType is one of the lifecycle events.
func IsKnownEvent(eventType string) bool {
	for _, e := range statusEvents {
		if e == eventType {
			return true
		}
	}
	return false
}
