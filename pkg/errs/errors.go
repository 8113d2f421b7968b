package errs

import (
	"errors"
	"fmt"
)

const (
	CategoryMalformedEnvelope = "malformed_envelope"
	CategoryTransportWrite    = "transport_write"
	CategoryRendezvousTimeout = "rendezvous_timeout"
	CategoryHandlerPanic      = "handler_panic"
	CategoryConnectionClosed  = "connection_closed"
	CategoryQueueOverflow     = "queue_overflow"
	CategoryInvalidTrigger    = "invalid_trigger"
	CategoryInternal          = "internal"
)

// Sentinels for errors.Is checks. Matching is by category, so a detailed
// error built with NewError or Wrap still matches its sentinel.
var (
	ErrMalformedEnvelope = &Error{Category: CategoryMalformedEnvelope}
	ErrTransportWrite    = &Error{Category: CategoryTransportWrite}
	ErrNoResponse        = &Error{Category: CategoryRendezvousTimeout}
	ErrHandlerPanic      = &Error{Category: CategoryHandlerPanic}
	ErrConnectionClosed  = &Error{Category: CategoryConnectionClosed}
	ErrQueueOverflow     = &Error{Category: CategoryQueueOverflow}
	ErrInvalidTrigger    = &Error{Category: CategoryInvalidTrigger}
)

// Error represents a stable, categorized dispatch failure.
type Error struct {
	Category string
	Detail   string
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	msg := e.Category
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", e.Category, e.Detail)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}

	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports category equality so wrapped details still match the sentinels.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || e == nil || other == nil {
		return false
	}
	return e.Category == other.Category
}

// NewError creates a categorized error.
func NewError(category string, detail string) error {
	return &Error{Category: category, Detail: detail}
}

// Wrap attaches a category and detail to an underlying error. A nil err yields nil.
func Wrap(err error, category string, detail string) error {
	if err == nil {
		return nil
	}
	return &Error{Category: category, Detail: detail, Err: err}
}

// CategoryFromError returns the stable category for an error when available.
func CategoryFromError(err error) string {
	if err == nil {
		return ""
	}

	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Category
	}

	return CategoryInternal
}
