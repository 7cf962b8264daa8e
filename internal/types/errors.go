package types

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind classifies an error for the wire. Each kind maps to a stable
// JSON-RPC error code.
type Kind string

const (
	KindValidation          Kind = "VALIDATION_ERROR"
	KindNotFound            Kind = "NOT_FOUND"
	KindNameExhaustion      Kind = "NAME_EXHAUSTION"
	KindContactBlocked      Kind = "CONTACT_BLOCKED"
	KindConsentRequired     Kind = "CONTACT_CONSENT_REQUIRED"
	KindReservationConflict Kind = "FILE_RESERVATION_CONFLICT"
	KindCommitFailed        Kind = "ARCHIVE_COMMIT_FAILED"
	KindInternal            Kind = "INTERNAL"
)

// Code returns the stable JSON-RPC error code for the kind.
func (k Kind) Code() int {
	switch k {
	case KindValidation:
		return -32001
	case KindNotFound:
		return -32002
	case KindNameExhaustion:
		return -32003
	case KindContactBlocked:
		return -32004
	case KindConsentRequired:
		return -32005
	case KindReservationConflict:
		return -32006
	case KindCommitFailed:
		return -32007
	default:
		return -32000
	}
}

// Error is a classified error. User-level policy failures travel as values
// of this type rather than panics or sentinel strings.
type Error struct {
	Kind          Kind
	Message       string
	CorrelationID string // set for INTERNAL only
	Err           error  // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error with a formatted message.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Internal wraps an unexpected error and tags it with a correlation id so
// the server log line and the wire error can be matched up.
func Internal(err error) *Error {
	return &Error{
		Kind:          KindInternal,
		Message:       "internal error",
		CorrelationID: uuid.NewString(),
		Err:           err,
	}
}

// KindOf extracts the kind from any error, defaulting to INTERNAL.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// AsError extracts the classified error, or wraps err as INTERNAL.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}
