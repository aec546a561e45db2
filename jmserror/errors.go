// Package jmserror defines the error taxonomy surfaced by the messaging API.
package jmserror

import (
	"errors"
	"fmt"
)

// Code identifies the category of a messaging error
type Code uint16

// Error code constants
const (
	// SelectorSyntax - Used when a message selector cannot be parsed
	SelectorSyntax Code = 400

	// InvalidDestination - Used for unknown destination kinds, empty names, or operations not legal for the kind
	InvalidDestination Code = 404

	// IllegalState - Used for reentrant close/commit/rollback, closed objects, and wrong ack modes
	IllegalState Code = 406

	// TransactionRolledBack - Used when a commit failed and the transaction was discarded
	TransactionRolledBack Code = 409

	// MessageFormat - Used for invalid property names/values or reading a body as the wrong kind
	MessageFormat Code = 415

	// InvalidArgument - Used for out-of-range priorities and delivery modes
	InvalidArgument Code = 422

	// ProviderInternal - Used for transport failures and unsupported provider features
	ProviderInternal Code = 500

	// UnsupportedOperation - Used for destination-less sends and sends that contradict the producer's binding
	UnsupportedOperation Code = 501
)

// Code returns the error code as a uint16
func (c Code) Code() uint16 {
	return uint16(c)
}

// String returns the error string representation of the Code
func (c Code) String() string {
	switch c {
	case SelectorSyntax:
		return "INVALID_SELECTOR"
	case InvalidDestination:
		return "INVALID_DESTINATION"
	case IllegalState:
		return "ILLEGAL_STATE"
	case TransactionRolledBack:
		return "TRANSACTION_ROLLED_BACK"
	case MessageFormat:
		return "MESSAGE_FORMAT"
	case InvalidArgument:
		return "INVALID_ARGUMENT"
	case ProviderInternal:
		return "PROVIDER_INTERNAL"
	case UnsupportedOperation:
		return "UNSUPPORTED_OPERATION"
	default:
		return "UNKNOWN_ERROR"
	}
}

// Error is the concrete error type returned by the messaging API.
// Two errors match under errors.Is when their codes are equal, so callers
// can test against the sentinels below.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is
var (
	ErrSelectorSyntax        = &Error{Code: SelectorSyntax}
	ErrInvalidDestination    = &Error{Code: InvalidDestination}
	ErrIllegalState          = &Error{Code: IllegalState}
	ErrTransactionRolledBack = &Error{Code: TransactionRolledBack}
	ErrMessageFormat         = &Error{Code: MessageFormat}
	ErrInvalidArgument       = &Error{Code: InvalidArgument}
	ErrProviderInternal      = &Error{Code: ProviderInternal}
	ErrUnsupportedOperation  = &Error{Code: UnsupportedOperation}
)

// New creates an error with a formatted message
func New(code Code, format string, a ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, a...)}
}

// Wrap creates an error that carries cause. A nil cause yields nil.
func Wrap(code Code, cause error, format string, a ...any) error {
	if cause == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, a...), Err: cause}
}

// Provider wraps a transport failure. Errors that already carry a code are
// returned unchanged.
func Provider(cause error, format string, a ...any) error {
	if cause == nil {
		return nil
	}
	var e *Error
	if errors.As(cause, &e) {
		return cause
	}
	return Wrap(ProviderInternal, cause, format, a...)
}

// CodeOf returns the code of the first *Error in err's chain, or 0
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}
