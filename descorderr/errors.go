// Package descorderr defines the error taxonomy shared by every core
// component: a small set of abstract kinds a caller can branch on,
// wrapping an underlying cause via github.com/pkg/errors.
package descorderr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the abstract error categories surfaced to callers.
type Kind uint8

const (
	Unknown Kind = iota
	NotFound
	AlreadyExists
	InvalidOperation
	Permission
	InvalidSignature
	Membership
	FutureEpoch
	Duplicate
	Rejected
	Crypto
	Storage
	Network
	DhtQuorum
	QueueFull
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case AlreadyExists:
		return "AlreadyExists"
	case InvalidOperation:
		return "InvalidOperation"
	case Permission:
		return "Permission"
	case InvalidSignature:
		return "InvalidSignature"
	case Membership:
		return "Membership"
	case FutureEpoch:
		return "FutureEpoch"
	case Duplicate:
		return "Duplicate"
	case Rejected:
		return "Rejected"
	case Crypto:
		return "Crypto"
	case Storage:
		return "Storage"
	case Network:
		return "Network"
	case DhtQuorum:
		return "DhtQuorum"
	case QueueFull:
		return "QueueFull"
	default:
		return "Unknown"
	}
}

// Error is the single concrete error type every component returns.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error with no underlying cause.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error that carries an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: errors.WithStack(cause)}
}

// Is reports whether err is a *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the Kind of err, or Unknown if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}
