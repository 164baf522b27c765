// Package tenanterr defines the error kinds shared by every tenant runtime
// component. Kinds are sentinel values compared with errors.Is, and
// carry enough structure (via errors.As on the typed wrappers) for the HTTP
// layer to translate them into status codes without inspecting messages.
package tenanterr

import (
	"errors"
	"fmt"
)

// Kind is a stable error classification, independent of the originating
// component or the human-readable message.
type Kind string

const (
	KindNotFound             Kind = "not_found"
	KindConflict             Kind = "conflict"
	KindNoDatabaseConfigured Kind = "no_database_configured"
	KindUnreachable          Kind = "unreachable"
	KindEmptySchema          Kind = "empty_schema"
	KindRepairFailed         Kind = "repair_failed"
	KindCipherError          Kind = "cipher_error"
	KindMissingKey           Kind = "missing_key"
	KindRefreshFailed        Kind = "refresh_failed"
	KindRevoked              Kind = "revoked"
	KindCancelled            Kind = "cancelled"
	KindTimeout              Kind = "timeout"
	KindInvalidInput         Kind = "invalid_input"
)

// Error is the common error shape: a kind, a human message, and an optional
// wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, tenanterr.NotFound) style sentinel comparisons
// by matching on Kind rather than identity.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Sentinel values for use with errors.Is(err, tenanterr.NotFound).
var (
	NotFound            = &Error{Kind: KindNotFound, Message: "not found"}
	Conflict            = &Error{Kind: KindConflict, Message: "conflict"}
	NoDatabaseConfigured = &Error{Kind: KindNoDatabaseConfigured, Message: "no database configured"}
	Unreachable         = &Error{Kind: KindUnreachable, Message: "unreachable"}
	EmptySchema         = &Error{Kind: KindEmptySchema, Message: "empty schema"}
	CipherError         = &Error{Kind: KindCipherError, Message: "cipher error"}
	MissingKey          = &Error{Kind: KindMissingKey, Message: "missing key"}
	RefreshFailed       = &Error{Kind: KindRefreshFailed, Message: "refresh failed"}
	Revoked             = &Error{Kind: KindRevoked, Message: "revoked"}
	Cancelled           = &Error{Kind: KindCancelled, Message: "cancelled"}
	Timeout             = &Error{Kind: KindTimeout, Message: "timeout"}
	InvalidInput        = &Error{Kind: KindInvalidInput, Message: "invalid input"}
)

// RepairFailed builds a kinded error identifying which repair step failed.
func RepairFailed(step string, cause error) *Error {
	return &Error{Kind: KindRepairFailed, Message: fmt.Sprintf("repair step %q failed", step), Cause: cause}
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, and ok=false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return "", false
}

// HTTPStatus maps a Kind to the HTTP status code the External Interfaces
// layer should respond with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return 404
	case KindConflict:
		return 409
	case KindInvalidInput:
		return 400
	case KindNoDatabaseConfigured:
		return 409
	case KindUnreachable, KindTimeout:
		return 503
	case KindEmptySchema:
		return 409
	case KindRepairFailed:
		return 500
	case KindCipherError, KindMissingKey:
		return 500
	case KindRefreshFailed:
		return 502
	case KindRevoked:
		return 401
	case KindCancelled:
		return 200
	default:
		return 500
	}
}
