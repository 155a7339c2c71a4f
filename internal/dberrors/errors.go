// Package dberrors defines the stable error taxonomy shared by every
// dbkernel subsystem. Errors carry a Kind so callers can branch on failure
// class with errors.Is, plus optional Details for audit/debug context.
package dberrors

import (
	"errors"
	"fmt"
)

// Kind is a closed tag identifying the class of failure. It is never
// inferred from error text; every constructor site picks one explicitly.
type Kind string

const (
	KindConnectionFailure    Kind = "connection_failure"
	KindPoolTimeout          Kind = "pool_timeout"
	KindFailoverFailure      Kind = "failover_failure"
	KindValidationFailure    Kind = "validation_failure"
	KindTransactionFailure   Kind = "transaction_failure"
	KindMigrationFailure     Kind = "migration_failure"
	KindSchemaVersionConflict Kind = "schema_version_conflict"
	KindTenantAccessDenied   Kind = "tenant_access_denied"
	KindIsolationViolation   Kind = "isolation_violation"
	KindHealthCheckFailure   Kind = "health_check_failure"
	// KindOperationNotSupported marks operations a backend cannot perform
	// at all (PRIMARY backup/restore), as opposed to ones that failed.
	KindOperationNotSupported Kind = "operation_not_supported"
)

// Error is the concrete type every dbkernel package returns. Use New to
// build one and WithCause to attach an underlying cause.
type Error struct {
	Kind    Kind
	Message string
	// ID references the offending transaction/migration/connection so
	// retries and audits can locate the event.
	ID      string
	Details map[string]any
	cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) WithID(id string) *Error {
	e.ID = id
	return e
}

func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *Error) WithCause(cause error) *Error {
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s] (id=%s): %v", e.Kind, e.Message, e.ID, e.cause)
		}
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	if e.ID != "" {
		return fmt.Sprintf("%s [%s] (id=%s)", e.Kind, e.Message, e.ID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is supports errors.Is(err, dberrors.New(kind, "")) style sentinel checks
// by comparing Kind, not identity or message.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// OfKind reports whether err (or any error it wraps) is a *Error with the
// given Kind.
func OfKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// KindOf extracts the Kind from err, if it is (or wraps) a *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return "", false
	}
	return e.Kind, true
}
