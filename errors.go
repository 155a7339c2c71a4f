package dbkernel

import (
	"github.com/nexuskernel/dbkernel/internal/dberrors"
)

// Error and Kind re-export the internal taxonomy so callers can branch
// on failure class without importing an internal package.
type (
	Error = dberrors.Error
	Kind  = dberrors.Kind
)

const (
	KindConnectionFailure     = dberrors.KindConnectionFailure
	KindPoolTimeout           = dberrors.KindPoolTimeout
	KindFailoverFailure       = dberrors.KindFailoverFailure
	KindValidationFailure     = dberrors.KindValidationFailure
	KindTransactionFailure    = dberrors.KindTransactionFailure
	KindMigrationFailure      = dberrors.KindMigrationFailure
	KindSchemaVersionConflict = dberrors.KindSchemaVersionConflict
	KindTenantAccessDenied    = dberrors.KindTenantAccessDenied
	KindIsolationViolation    = dberrors.KindIsolationViolation
	KindHealthCheckFailure    = dberrors.KindHealthCheckFailure
	KindOperationNotSupported = dberrors.KindOperationNotSupported
)

// IsKind reports whether err (or anything it wraps) carries kind.
func IsKind(err error, kind Kind) bool {
	return dberrors.OfKind(err, kind)
}
