// Package backend defines a uniform facade over exactly one database
// engine, plus the two concrete implementations the Coordinator is
// allowed to drive: PRIMARY (Postgres, via pgx) and LOCAL (SQLite, via
// modernc.org/sqlite). Callers depend on the Adapter interface only.
package backend

import (
	"context"
	"time"

	"github.com/nexuskernel/dbkernel/internal/dbmodel"
)

// Adapter is the contract every backend driver must satisfy. The
// Coordinator treats adapters as opaque: a successful
// Connect returns a live connection, Execute returns a populated
// QueryResult, and Transact atomically applies all operations or none.
type Adapter interface {
	Kind() dbmodel.BackendKind

	// Connect yields a CONNECTED connection or fails with a
	// dberrors.KindConnectionFailure error carrying the backend kind.
	Connect(ctx context.Context) (*dbmodel.Connection, error)

	// Disconnect is idempotent; subsequent IsConnected(conn) calls report false.
	Disconnect(ctx context.Context, conn *dbmodel.Connection) error

	// IsConnected reports live status without a round trip when possible.
	IsConnected(conn *dbmodel.Connection) bool

	// Ping performs a lightweight round trip used by the pool's health worker.
	Ping(ctx context.Context, conn *dbmodel.Connection) error

	// Execute runs a single operation (or raw query) and commits DML
	// immediately. query uses the canonical ":name" placeholder style;
	// the adapter translates it to the backend's native style.
	Execute(ctx context.Context, conn *dbmodel.Connection, op dbmodel.Operation) (*dbmodel.QueryResult, error)

	// Transact begins, applies each operation in order, and commits; on
	// any failure it attempts rollback and reports RollbackPerformed.
	Transact(ctx context.Context, conn *dbmodel.Connection, ops []dbmodel.Operation) (*dbmodel.TransactionResult, error)

	// Health reports availability, response time, connection counts and warnings.
	Health(ctx context.Context, conn *dbmodel.Connection) (*dbmodel.HealthMetrics, error)

	// Backup/Restore are file-level for LOCAL; PRIMARY reports
	// dberrors.KindOperationNotSupported rather than silently succeeding.
	Backup(ctx context.Context, conn *dbmodel.Connection, path string) (*dbmodel.BackupResult, error)
	Restore(ctx context.Context, conn *dbmodel.Connection, path string) (*dbmodel.RestoreResult, error)

	// Optimize is backend-specific: LOCAL updates stats and reclaims
	// space (PRAGMA optimize, then VACUUM); PRIMARY updates planner
	// statistics only (ANALYZE).
	Optimize(ctx context.Context, conn *dbmodel.Connection) (*dbmodel.OptimizationResult, error)

	// IsRetryable classifies a backend-native error against this
	// backend's retryable-fault vocabulary (deadlock, lock timeout,
	// serialization failure), used by the transaction coordinator's
	// retry loop.
	IsRetryable(err error) bool

	// Close releases any adapter-wide resources the adapter holds.
	Close(ctx context.Context) error
}

// BeginTx and the rest of the in-transaction surface are deliberately not
// part of Adapter: the Transaction Coordinator drives them through the
// backend-specific *Tx types returned by BeginTx below, kept in a small
// second interface so Adapter itself stays minimal and swappable.
type TxBeginner interface {
	BeginTx(ctx context.Context, conn *dbmodel.Connection, isolation IsolationLevel, readonly bool) (Tx, error)
}

// IsolationLevel selects the isolation a transaction runs under.
type IsolationLevel string

const (
	ReadUncommitted IsolationLevel = "read_uncommitted"
	ReadCommitted   IsolationLevel = "read_committed"
	RepeatableRead  IsolationLevel = "repeatable_read"
	Serializable    IsolationLevel = "serializable"
)

// Tx is a live backend transaction: operations execute against it, and it
// supports named savepoints so the Transaction Coordinator can implement
// nested(parent) without the backend knowing about nesting at all.
type Tx interface {
	Execute(ctx context.Context, op dbmodel.Operation) (*dbmodel.QueryResult, error)
	Savepoint(ctx context.Context, name string) error
	RollbackTo(ctx context.Context, name string) error
	ReleaseSavepoint(ctx context.Context, name string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// ConnectConfig carries the descriptor-level settings an adapter needs to
// dial. Pool/Coordinator own one per configured backend.
type ConnectConfig struct {
	// PRIMARY
	DSN string
	// LOCAL
	Path string

	ConnectTimeout time.Duration
}
