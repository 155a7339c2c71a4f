// Package dbmodel holds the shared record types passed between every
// dbkernel subsystem: operations, results, health metrics and connection
// descriptors. None of these types carry behavior beyond small accessors —
// they are the wire format between the Coordinator, Pool, Transaction
// Coordinator, Migration Engine and Tenant Access Controller.
package dbmodel

import (
	"time"

	"github.com/nexuskernel/dbkernel/internal/dberrors"
)

// BackendKind identifies which configured engine a value belongs to.
type BackendKind string

const (
	Primary BackendKind = "primary"
	Local   BackendKind = "local"
)

// ConnectionStatus is the lifecycle state of a pooled Connection.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusFailed       ConnectionStatus = "failed"
	StatusReconnecting ConnectionStatus = "reconnecting"
)

// Connection is a handle identified by a stable opaque id, carrying the
// backend it belongs to, its lifecycle status, and a descriptor (host+db
// for PRIMARY, filesystem path for LOCAL).
type Connection struct {
	ID         string
	Backend    BackendKind
	Status     ConnectionStatus
	CreatedAt  time.Time
	LastUsedAt time.Time
	Descriptor string

	// Native is the backend-specific handle (*sql.DB for LOCAL, *pgx.Conn
	// for PRIMARY); adapters type-assert it back to their own concrete type.
	Native any
}

// IsHealthy reports whether the connection's status alone indicates it can
// be used. The pool applies a fuller validation rule internally, which
// also checks age, idle time and health-check history.
func (c *Connection) IsHealthy() bool {
	return c.Status == StatusConnected
}

// MarkUsed stamps LastUsedAt to now.
func (c *Connection) MarkUsed(now time.Time) {
	c.LastUsedAt = now
}

// ConnectionMetrics are the per-connection counters: total uses,
// accumulated active time, last health check outcome and a
// decaying/recovering performance score.
type ConnectionMetrics struct {
	TotalUses           int64
	TotalActiveTime      time.Duration
	LastHealthCheck      time.Time
	HealthCheckFailures  int
	PerformanceScore     float64 // clamped to [0.1, 1.0]
}

const (
	MinPerformanceScore = 0.1
	MaxPerformanceScore = 1.0
)

// ApplyResponseTime decays or recovers PerformanceScore: the score decays
// on slow responses (>1s) and recovers on fast ones (<0.1s).
func (m *ConnectionMetrics) ApplyResponseTime(d time.Duration) {
	switch {
	case d > time.Second:
		m.PerformanceScore -= 0.05
	case d < 100*time.Millisecond:
		m.PerformanceScore += 0.01
	}
	if m.PerformanceScore > MaxPerformanceScore {
		m.PerformanceScore = MaxPerformanceScore
	}
	if m.PerformanceScore < MinPerformanceScore {
		m.PerformanceScore = MinPerformanceScore
	}
}

// OperationKind is the closed tag set for Operation.Kind.
type OperationKind string

const (
	OpInsert OperationKind = "insert"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
	OpSelect OperationKind = "select"
	OpRaw    OperationKind = "raw"
	OpDDL    OperationKind = "ddl"
)

// Operation is a tagged record describing one unit of work inside a
// transaction, or a standalone statement executed through the Coordinator.
type Operation struct {
	Kind       OperationKind
	Table      string
	Data       map[string]any
	Conditions map[string]any
	RawQuery   string
	Params     []any
}

// Validate enforces the Operation invariants: INSERT/UPDATE require
// non-empty data or a raw query; DELETE/UPDATE must carry either
// conditions or a raw query.
func (o *Operation) Validate() error {
	if o.Table == "" && o.RawQuery == "" {
		return dberrors.New(dberrors.KindValidationFailure, "operation requires a table or a raw query")
	}
	switch o.Kind {
	case OpInsert, OpUpdate:
		if len(o.Data) == 0 && o.RawQuery == "" {
			return dberrors.New(dberrors.KindValidationFailure, "insert/update operation requires data or a raw query")
		}
	}
	switch o.Kind {
	case OpUpdate, OpDelete:
		if len(o.Conditions) == 0 && o.RawQuery == "" {
			return dberrors.New(dberrors.KindValidationFailure, "update/delete operation requires conditions or a raw query")
		}
	}
	return nil
}

// Row is a single result row with typed accessors over an otherwise
// untyped map, so callers get checked conversions instead of raw
// interface punning.
type Row map[string]any

func (r Row) String(key string) (string, bool) {
	v, ok := r[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (r Row) Int64(key string) (int64, bool) {
	switch v := r[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}

func (r Row) Bool(key string) (bool, bool) {
	v, ok := r[key].(bool)
	return v, ok
}

// QueryResult is the return shape of Adapter.Execute.
type QueryResult struct {
	Success      bool
	RowsAffected int64
	Rows         []Row
	Err          error
	Elapsed      time.Duration
	QueryID      string
}

// TransactionResult is the return shape of a completed transaction.
type TransactionResult struct {
	Success           bool
	TxID              string
	OpsCount          int
	RollbackPerformed bool
	Err               error
	Elapsed           time.Duration
}

// HealthMetrics is the return shape of Adapter.Health.
type HealthMetrics struct {
	Backend           BackendKind
	Available         bool
	ResponseTime      time.Duration
	ActiveConnections int
	MaxConnections    int
	Warnings          []string
	LastCheck         time.Time
	ErrorCount        int
}

// IsHealthy reports whether the backend looks usable: available, sub-5s
// response time, under 90% connection utilization, fewer than 10
// accumulated errors.
func (h *HealthMetrics) IsHealthy() bool {
	if !h.Available || h.ResponseTime >= 5*time.Second || h.ErrorCount >= 10 {
		return false
	}
	if h.MaxConnections > 0 && float64(h.ActiveConnections) >= float64(h.MaxConnections)*0.9 {
		return false
	}
	return true
}

// BackupResult is the return shape of Adapter.Backup.
type BackupResult struct {
	Success    bool
	BackupPath string
	BackupSize int64
	At         time.Time
	Err        error
}

// RestoreResult is the return shape of Adapter.Restore.
type RestoreResult struct {
	Success     bool
	RestorePath string
	At          time.Time
	Err         error
}

// OptimizationResult is the return shape of Adapter.Optimize.
type OptimizationResult struct {
	Success                bool
	OptimizationsApplied   []string
	PerformanceImprovement *float64
	Elapsed                time.Duration
	Err                    error
}

