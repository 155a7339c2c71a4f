package backend

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/nexuskernel/dbkernel/internal/dberrors"
	"github.com/nexuskernel/dbkernel/internal/dbmodel"
)

// SQLite is the LOCAL Adapter implementation. Every connection is opened
// with WAL mode, a busy timeout and foreign keys on, and is restricted to
// a single
// underlying database/sql connection so SQLite's single-writer semantics
// stay explicit rather than hidden behind database/sql's own pool.
type SQLite struct {
	cfg ConnectConfig

	mu       sync.Mutex
	pragmas  []string
}

const defaultBusyTimeoutMillis = 5000

func NewSQLite(cfg ConnectConfig) *SQLite {
	return &SQLite{
		cfg: cfg,
		pragmas: []string{
			"PRAGMA journal_mode = WAL",
			"PRAGMA foreign_keys = ON",
			fmt.Sprintf("PRAGMA busy_timeout = %d", defaultBusyTimeoutMillis),
			"PRAGMA analysis_limit = 400",
		},
	}
}

func (s *SQLite) Kind() dbmodel.BackendKind { return dbmodel.Local }

func (s *SQLite) Connect(ctx context.Context) (*dbmodel.Connection, error) {
	if s.cfg.Path == "" {
		return nil, dberrors.New(dberrors.KindConnectionFailure, "local backend requires a database path").
			WithDetail("backend", dbmodel.Local)
	}
	if dir := parentDir(s.cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, dberrors.New(dberrors.KindConnectionFailure, "create database directory").WithCause(err)
		}
	}

	sqlDB, err := sql.Open("sqlite", s.cfg.Path)
	if err != nil {
		return nil, dberrors.New(dberrors.KindConnectionFailure, "open sqlite database").
			WithCause(err).WithDetail("backend", dbmodel.Local)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	for _, pragma := range s.pragmas {
		if _, err := sqlDB.ExecContext(ctx, pragma); err != nil {
			sqlDB.Close()
			return nil, dberrors.New(dberrors.KindConnectionFailure, "apply connection pragma").
				WithCause(err).WithDetail("pragma", pragma)
		}
	}

	now := time.Now()
	conn := &dbmodel.Connection{
		ID:         uuid.NewString(),
		Backend:    dbmodel.Local,
		Status:     dbmodel.StatusConnected,
		CreatedAt:  now,
		LastUsedAt: now,
		Descriptor: s.cfg.Path,
		Native:     sqlDB,
	}
	log.Debug().Str("connection_id", conn.ID).Str("path", s.cfg.Path).Msg("sqlite connection established")
	return conn, nil
}

func (s *SQLite) Disconnect(ctx context.Context, conn *dbmodel.Connection) error {
	if conn == nil || conn.Status == dbmodel.StatusDisconnected {
		return nil
	}
	db, ok := conn.Native.(*sql.DB)
	if !ok || db == nil {
		conn.Status = dbmodel.StatusDisconnected
		return nil
	}
	err := db.Close()
	conn.Status = dbmodel.StatusDisconnected
	if err != nil {
		return dberrors.New(dberrors.KindConnectionFailure, "close sqlite connection").WithCause(err)
	}
	return nil
}

func (s *SQLite) IsConnected(conn *dbmodel.Connection) bool {
	return conn != nil && conn.Status == dbmodel.StatusConnected
}

func (s *SQLite) Ping(ctx context.Context, conn *dbmodel.Connection) error {
	db, err := s.handle(conn)
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		return dberrors.New(dberrors.KindHealthCheckFailure, "sqlite ping failed").WithCause(err)
	}
	return nil
}

func (s *SQLite) Execute(ctx context.Context, conn *dbmodel.Connection, op dbmodel.Operation) (*dbmodel.QueryResult, error) {
	db, err := s.handle(conn)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	query, args, isSelect, execErr := buildStatement(op, StyleQuestion)
	if execErr != nil {
		return nil, execErr
	}
	result := &dbmodel.QueryResult{QueryID: uuid.NewString()}
	if isSelect {
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			result.Err = err
			result.Elapsed = time.Since(start)
			return result, dberrors.New(dberrors.KindTransactionFailure, "execute select").WithCause(err)
		}
		defer rows.Close()
		scanned, err := scanRows(rows)
		if err != nil {
			result.Err = err
			return result, err
		}
		result.Success = true
		result.Rows = scanned
		result.RowsAffected = int64(len(scanned))
	} else {
		res, err := db.ExecContext(ctx, query, args...)
		if err != nil {
			result.Err = err
			result.Elapsed = time.Since(start)
			return result, dberrors.New(dberrors.KindTransactionFailure, "execute statement").WithCause(err)
		}
		affected, _ := res.RowsAffected()
		result.Success = true
		result.RowsAffected = affected
	}
	result.Elapsed = time.Since(start)
	return result, nil
}

func (s *SQLite) Transact(ctx context.Context, conn *dbmodel.Connection, ops []dbmodel.Operation) (*dbmodel.TransactionResult, error) {
	db, err := s.handle(conn)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	txID := uuid.NewString()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, dberrors.New(dberrors.KindTransactionFailure, "begin transaction").WithCause(err).WithID(txID)
	}

	for _, op := range ops {
		query, args, _, verr := buildStatement(op, StyleQuestion)
		if verr != nil {
			_ = tx.Rollback()
			return &dbmodel.TransactionResult{TxID: txID, RollbackPerformed: true, Err: verr, Elapsed: time.Since(start)}, verr
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			_ = tx.Rollback()
			txErr := dberrors.New(dberrors.KindTransactionFailure, "transact operation failed").WithCause(err).WithID(txID)
			return &dbmodel.TransactionResult{TxID: txID, RollbackPerformed: true, Err: txErr, Elapsed: time.Since(start)}, txErr
		}
	}

	if err := tx.Commit(); err != nil {
		return &dbmodel.TransactionResult{TxID: txID, RollbackPerformed: false, Err: err, Elapsed: time.Since(start)},
			dberrors.New(dberrors.KindTransactionFailure, "commit failed").WithCause(err).WithID(txID)
	}
	return &dbmodel.TransactionResult{Success: true, TxID: txID, OpsCount: len(ops), Elapsed: time.Since(start)}, nil
}

func (s *SQLite) Health(ctx context.Context, conn *dbmodel.Connection) (*dbmodel.HealthMetrics, error) {
	db, err := s.handle(conn)
	start := time.Now()
	h := &dbmodel.HealthMetrics{Backend: dbmodel.Local, LastCheck: time.Now()}
	if err != nil {
		h.Available = false
		h.Warnings = append(h.Warnings, err.Error())
		return h, nil
	}
	if pingErr := db.PingContext(ctx); pingErr != nil {
		h.Available = false
		h.ErrorCount++
		h.Warnings = append(h.Warnings, pingErr.Error())
	} else {
		h.Available = true
	}
	stats := db.Stats()
	h.ActiveConnections = stats.InUse
	h.MaxConnections = stats.MaxOpenConnections
	h.ResponseTime = time.Since(start)
	return h, nil
}

// Backup performs a byte-identical file copy of the SQLite database file
// to path.
func (s *SQLite) Backup(ctx context.Context, conn *dbmodel.Connection, path string) (*dbmodel.BackupResult, error) {
	db, err := s.handle(conn)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return nil, dberrors.New(dberrors.KindValidationFailure, "checkpoint before backup").WithCause(err)
	}

	src, err := os.Open(s.cfg.Path)
	if err != nil {
		return nil, dberrors.New(dberrors.KindValidationFailure, "open source database file").WithCause(err)
	}
	defer src.Close()

	dst, err := os.Create(path)
	if err != nil {
		return nil, dberrors.New(dberrors.KindValidationFailure, "create backup file").WithCause(err)
	}
	defer dst.Close()

	n, err := io.Copy(dst, src)
	if err != nil {
		return &dbmodel.BackupResult{Success: false, BackupPath: path, Err: err, At: time.Now()}, err
	}
	return &dbmodel.BackupResult{Success: true, BackupPath: path, BackupSize: n, At: time.Now()}, nil
}

func (s *SQLite) Restore(ctx context.Context, conn *dbmodel.Connection, path string) (*dbmodel.RestoreResult, error) {
	db, err := s.handle(conn)
	if err != nil {
		return nil, err
	}
	if err := db.Close(); err != nil {
		return nil, dberrors.New(dberrors.KindValidationFailure, "close before restore").WithCause(err)
	}

	src, err := os.Open(path)
	if err != nil {
		return nil, dberrors.New(dberrors.KindValidationFailure, "open restore source").WithCause(err)
	}
	defer src.Close()

	dst, err := os.Create(s.cfg.Path)
	if err != nil {
		return nil, dberrors.New(dberrors.KindValidationFailure, "recreate database file").WithCause(err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return &dbmodel.RestoreResult{Success: false, RestorePath: path, Err: err, At: time.Now()}, err
	}

	reopened, err := sql.Open("sqlite", s.cfg.Path)
	if err != nil {
		return nil, dberrors.New(dberrors.KindConnectionFailure, "reopen after restore").WithCause(err)
	}
	reopened.SetMaxOpenConns(1)
	reopened.SetMaxIdleConns(1)
	conn.Native = reopened
	conn.Status = dbmodel.StatusConnected
	return &dbmodel.RestoreResult{Success: true, RestorePath: path, At: time.Now()}, nil
}

func (s *SQLite) Optimize(ctx context.Context, conn *dbmodel.Connection) (*dbmodel.OptimizationResult, error) {
	db, err := s.handle(conn)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	var applied []string
	if _, err := db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		return nil, dberrors.New(dberrors.KindValidationFailure, "pragma optimize").WithCause(err)
	}
	applied = append(applied, "pragma_optimize")
	if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
		return nil, dberrors.New(dberrors.KindValidationFailure, "vacuum").WithCause(err)
	}
	applied = append(applied, "vacuum")
	return &dbmodel.OptimizationResult{Success: true, OptimizationsApplied: applied, Elapsed: time.Since(start)}, nil
}

// IsRetryable recognizes SQLite's own busy/locked vocabulary alongside the
// shared retryable pattern set so run_with_retry behaves consistently
// regardless of current backend.
func (s *SQLite) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range RetryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

func (s *SQLite) Close(ctx context.Context) error { return nil }

func (s *SQLite) handle(conn *dbmodel.Connection) (*sql.DB, error) {
	if conn == nil {
		return nil, dberrors.New(dberrors.KindConnectionFailure, "nil connection")
	}
	db, ok := conn.Native.(*sql.DB)
	if !ok || db == nil {
		return nil, dberrors.New(dberrors.KindConnectionFailure, "connection has no native sqlite handle").WithID(conn.ID)
	}
	return db, nil
}

func parentDir(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

// RetryablePatterns is the shared retryable-fault vocabulary: deadlocks,
// lock timeouts and serialization failures.
var RetryablePatterns = []string{
	"deadlock",
	"lock timeout",
	"lock wait timeout",
	"serialization failure",
	"could not serialize access",
}

func scanRows(rows *sql.Rows) ([]dbmodel.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []dbmodel.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(dbmodel.Row, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
