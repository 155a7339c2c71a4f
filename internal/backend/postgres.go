package backend

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"

	"github.com/nexuskernel/dbkernel/internal/dberrors"
	"github.com/nexuskernel/dbkernel/internal/dbmodel"
)

// Postgres is the PRIMARY Adapter implementation. pgxpool is deliberately
// not used: the kernel's own Connection Pool is the single pooling layer,
// so each Connection wraps one dedicated *pgx.Conn.
type Postgres struct {
	cfg ConnectConfig
}

// postgresRetryableCodes are the SQLSTATE codes the retryable pattern
// set maps to on Postgres: 40P01 deadlock_detected, 40001
// serialization_failure, 55P03 lock_not_available.
var postgresRetryableCodes = map[string]bool{
	"40P01": true,
	"40001": true,
	"55P03": true,
}

func NewPostgres(cfg ConnectConfig) *Postgres {
	return &Postgres{cfg: cfg}
}

func (p *Postgres) Kind() dbmodel.BackendKind { return dbmodel.Primary }

func (p *Postgres) Connect(ctx context.Context) (*dbmodel.Connection, error) {
	if p.cfg.DSN == "" {
		return nil, dberrors.New(dberrors.KindConnectionFailure, "primary backend requires a DSN").
			WithDetail("backend", dbmodel.Primary)
	}
	dialCtx := ctx
	var cancel context.CancelFunc
	if p.cfg.ConnectTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, p.cfg.ConnectTimeout)
		defer cancel()
	}
	pgConn, err := pgx.Connect(dialCtx, p.cfg.DSN)
	if err != nil {
		return nil, dberrors.New(dberrors.KindConnectionFailure, "connect to postgres").
			WithCause(err).WithDetail("backend", dbmodel.Primary)
	}
	now := time.Now()
	conn := &dbmodel.Connection{
		ID:         uuid.NewString(),
		Backend:    dbmodel.Primary,
		Status:     dbmodel.StatusConnected,
		CreatedAt:  now,
		LastUsedAt: now,
		Descriptor: redactDSN(p.cfg.DSN),
		Native:     pgConn,
	}
	log.Debug().Str("connection_id", conn.ID).Msg("postgres connection established")
	return conn, nil
}

func (p *Postgres) Disconnect(ctx context.Context, conn *dbmodel.Connection) error {
	if conn == nil || conn.Status == dbmodel.StatusDisconnected {
		return nil
	}
	pgConn, ok := conn.Native.(*pgx.Conn)
	if !ok || pgConn == nil {
		conn.Status = dbmodel.StatusDisconnected
		return nil
	}
	err := pgConn.Close(ctx)
	conn.Status = dbmodel.StatusDisconnected
	if err != nil {
		return dberrors.New(dberrors.KindConnectionFailure, "close postgres connection").WithCause(err)
	}
	return nil
}

func (p *Postgres) IsConnected(conn *dbmodel.Connection) bool {
	if conn == nil || conn.Status != dbmodel.StatusConnected {
		return false
	}
	pgConn, ok := conn.Native.(*pgx.Conn)
	return ok && pgConn != nil && !pgConn.IsClosed()
}

func (p *Postgres) Ping(ctx context.Context, conn *dbmodel.Connection) error {
	pgConn, err := p.handle(conn)
	if err != nil {
		return err
	}
	if err := pgConn.Ping(ctx); err != nil {
		return dberrors.New(dberrors.KindHealthCheckFailure, "postgres ping failed").WithCause(err)
	}
	return nil
}

func (p *Postgres) Execute(ctx context.Context, conn *dbmodel.Connection, op dbmodel.Operation) (*dbmodel.QueryResult, error) {
	pgConn, err := p.handle(conn)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	query, args, isSelect, verr := buildStatement(op, StyleDollar)
	if verr != nil {
		return nil, verr
	}
	result := &dbmodel.QueryResult{QueryID: uuid.NewString()}
	if isSelect {
		rows, err := pgConn.Query(ctx, query, args...)
		if err != nil {
			result.Err = err
			result.Elapsed = time.Since(start)
			return result, dberrors.New(dberrors.KindTransactionFailure, "execute select").WithCause(err)
		}
		defer rows.Close()
		scanned, err := scanPgxRows(rows)
		if err != nil {
			result.Err = err
			return result, err
		}
		result.Success = true
		result.Rows = scanned
		result.RowsAffected = int64(len(scanned))
	} else {
		tag, err := pgConn.Exec(ctx, query, args...)
		if err != nil {
			result.Err = err
			result.Elapsed = time.Since(start)
			return result, dberrors.New(dberrors.KindTransactionFailure, "execute statement").WithCause(err)
		}
		result.Success = true
		result.RowsAffected = tag.RowsAffected()
	}
	result.Elapsed = time.Since(start)
	return result, nil
}

func (p *Postgres) Transact(ctx context.Context, conn *dbmodel.Connection, ops []dbmodel.Operation) (*dbmodel.TransactionResult, error) {
	pgConn, err := p.handle(conn)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	txID := uuid.NewString()
	tx, err := pgConn.Begin(ctx)
	if err != nil {
		return nil, dberrors.New(dberrors.KindTransactionFailure, "begin transaction").WithCause(err).WithID(txID)
	}

	for _, op := range ops {
		query, args, _, verr := buildStatement(op, StyleDollar)
		if verr != nil {
			_ = tx.Rollback(ctx)
			return &dbmodel.TransactionResult{TxID: txID, RollbackPerformed: true, Err: verr, Elapsed: time.Since(start)}, verr
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			_ = tx.Rollback(ctx)
			txErr := dberrors.New(dberrors.KindTransactionFailure, "transact operation failed").WithCause(err).WithID(txID)
			return &dbmodel.TransactionResult{TxID: txID, RollbackPerformed: true, Err: txErr, Elapsed: time.Since(start)}, txErr
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return &dbmodel.TransactionResult{TxID: txID, RollbackPerformed: false, Err: err, Elapsed: time.Since(start)},
			dberrors.New(dberrors.KindTransactionFailure, "commit failed").WithCause(err).WithID(txID)
	}
	return &dbmodel.TransactionResult{Success: true, TxID: txID, OpsCount: len(ops), Elapsed: time.Since(start)}, nil
}

func (p *Postgres) Health(ctx context.Context, conn *dbmodel.Connection) (*dbmodel.HealthMetrics, error) {
	start := time.Now()
	h := &dbmodel.HealthMetrics{Backend: dbmodel.Primary, LastCheck: time.Now()}
	pgConn, err := p.handle(conn)
	if err != nil {
		h.Available = false
		h.Warnings = append(h.Warnings, err.Error())
		return h, nil
	}
	if err := pgConn.Ping(ctx); err != nil {
		h.Available = false
		h.ErrorCount++
		h.Warnings = append(h.Warnings, err.Error())
	} else {
		h.Available = true
		h.ActiveConnections = 1
		h.MaxConnections = 1
	}
	h.ResponseTime = time.Since(start)
	return h, nil
}

// Backup is unsupported on PRIMARY and surfaces OperationNotSupported
// rather than silently succeeding.
func (p *Postgres) Backup(ctx context.Context, conn *dbmodel.Connection, path string) (*dbmodel.BackupResult, error) {
	return nil, dberrors.New(dberrors.KindOperationNotSupported, "primary backend does not support file-level backup")
}

func (p *Postgres) Restore(ctx context.Context, conn *dbmodel.Connection, path string) (*dbmodel.RestoreResult, error) {
	return nil, dberrors.New(dberrors.KindOperationNotSupported, "primary backend does not support file-level restore")
}

func (p *Postgres) Optimize(ctx context.Context, conn *dbmodel.Connection) (*dbmodel.OptimizationResult, error) {
	pgConn, err := p.handle(conn)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	if _, err := pgConn.Exec(ctx, "ANALYZE"); err != nil {
		return nil, dberrors.New(dberrors.KindValidationFailure, "analyze").WithCause(err)
	}
	return &dbmodel.OptimizationResult{
		Success:              true,
		OptimizationsApplied: []string{"analyze"},
		Elapsed:              time.Since(start),
	}, nil
}

func (p *Postgres) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return postgresRetryableCodes[pgErr.Code]
	}
	return false
}

func (p *Postgres) Close(ctx context.Context) error { return nil }

func (p *Postgres) handle(conn *dbmodel.Connection) (*pgx.Conn, error) {
	if conn == nil {
		return nil, dberrors.New(dberrors.KindConnectionFailure, "nil connection")
	}
	pgConn, ok := conn.Native.(*pgx.Conn)
	if !ok || pgConn == nil {
		return nil, dberrors.New(dberrors.KindConnectionFailure, "connection has no native postgres handle").WithID(conn.ID)
	}
	return pgConn, nil
}

func scanPgxRows(rows pgx.Rows) ([]dbmodel.Row, error) {
	fields := rows.FieldDescriptions()
	var out []dbmodel.Row
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(dbmodel.Row, len(fields))
		for i, f := range fields {
			row[string(f.Name)] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// redactDSN keeps the Connection descriptor free of credentials in logs.
func redactDSN(dsn string) string {
	atIdx := indexByte(dsn, '@')
	if atIdx < 0 {
		return dsn
	}
	schemeIdx := indexStr(dsn, "://")
	if schemeIdx < 0 || schemeIdx > atIdx {
		return dsn
	}
	return dsn[:schemeIdx+3] + "***" + dsn[atIdx:]
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func indexStr(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
