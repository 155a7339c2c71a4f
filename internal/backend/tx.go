package backend

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5"

	"github.com/nexuskernel/dbkernel/internal/dberrors"
	"github.com/nexuskernel/dbkernel/internal/dbmodel"
)

// BeginTx on SQLite opens a *sql.Tx and wraps it so the Transaction
// Coordinator can drive savepoints without knowing which backend it's on.
func (s *SQLite) BeginTx(ctx context.Context, conn *dbmodel.Connection, isolation IsolationLevel, readonly bool) (Tx, error) {
	db, err := s.handle(conn)
	if err != nil {
		return nil, err
	}
	// modernc.org/sqlite maps database/sql isolation levels onto SQLite's
	// single serializable isolation; readonly is advisory only (SQLite
	// enforces it via PRAGMA query_only on the connection, skipped here
	// since the dedicated single-conn handle is process-local).
	tx, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: readonly})
	if err != nil {
		return nil, dberrors.New(dberrors.KindTransactionFailure, "begin sqlite transaction").WithCause(err)
	}
	return &sqliteTx{tx: tx}, nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Execute(ctx context.Context, op dbmodel.Operation) (*dbmodel.QueryResult, error) {
	query, args, isSelect, err := buildStatement(op, StyleQuestion)
	if err != nil {
		return nil, err
	}
	if isSelect {
		rows, err := t.tx.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, dberrors.New(dberrors.KindTransactionFailure, "execute select in tx").WithCause(err)
		}
		defer rows.Close()
		scanned, err := scanRows(rows)
		if err != nil {
			return nil, err
		}
		return &dbmodel.QueryResult{Success: true, Rows: scanned, RowsAffected: int64(len(scanned))}, nil
	}
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, dberrors.New(dberrors.KindTransactionFailure, "execute statement in tx").WithCause(err)
	}
	affected, _ := res.RowsAffected()
	return &dbmodel.QueryResult{Success: true, RowsAffected: affected}, nil
}

func (t *sqliteTx) Savepoint(ctx context.Context, name string) error {
	_, err := t.tx.ExecContext(ctx, "SAVEPOINT "+quoteIdent(name))
	if err != nil {
		return dberrors.New(dberrors.KindTransactionFailure, "create savepoint").WithCause(err)
	}
	return nil
}

func (t *sqliteTx) RollbackTo(ctx context.Context, name string) error {
	_, err := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+quoteIdent(name))
	if err != nil {
		return dberrors.New(dberrors.KindTransactionFailure, "rollback to savepoint").WithCause(err)
	}
	return nil
}

func (t *sqliteTx) ReleaseSavepoint(ctx context.Context, name string) error {
	_, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+quoteIdent(name))
	if err != nil {
		return dberrors.New(dberrors.KindTransactionFailure, "release savepoint").WithCause(err)
	}
	return nil
}

func (t *sqliteTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return dberrors.New(dberrors.KindTransactionFailure, "commit").WithCause(err)
	}
	return nil
}

func (t *sqliteTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(); err != nil {
		return dberrors.New(dberrors.KindTransactionFailure, "rollback").WithCause(err)
	}
	return nil
}

// BeginTx on Postgres maps IsolationLevel onto pgx.TxOptions.
func (p *Postgres) BeginTx(ctx context.Context, conn *dbmodel.Connection, isolation IsolationLevel, readonly bool) (Tx, error) {
	pgConn, err := p.handle(conn)
	if err != nil {
		return nil, err
	}
	opts := pgx.TxOptions{IsoLevel: pgxIsolation(isolation)}
	if readonly {
		opts.AccessMode = pgx.ReadOnly
	}
	tx, err := pgConn.BeginTx(ctx, opts)
	if err != nil {
		return nil, dberrors.New(dberrors.KindTransactionFailure, "begin postgres transaction").WithCause(err)
	}
	return &postgresTx{tx: tx}, nil
}

func pgxIsolation(level IsolationLevel) pgx.TxIsoLevel {
	switch level {
	case ReadUncommitted:
		return pgx.ReadUncommitted
	case RepeatableRead:
		return pgx.RepeatableRead
	case Serializable:
		return pgx.Serializable
	default:
		return pgx.ReadCommitted
	}
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) Execute(ctx context.Context, op dbmodel.Operation) (*dbmodel.QueryResult, error) {
	query, args, isSelect, err := buildStatement(op, StyleDollar)
	if err != nil {
		return nil, err
	}
	if isSelect {
		rows, err := t.tx.Query(ctx, query, args...)
		if err != nil {
			return nil, dberrors.New(dberrors.KindTransactionFailure, "execute select in tx").WithCause(err)
		}
		defer rows.Close()
		scanned, err := scanPgxRows(rows)
		if err != nil {
			return nil, err
		}
		return &dbmodel.QueryResult{Success: true, Rows: scanned, RowsAffected: int64(len(scanned))}, nil
	}
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return nil, dberrors.New(dberrors.KindTransactionFailure, "execute statement in tx").WithCause(err)
	}
	return &dbmodel.QueryResult{Success: true, RowsAffected: tag.RowsAffected()}, nil
}

func (t *postgresTx) Savepoint(ctx context.Context, name string) error {
	_, err := t.tx.Exec(ctx, "SAVEPOINT "+quoteIdent(name))
	if err != nil {
		return dberrors.New(dberrors.KindTransactionFailure, "create savepoint").WithCause(err)
	}
	return nil
}

func (t *postgresTx) RollbackTo(ctx context.Context, name string) error {
	_, err := t.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+quoteIdent(name))
	if err != nil {
		return dberrors.New(dberrors.KindTransactionFailure, "rollback to savepoint").WithCause(err)
	}
	return nil
}

func (t *postgresTx) ReleaseSavepoint(ctx context.Context, name string) error {
	_, err := t.tx.Exec(ctx, "RELEASE SAVEPOINT "+quoteIdent(name))
	if err != nil {
		return dberrors.New(dberrors.KindTransactionFailure, "release savepoint").WithCause(err)
	}
	return nil
}

func (t *postgresTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return dberrors.New(dberrors.KindTransactionFailure, "commit").WithCause(err)
	}
	return nil
}

func (t *postgresTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil {
		return dberrors.New(dberrors.KindTransactionFailure, "rollback").WithCause(err)
	}
	return nil
}

// quoteIdent guards savepoint names (always coordinator-generated, never
// user input) against embedded quotes.
func quoteIdent(name string) string {
	out := make([]byte, 0, len(name)+2)
	out = append(out, '"')
	for i := 0; i < len(name); i++ {
		if name[i] == '"' {
			out = append(out, '"', '"')
			continue
		}
		out = append(out, name[i])
	}
	out = append(out, '"')
	return string(out)
}
