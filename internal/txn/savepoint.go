package txn

import (
	"context"
	"fmt"

	"github.com/nexuskernel/dbkernel/internal/backend"
	"github.com/nexuskernel/dbkernel/internal/dberrors"
	"github.com/nexuskernel/dbkernel/internal/dbmodel"
)

// Nested opens a savepoint-backed child context of parent. The child
// shares parent's connection and backend.Tx; committing the child
// releases the savepoint (folding its operations into parent), rolling it
// back discards only the work done since the savepoint.
func (c *Coordinator) Nested(ctx context.Context, parent *Context, name string) (*Context, error) {
	parent.mu.Lock()
	if parent.State != StateActive {
		parent.mu.Unlock()
		return nil, dberrors.Newf(dberrors.KindTransactionFailure, "parent transaction %s is not active", parent.ID).WithID(parent.ID)
	}
	if name == "" {
		name = fmt.Sprintf("sp_%d", len(parent.savepoints)+1)
	}
	for _, sp := range parent.savepoints {
		if sp.name == name {
			parent.mu.Unlock()
			return nil, dberrors.Newf(dberrors.KindValidationFailure, "savepoint %q already exists", name)
		}
	}
	tx := parent.tx
	opIndex := len(parent.Operations)
	parent.mu.Unlock()

	if err := tx.Savepoint(ctx, name); err != nil {
		return nil, err
	}

	parent.mu.Lock()
	parent.savepoints = append(parent.savepoints, savepointMarker{name: name, opIndex: opIndex, createdAt: parent.StartTime})
	parent.mu.Unlock()

	child := &Context{
		ID:        parent.ID + ":" + name,
		Backend:   parent.Backend,
		Conn:      parent.Conn,
		Isolation: parent.Isolation,
		Readonly:  parent.Readonly,
		Timeout:   parent.Timeout,
		TenantID:  parent.TenantID,
		Priority:  parent.Priority,
		State:     StateActive,
		Parent:    parent,
		StartTime: parent.StartTime,
		callbacks: make(map[Event][]Callback),
		tx:        &savepointTx{parent: tx, name: name},
	}

	parent.mu.Lock()
	parent.Children = append(parent.Children, child)
	parent.mu.Unlock()

	c.mu.Lock()
	c.active[child.ID] = child
	c.mu.Unlock()

	return child, nil
}

// CreateSavepoint appends a named marker at the current operation index.
// The transaction must be ACTIVE.
func (c *Coordinator) CreateSavepoint(ctx context.Context, tc *Context, name string) error {
	tc.mu.Lock()
	if tc.State != StateActive {
		tc.mu.Unlock()
		return dberrors.Newf(dberrors.KindTransactionFailure, "transaction %s is not active", tc.ID).WithID(tc.ID)
	}
	for _, sp := range tc.savepoints {
		if sp.name == name {
			tc.mu.Unlock()
			return dberrors.Newf(dberrors.KindValidationFailure, "savepoint %q already exists", name)
		}
	}
	tx := tc.tx
	opIndex := len(tc.Operations)
	tc.mu.Unlock()

	if err := tx.Savepoint(ctx, name); err != nil {
		return err
	}

	tc.mu.Lock()
	tc.savepoints = append(tc.savepoints, savepointMarker{name: name, opIndex: opIndex, createdAt: tc.StartTime})
	tc.mu.Unlock()
	return nil
}

// RollbackToSavepoint rolls the backend back to name, truncates the
// operation list to the savepoint's op index and drops every savepoint
// created after it. The transaction remains ACTIVE. The truncation is
// atomic with respect to other operations in the same transaction.
func (c *Coordinator) RollbackToSavepoint(ctx context.Context, tc *Context, name string) error {
	tc.mu.Lock()
	if tc.State != StateActive {
		tc.mu.Unlock()
		return dberrors.Newf(dberrors.KindTransactionFailure, "transaction %s is not active", tc.ID).WithID(tc.ID)
	}
	found := -1
	for i, sp := range tc.savepoints {
		if sp.name == name {
			found = i
			break
		}
	}
	if found == -1 {
		tc.mu.Unlock()
		return dberrors.Newf(dberrors.KindValidationFailure, "savepoint %q does not exist", name)
	}
	tx := tc.tx
	tc.mu.Unlock()

	if err := tx.RollbackTo(ctx, name); err != nil {
		return err
	}

	tc.mu.Lock()
	marker := tc.savepoints[found]
	tc.Operations = tc.Operations[:marker.opIndex]
	tc.savepoints = tc.savepoints[:found+1]
	tc.mu.Unlock()
	return nil
}

// savepointTx adapts a named savepoint on a parent backend.Tx to the Tx
// interface, so the Transaction Coordinator can drive a nested context
// through the same Commit/Rollback/Execute surface as a top-level one.
// Commit releases the savepoint (keeping its work as part of parent);
// Rollback rolls back to it and releases it, discarding only the nested
// work.
type savepointTx struct {
	parent backend.Tx
	name   string
}

func (s *savepointTx) Execute(ctx context.Context, op dbmodel.Operation) (*dbmodel.QueryResult, error) {
	return s.parent.Execute(ctx, op)
}

func (s *savepointTx) Savepoint(ctx context.Context, name string) error {
	return s.parent.Savepoint(ctx, name)
}

func (s *savepointTx) RollbackTo(ctx context.Context, name string) error {
	return s.parent.RollbackTo(ctx, name)
}

func (s *savepointTx) ReleaseSavepoint(ctx context.Context, name string) error {
	return s.parent.ReleaseSavepoint(ctx, name)
}

func (s *savepointTx) Commit(ctx context.Context) error {
	return s.parent.ReleaseSavepoint(ctx, s.name)
}

func (s *savepointTx) Rollback(ctx context.Context) error {
	if err := s.parent.RollbackTo(ctx, s.name); err != nil {
		return err
	}
	return s.parent.ReleaseSavepoint(ctx, s.name)
}
