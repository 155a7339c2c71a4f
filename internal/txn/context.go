// Package txn implements the transaction coordinator:
// begin/commit/rollback, savepoints, nested contexts backed by savepoints,
// retry on transient faults, timeouts and lifecycle callbacks.
package txn

import (
	"sync"
	"time"

	"github.com/nexuskernel/dbkernel/internal/backend"
	"github.com/nexuskernel/dbkernel/internal/dbmodel"
)

// State is a transaction context's lifecycle state.
type State string

const (
	StateActive     State = "active"
	StateCommitted  State = "committed"
	StateRolledBack State = "rolled_back"
	StateFailed     State = "failed"
	StatePrepared   State = "prepared"
)

// Event identifies a lifecycle callback hook point.
type Event string

const (
	BeforeCommit   Event = "before_commit"
	AfterCommit    Event = "after_commit"
	BeforeRollback Event = "before_rollback"
	AfterRollback  Event = "after_rollback"
)

// Callback is invoked at a lifecycle hook point; a non-nil error from a
// before_* callback aborts the operation it was guarding.
type Callback func(*Context) error

// savepointMarker records where in Operations a named savepoint was
// created.
type savepointMarker struct {
	name      string
	opIndex   int
	createdAt time.Time
}

// Context is one live transaction. It is owned by the Coordinator for
// its whole lifecycle; callers hold a reference, never a copy, so that
// Operations/Savepoints stay coherent.
type Context struct {
	mu sync.Mutex

	ID        string
	Backend   dbmodel.BackendKind
	Conn      *dbmodel.Connection
	Isolation backend.IsolationLevel
	Readonly  bool
	Timeout   time.Duration
	TenantID  string
	Priority  int

	// RetryCount is how many prior attempts preceded this context; set by
	// RunWithRetry so the monitor sees the full retry history.
	RetryCount int

	State      State
	Operations []dbmodel.Operation
	savepoints []savepointMarker

	Parent   *Context
	Children []*Context

	StartTime time.Time
	EndTime   time.Time

	callbacks map[Event][]Callback

	tx backend.Tx
}

func newContext(id string, conn *dbmodel.Connection, isolation backend.IsolationLevel, readonly bool, timeout time.Duration, tx backend.Tx) *Context {
	return &Context{
		ID:        id,
		Backend:   conn.Backend,
		Conn:      conn,
		Isolation: isolation,
		Readonly:  readonly,
		Timeout:   timeout,
		State:     StateActive,
		StartTime: time.Now(),
		callbacks: make(map[Event][]Callback),
		tx:        tx,
	}
}

// OnEvent registers a lifecycle callback.
func (c *Context) OnEvent(ev Event, cb Callback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks[ev] = append(c.callbacks[ev], cb)
}

func (c *Context) runCallbacksLocked(ev Event) error {
	for _, cb := range c.callbacks[ev] {
		if err := cb(c); err != nil {
			return err
		}
	}
	return nil
}

// OpsCount reports how many operations have executed in this context.
func (c *Context) OpsCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Operations)
}

// Expired reports whether the context has outlived its timeout.
func (c *Context) Expired(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State != StateActive || c.Timeout <= 0 {
		return false
	}
	return now.Sub(c.StartTime) > c.Timeout
}

// SavepointIndex returns the op_index recorded for name and whether it exists.
func (c *Context) SavepointIndex(name string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sp := range c.savepoints {
		if sp.name == name {
			return sp.opIndex, true
		}
	}
	return 0, false
}
