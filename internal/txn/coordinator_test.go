package txn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuskernel/dbkernel/internal/backend"
	"github.com/nexuskernel/dbkernel/internal/dbmodel"
	"github.com/nexuskernel/dbkernel/internal/pool"
)

// fakeTx records the transaction-control statements the coordinator
// issues, so tests can assert exact commit/rollback/savepoint behavior.
type fakeTx struct {
	mu         sync.Mutex
	commits    int
	rollbacks  int
	savepoints []string
	rollbackTo []string
	released   []string
	executed   []dbmodel.Operation
	execErr    error
	commitErr  error
}

func (f *fakeTx) Execute(ctx context.Context, op dbmodel.Operation) (*dbmodel.QueryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execErr != nil {
		return nil, f.execErr
	}
	f.executed = append(f.executed, op)
	return &dbmodel.QueryResult{Success: true, RowsAffected: 1}, nil
}

func (f *fakeTx) Savepoint(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.savepoints = append(f.savepoints, name)
	return nil
}

func (f *fakeTx) RollbackTo(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbackTo = append(f.rollbackTo, name)
	return nil
}

func (f *fakeTx) ReleaseSavepoint(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, name)
	return nil
}

func (f *fakeTx) Commit(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return f.commitErr
	}
	f.commits++
	return nil
}

func (f *fakeTx) Rollback(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbacks++
	return nil
}

// fakeTxAdapter is a backend.Adapter + TxBeginner whose transactions are
// fakeTx instances. retryableAfter simulates transient faults for the
// retry tests.
type fakeTxAdapter struct {
	kind dbmodel.BackendKind

	mu     sync.Mutex
	lastTx *fakeTx
	allTx  []*fakeTx
}

func (f *fakeTxAdapter) Kind() dbmodel.BackendKind { return f.kind }

func (f *fakeTxAdapter) Connect(ctx context.Context) (*dbmodel.Connection, error) {
	now := time.Now()
	return &dbmodel.Connection{
		ID:         uuid.NewString(),
		Backend:    f.kind,
		Status:     dbmodel.StatusConnected,
		CreatedAt:  now,
		LastUsedAt: now,
	}, nil
}

func (f *fakeTxAdapter) Disconnect(ctx context.Context, conn *dbmodel.Connection) error {
	conn.Status = dbmodel.StatusDisconnected
	return nil
}

func (f *fakeTxAdapter) IsConnected(conn *dbmodel.Connection) bool {
	return conn.Status == dbmodel.StatusConnected
}

func (f *fakeTxAdapter) Ping(ctx context.Context, conn *dbmodel.Connection) error { return nil }

func (f *fakeTxAdapter) Execute(ctx context.Context, conn *dbmodel.Connection, op dbmodel.Operation) (*dbmodel.QueryResult, error) {
	return &dbmodel.QueryResult{Success: true}, nil
}

func (f *fakeTxAdapter) Transact(ctx context.Context, conn *dbmodel.Connection, ops []dbmodel.Operation) (*dbmodel.TransactionResult, error) {
	return &dbmodel.TransactionResult{Success: true, OpsCount: len(ops)}, nil
}

func (f *fakeTxAdapter) Health(ctx context.Context, conn *dbmodel.Connection) (*dbmodel.HealthMetrics, error) {
	return &dbmodel.HealthMetrics{Backend: f.kind, Available: true}, nil
}

func (f *fakeTxAdapter) Backup(ctx context.Context, conn *dbmodel.Connection, path string) (*dbmodel.BackupResult, error) {
	return &dbmodel.BackupResult{Success: true}, nil
}

func (f *fakeTxAdapter) Restore(ctx context.Context, conn *dbmodel.Connection, path string) (*dbmodel.RestoreResult, error) {
	return &dbmodel.RestoreResult{Success: true}, nil
}

func (f *fakeTxAdapter) Optimize(ctx context.Context, conn *dbmodel.Connection) (*dbmodel.OptimizationResult, error) {
	return &dbmodel.OptimizationResult{Success: true}, nil
}

func (f *fakeTxAdapter) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"deadlock", "lock timeout", "serialization failure", "could not serialize access"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func (f *fakeTxAdapter) Close(ctx context.Context) error { return nil }

func (f *fakeTxAdapter) BeginTx(ctx context.Context, conn *dbmodel.Connection, isolation backend.IsolationLevel, readonly bool) (backend.Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx := &fakeTx{}
	f.lastTx = tx
	f.allTx = append(f.allTx, tx)
	return tx, nil
}

var (
	_ backend.Adapter   = (*fakeTxAdapter)(nil)
	_ backend.TxBeginner = (*fakeTxAdapter)(nil)
)

// recordingMonitor captures RecordTransaction calls.
type recordingMonitor struct {
	mu      sync.Mutex
	results []dbmodel.TransactionResult
	retries []int
}

func (r *recordingMonitor) RecordTransaction(result dbmodel.TransactionResult, retryCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
	r.retries = append(r.retries, retryCount)
}

// recordingRegistrar captures deadlock register/unregister calls.
type recordingRegistrar struct {
	mu           sync.Mutex
	registered   []string
	unregistered []string
}

func (r *recordingRegistrar) Register(txID string, priority int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered = append(r.registered, txID)
}

func (r *recordingRegistrar) Unregister(txID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregistered = append(r.unregistered, txID)
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeTxAdapter, *recordingMonitor, *recordingRegistrar) {
	t.Helper()
	adapter := &fakeTxAdapter{kind: dbmodel.Local}
	adapters := map[dbmodel.BackendKind]backend.Adapter{dbmodel.Local: adapter}

	poolCfg := pool.DefaultConfig()
	poolCfg.CleanupInterval = time.Hour
	poolCfg.HealthCheckInterval = time.Hour
	poolCfg.MonitoringEnabled = false
	p := pool.New(poolCfg, adapters)

	monitor := &recordingMonitor{}
	registrar := &recordingRegistrar{}
	cfg := DefaultConfig()
	cfg.SweepInterval = time.Hour
	c := New(p, adapters, cfg, registrar, monitor)

	t.Cleanup(func() {
		c.Shutdown()
		p.CloseAll(context.Background())
	})
	return c, adapter, monitor, registrar
}

func TestScopedTransactionCommits(t *testing.T) {
	t.Parallel()

	c, adapter, monitor, registrar := newTestCoordinator(t)
	ctx := context.Background()

	result, err := c.ScopedTransaction(ctx, BeginOptions{Backend: dbmodel.Local},
		func(ctx context.Context, tc *Context) error {
			op := dbmodel.Operation{Kind: dbmodel.OpInsert, Table: "items", Data: map[string]any{"id": "a"}}
			_, err := c.Execute(ctx, tc, op)
			return err
		})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.OpsCount)
	assert.False(t, result.RollbackPerformed)

	tx := adapter.lastTx
	assert.Equal(t, 1, tx.commits)
	assert.Equal(t, 0, tx.rollbacks)

	require.Len(t, monitor.results, 1)
	assert.True(t, monitor.results[0].Success)

	// The tx was registered with and unregistered from the detector.
	require.Len(t, registrar.registered, 1)
	assert.Equal(t, registrar.registered, registrar.unregistered)
	assert.Equal(t, 0, c.ActiveCount())
}

func TestScopedTransactionRollsBackOnError(t *testing.T) {
	t.Parallel()

	c, adapter, monitor, _ := newTestCoordinator(t)
	ctx := context.Background()

	boom := errors.New("boom")
	_, err := c.ScopedTransaction(ctx, BeginOptions{Backend: dbmodel.Local},
		func(ctx context.Context, tc *Context) error { return boom })
	require.Error(t, err)

	// Exactly one ROLLBACK and zero COMMITs observed by the backend.
	tx := adapter.lastTx
	assert.Equal(t, 0, tx.commits)
	assert.Equal(t, 1, tx.rollbacks)

	require.Len(t, monitor.results, 1)
	assert.True(t, monitor.results[0].RollbackPerformed)
	assert.Equal(t, 0, c.ActiveCount())
}

func TestSavepointRollbackTruncatesOperations(t *testing.T) {
	t.Parallel()

	c, adapter, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	tc, err := c.Begin(ctx, BeginOptions{Backend: dbmodel.Local})
	require.NoError(t, err)

	insert := func(id string) dbmodel.Operation {
		return dbmodel.Operation{Kind: dbmodel.OpInsert, Table: "items", Data: map[string]any{"id": id}}
	}
	_, err = c.Execute(ctx, tc, insert("a"))
	require.NoError(t, err)

	require.NoError(t, c.CreateSavepoint(ctx, tc, "sp1"))
	_, err = c.Execute(ctx, tc, insert("b"))
	require.NoError(t, err)
	require.NoError(t, c.CreateSavepoint(ctx, tc, "sp2"))
	_, err = c.Execute(ctx, tc, insert("c"))
	require.NoError(t, err)
	assert.Equal(t, 3, tc.OpsCount())

	// Rolling back to sp1 truncates operations to the prefix at its
	// op_index and removes sp2.
	require.NoError(t, c.RollbackToSavepoint(ctx, tc, "sp1"))
	assert.Equal(t, 1, tc.OpsCount())
	_, ok := tc.SavepointIndex("sp1")
	assert.True(t, ok)
	_, ok = tc.SavepointIndex("sp2")
	assert.False(t, ok)
	assert.Equal(t, StateActive, tc.State)
	assert.Equal(t, []string{"sp1"}, adapter.lastTx.rollbackTo)

	_, err = c.Commit(ctx, tc)
	require.NoError(t, err)
}

func TestCreateSavepointRequiresActiveState(t *testing.T) {
	t.Parallel()

	c, _, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	tc, err := c.Begin(ctx, BeginOptions{Backend: dbmodel.Local})
	require.NoError(t, err)
	_, err = c.Commit(ctx, tc)
	require.NoError(t, err)

	assert.Error(t, c.CreateSavepoint(ctx, tc, "late"))
}

func TestRollbackToUnknownSavepointFails(t *testing.T) {
	t.Parallel()

	c, _, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	tc, err := c.Begin(ctx, BeginOptions{Backend: dbmodel.Local})
	require.NoError(t, err)
	defer c.Rollback(ctx, tc, "test cleanup")

	assert.Error(t, c.RollbackToSavepoint(ctx, tc, "ghost"))
}

func TestNestedContextDiscardOnRollback(t *testing.T) {
	t.Parallel()

	c, adapter, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	parent, err := c.Begin(ctx, BeginOptions{Backend: dbmodel.Local})
	require.NoError(t, err)

	insertA := dbmodel.Operation{Kind: dbmodel.OpInsert, Table: "items", Data: map[string]any{"id": "a"}}
	_, err = c.Execute(ctx, parent, insertA)
	require.NoError(t, err)

	nested, err := c.Nested(ctx, parent, "sp1")
	require.NoError(t, err)
	insertB := dbmodel.Operation{Kind: dbmodel.OpInsert, Table: "items", Data: map[string]any{"id": "b"}}
	_, err = c.Execute(ctx, nested, insertB)
	require.NoError(t, err)

	// Failing the nested context rolls back to the savepoint; the parent
	// stays ACTIVE and commits afterward.
	_, _ = c.Rollback(ctx, nested, "nested failure")
	assert.Equal(t, []string{"sp1"}, adapter.lastTx.rollbackTo)
	assert.Equal(t, StateActive, parent.State)

	result, err := c.Commit(ctx, parent)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, adapter.lastTx.commits)
	assert.Equal(t, 0, adapter.lastTx.rollbacks)
}

func TestCallbackOrdering(t *testing.T) {
	t.Parallel()

	c, _, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	var events []Event
	tc, err := c.Begin(ctx, BeginOptions{Backend: dbmodel.Local})
	require.NoError(t, err)
	for _, ev := range []Event{BeforeCommit, AfterCommit, BeforeRollback, AfterRollback} {
		ev := ev
		tc.OnEvent(ev, func(*Context) error {
			events = append(events, ev)
			return nil
		})
	}

	_, err = c.Commit(ctx, tc)
	require.NoError(t, err)
	assert.Equal(t, []Event{BeforeCommit, AfterCommit}, events)
}

func TestBeforeCommitFailureForcesRollback(t *testing.T) {
	t.Parallel()

	c, adapter, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	tc, err := c.Begin(ctx, BeginOptions{Backend: dbmodel.Local})
	require.NoError(t, err)
	tc.OnEvent(BeforeCommit, func(*Context) error { return errors.New("precondition failed") })

	_, err = c.Commit(ctx, tc)
	require.Error(t, err)
	assert.Equal(t, 0, adapter.lastTx.commits)
	assert.Equal(t, 1, adapter.lastTx.rollbacks)
}

func TestRunWithRetryRecoversTransientFaults(t *testing.T) {
	t.Parallel()

	c, _, monitor, _ := newTestCoordinator(t)
	ctx := context.Background()

	attempts := 0
	opts := DefaultRetryOptions()
	opts.MaxAttempts = 3
	opts.BaseDelay = 10 * time.Millisecond

	result, err := c.RunWithRetry(ctx, BeginOptions{Backend: dbmodel.Local}, opts,
		func(ctx context.Context, tc *Context) error {
			attempts++
			if attempts < 3 {
				return errors.New("deadlock detected")
			}
			return nil
		})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Success)
	assert.Equal(t, 3, attempts)

	// The monitor saw a final successful transaction with retry_count >= 2.
	monitor.mu.Lock()
	defer monitor.mu.Unlock()
	require.NotEmpty(t, monitor.retries)
	assert.GreaterOrEqual(t, monitor.retries[len(monitor.retries)-1], 2)
}

func TestRunWithRetryDoesNotRetryPermanentErrors(t *testing.T) {
	t.Parallel()

	c, _, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	attempts := 0
	opts := DefaultRetryOptions()
	opts.MaxAttempts = 3
	opts.BaseDelay = time.Millisecond

	_, err := c.RunWithRetry(ctx, BeginOptions{Backend: dbmodel.Local}, opts,
		func(ctx context.Context, tc *Context) error {
			attempts++
			return errors.New("syntax error")
		})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestExpiredContextIsSweptBack(t *testing.T) {
	t.Parallel()

	c, adapter, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	tc, err := c.Begin(ctx, BeginOptions{Backend: dbmodel.Local, Timeout: time.Millisecond})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	assert.True(t, tc.Expired(time.Now()))

	c.sweepExpired()
	assert.Equal(t, 1, adapter.lastTx.rollbacks)
	assert.Equal(t, 0, c.ActiveCount())
}

func TestRollbackVictim(t *testing.T) {
	t.Parallel()

	c, adapter, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	tc, err := c.Begin(ctx, BeginOptions{Backend: dbmodel.Local})
	require.NoError(t, err)

	c.RollbackVictim(tc.ID)
	assert.Equal(t, 1, adapter.lastTx.rollbacks)
	assert.Equal(t, 0, c.ActiveCount())
}

func TestOperationCount(t *testing.T) {
	t.Parallel()

	c, _, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	tc, err := c.Begin(ctx, BeginOptions{Backend: dbmodel.Local})
	require.NoError(t, err)
	defer c.Rollback(ctx, tc, "test cleanup")

	assert.Equal(t, 0, c.OperationCount(tc.ID))
	_, err = c.Execute(ctx, tc, dbmodel.Operation{Kind: dbmodel.OpInsert, Table: "items", Data: map[string]any{"id": "a"}})
	require.NoError(t, err)
	assert.Equal(t, 1, c.OperationCount(tc.ID))
	assert.Equal(t, 0, c.OperationCount("nonexistent"))
}
