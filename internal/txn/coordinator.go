package txn

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nexuskernel/dbkernel/internal/backend"
	"github.com/nexuskernel/dbkernel/internal/dberrors"
	"github.com/nexuskernel/dbkernel/internal/dbmodel"
	"github.com/nexuskernel/dbkernel/internal/pool"
)

// DeadlockRegistrar is the minimal surface the transaction coordinator
// needs from the deadlock detector. Kept as an interface (rather than an
// import of package deadlock) so the lock-order rule stays enforceable by
// construction: the detector depends on nothing from txn, and notifies it
// only through the one-shot VictimFunc callback wired in by the
// composition root.
type DeadlockRegistrar interface {
	Register(txID string, priority int)
	Unregister(txID string)
}

// StatsRecorder is the minimal surface the performance monitor exposes
// to the transaction coordinator for emitting lifecycle events.
type StatsRecorder interface {
	RecordTransaction(result dbmodel.TransactionResult, retryCount int)
}

// Coordinator owns every active transaction context.
type Coordinator struct {
	pool     *pool.Pool
	adapters map[dbmodel.BackendKind]backend.Adapter
	deadlock DeadlockRegistrar
	monitor  StatsRecorder

	defaultIsolation backend.IsolationLevel
	defaultTimeout   time.Duration
	sweepInterval    time.Duration

	mu     sync.Mutex
	active map[string]*Context

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Config holds the coordinator's default tunables.
type Config struct {
	DefaultIsolation backend.IsolationLevel
	DefaultTimeout   time.Duration
	SweepInterval    time.Duration // paired with the deadlock detector's detection interval
}

func DefaultConfig() Config {
	return Config{
		DefaultIsolation: backend.ReadCommitted,
		DefaultTimeout:   300 * time.Second,
		SweepInterval:    time.Second,
	}
}

// New builds a Transaction Coordinator and starts its timeout sweeper.
func New(p *pool.Pool, adapters map[dbmodel.BackendKind]backend.Adapter, cfg Config, deadlock DeadlockRegistrar, monitor StatsRecorder) *Coordinator {
	c := &Coordinator{
		pool:             p,
		adapters:         adapters,
		deadlock:         deadlock,
		monitor:          monitor,
		defaultIsolation: cfg.DefaultIsolation,
		defaultTimeout:   cfg.DefaultTimeout,
		sweepInterval:    cfg.SweepInterval,
		active:           make(map[string]*Context),
		stopCh:           make(chan struct{}),
	}
	c.wg.Add(1)
	go c.sweepLoop()
	return c
}

// Shutdown stops the sweeper. It does not touch in-flight transactions.
func (c *Coordinator) Shutdown() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	c.wg.Wait()
}

// BeginOptions configures Begin; zero values fall back to the
// coordinator's defaults.
type BeginOptions struct {
	Backend   dbmodel.BackendKind
	Conn      *dbmodel.Connection // optional: reuse an already-acquired connection
	Isolation backend.IsolationLevel
	Timeout   time.Duration
	Readonly  bool
	TenantID  string
	Priority  int
}

// Begin acquires a connection (unless one was supplied), opens a backend
// transaction at the requested isolation level, registers the tx with the
// deadlock detector, and returns an ACTIVE Context. Once Begin selects a
// connection/backend the transaction completes on that backend or rolls
// back; it is never migrated mid-flight.
func (c *Coordinator) Begin(ctx context.Context, opts BeginOptions) (*Context, error) {
	isolation := opts.Isolation
	if isolation == "" {
		isolation = c.defaultIsolation
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = c.defaultTimeout
	}

	conn := opts.Conn
	if conn == nil {
		kind := opts.Backend
		if kind == "" {
			return nil, dberrors.New(dberrors.KindValidationFailure, "begin requires a backend kind or an existing connection")
		}
		acquired, err := c.pool.Acquire(ctx, kind, timeout)
		if err != nil {
			return nil, err
		}
		conn = acquired
	}

	adapter, ok := c.adapters[conn.Backend]
	if !ok {
		c.pool.Release(conn)
		return nil, dberrors.Newf(dberrors.KindValidationFailure, "no adapter for backend %q", conn.Backend)
	}
	beginner, ok := adapter.(backend.TxBeginner)
	if !ok {
		c.pool.Release(conn)
		return nil, dberrors.New(dberrors.KindValidationFailure, "adapter does not support transactions")
	}

	tx, err := beginner.BeginTx(ctx, conn, isolation, opts.Readonly)
	if err != nil {
		c.pool.Release(conn)
		return nil, err
	}

	id := uuid.NewString()
	tc := newContext(id, conn, isolation, opts.Readonly, timeout, tx)
	tc.TenantID = opts.TenantID
	tc.Priority = opts.Priority

	c.mu.Lock()
	c.active[id] = tc
	c.mu.Unlock()

	if c.deadlock != nil {
		c.deadlock.Register(id, opts.Priority)
	}
	return tc, nil
}

// Execute runs op inside tc, appending it to tc.Operations on success.
func (c *Coordinator) Execute(ctx context.Context, tc *Context, op dbmodel.Operation) (*dbmodel.QueryResult, error) {
	tc.mu.Lock()
	if tc.State != StateActive {
		tc.mu.Unlock()
		return nil, dberrors.Newf(dberrors.KindTransactionFailure, "transaction %s is not active", tc.ID).WithID(tc.ID)
	}
	tx := tc.tx
	tc.mu.Unlock()

	result, err := tx.Execute(ctx, op)
	if err != nil {
		return result, err
	}

	tc.mu.Lock()
	tc.Operations = append(tc.Operations, op)
	tc.mu.Unlock()
	return result, nil
}

// Commit runs before_commit callbacks, commits, then after_commit
// callbacks, finalizing tc's lifecycle either way. A failed commit still
// leaves exactly one ROLLBACK and zero COMMITs observed by the backend.
func (c *Coordinator) Commit(ctx context.Context, tc *Context) (*dbmodel.TransactionResult, error) {
	tc.mu.Lock()
	if tc.State != StateActive {
		err := dberrors.Newf(dberrors.KindTransactionFailure, "transaction %s is not active", tc.ID).WithID(tc.ID)
		tc.mu.Unlock()
		return nil, err
	}
	if cbErr := tc.runCallbacksLocked(BeforeCommit); cbErr != nil {
		tc.mu.Unlock()
		return c.rollbackWithReason(ctx, tc, "before_commit callback failed: "+cbErr.Error())
	}
	tx := tc.tx
	opsCount := len(tc.Operations)
	tc.mu.Unlock()

	start := time.Now()
	if err := tx.Commit(ctx); err != nil {
		return c.rollbackWithReason(ctx, tc, "commit failed: "+err.Error())
	}

	tc.mu.Lock()
	tc.State = StateCommitted
	tc.EndTime = time.Now()
	_ = tc.runCallbacksLocked(AfterCommit)
	tc.mu.Unlock()

	c.finalize(ctx, tc)
	result := dbmodel.TransactionResult{Success: true, TxID: tc.ID, OpsCount: opsCount, Elapsed: time.Since(start)}
	if c.monitor != nil {
		c.monitor.RecordTransaction(result, tc.RetryCount)
	}
	return &result, nil
}

// Rollback issues ROLLBACK and runs before/after_rollback callbacks.
func (c *Coordinator) Rollback(ctx context.Context, tc *Context, reason string) (*dbmodel.TransactionResult, error) {
	return c.rollbackWithReason(ctx, tc, reason)
}

func (c *Coordinator) rollbackWithReason(ctx context.Context, tc *Context, reason string) (*dbmodel.TransactionResult, error) {
	tc.mu.Lock()
	if tc.State != StateActive {
		tc.mu.Unlock()
		return &dbmodel.TransactionResult{TxID: tc.ID, RollbackPerformed: false}, nil
	}
	_ = tc.runCallbacksLocked(BeforeRollback)
	tx := tc.tx
	opsCount := len(tc.Operations)
	tc.mu.Unlock()

	start := time.Now()
	err := tx.Rollback(ctx)

	tc.mu.Lock()
	tc.State = StateRolledBack
	if err != nil {
		tc.State = StateFailed
	}
	tc.EndTime = time.Now()
	_ = tc.runCallbacksLocked(AfterRollback)
	tc.mu.Unlock()

	c.finalize(ctx, tc)
	result := dbmodel.TransactionResult{
		TxID:              tc.ID,
		OpsCount:          opsCount,
		RollbackPerformed: true,
		Elapsed:           time.Since(start),
	}
	if err != nil {
		result.Err = dberrors.New(dberrors.KindTransactionFailure, reason).WithCause(err).WithID(tc.ID)
	} else {
		result.Err = dberrors.New(dberrors.KindTransactionFailure, reason).WithID(tc.ID)
	}
	if c.monitor != nil {
		c.monitor.RecordTransaction(result, tc.RetryCount)
	}
	log.Warn().Str("tx_id", tc.ID).Str("reason", reason).Msg("txn: rolled back")
	return &result, result.Err
}

// finalize removes tc from the active set, unregisters it from the
// deadlock detector and releases its connection, unless it is a nested
// (savepoint-backed) context, whose connection belongs to its parent.
func (c *Coordinator) finalize(ctx context.Context, tc *Context) {
	c.mu.Lock()
	delete(c.active, tc.ID)
	c.mu.Unlock()

	if c.deadlock != nil {
		c.deadlock.Unregister(tc.ID)
	}
	if tc.Parent == nil {
		c.pool.Release(tc.Conn)
	}
}

// ScopedTransaction begins a transaction, invokes fn, and commits on
// success or rolls back (and returns fn's error) on failure.
func (c *Coordinator) ScopedTransaction(ctx context.Context, opts BeginOptions, fn func(ctx context.Context, tc *Context) error) (*dbmodel.TransactionResult, error) {
	tc, err := c.Begin(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := fn(ctx, tc); err != nil {
		_, rbErr := c.rollbackWithReason(ctx, tc, err.Error())
		if rbErr != nil {
			return nil, rbErr
		}
		return nil, err
	}
	return c.Commit(ctx, tc)
}

// ActiveCount reports how many transactions are currently active; used by
// tests and health reporting.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// OperationCount reports how many operations txID has executed, or 0 if
// it is not active. The deadlock detector's abort_least_work strategy
// reads this through its WorkCounter hook.
func (c *Coordinator) OperationCount(txID string) int {
	c.mu.Lock()
	tc, ok := c.active[txID]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	return tc.OpsCount()
}
