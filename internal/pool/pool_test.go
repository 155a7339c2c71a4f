package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuskernel/dbkernel/internal/backend"
	"github.com/nexuskernel/dbkernel/internal/dberrors"
	"github.com/nexuskernel/dbkernel/internal/dbmodel"
)

// fakeAdapter is an in-memory backend.Adapter for pool tests.
type fakeAdapter struct {
	kind dbmodel.BackendKind

	mu          sync.Mutex
	connectErr  error
	pingErr     error
	connects    atomic.Int64
	disconnects atomic.Int64
}

func newFakeAdapter(kind dbmodel.BackendKind) *fakeAdapter {
	return &fakeAdapter{kind: kind}
}

func (f *fakeAdapter) setConnectErr(err error) {
	f.mu.Lock()
	f.connectErr = err
	f.mu.Unlock()
}

func (f *fakeAdapter) Kind() dbmodel.BackendKind { return f.kind }

func (f *fakeAdapter) Connect(ctx context.Context) (*dbmodel.Connection, error) {
	f.mu.Lock()
	err := f.connectErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	f.connects.Add(1)
	now := time.Now()
	return &dbmodel.Connection{
		ID:         uuid.NewString(),
		Backend:    f.kind,
		Status:     dbmodel.StatusConnected,
		CreatedAt:  now,
		LastUsedAt: now,
	}, nil
}

func (f *fakeAdapter) Disconnect(ctx context.Context, conn *dbmodel.Connection) error {
	f.disconnects.Add(1)
	conn.Status = dbmodel.StatusDisconnected
	return nil
}

func (f *fakeAdapter) IsConnected(conn *dbmodel.Connection) bool {
	return conn.Status == dbmodel.StatusConnected
}

func (f *fakeAdapter) Ping(ctx context.Context, conn *dbmodel.Connection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeAdapter) Execute(ctx context.Context, conn *dbmodel.Connection, op dbmodel.Operation) (*dbmodel.QueryResult, error) {
	return &dbmodel.QueryResult{Success: true}, nil
}

func (f *fakeAdapter) Transact(ctx context.Context, conn *dbmodel.Connection, ops []dbmodel.Operation) (*dbmodel.TransactionResult, error) {
	return &dbmodel.TransactionResult{Success: true, OpsCount: len(ops)}, nil
}

func (f *fakeAdapter) Health(ctx context.Context, conn *dbmodel.Connection) (*dbmodel.HealthMetrics, error) {
	return &dbmodel.HealthMetrics{Backend: f.kind, Available: true}, nil
}

func (f *fakeAdapter) Backup(ctx context.Context, conn *dbmodel.Connection, path string) (*dbmodel.BackupResult, error) {
	return &dbmodel.BackupResult{Success: true, BackupPath: path}, nil
}

func (f *fakeAdapter) Restore(ctx context.Context, conn *dbmodel.Connection, path string) (*dbmodel.RestoreResult, error) {
	return &dbmodel.RestoreResult{Success: true, RestorePath: path}, nil
}

func (f *fakeAdapter) Optimize(ctx context.Context, conn *dbmodel.Connection) (*dbmodel.OptimizationResult, error) {
	return &dbmodel.OptimizationResult{Success: true}, nil
}

func (f *fakeAdapter) IsRetryable(err error) bool { return false }

func (f *fakeAdapter) Close(ctx context.Context) error { return nil }

var _ backend.Adapter = (*fakeAdapter)(nil)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxConnections = 3
	cfg.MinConnections = 1
	// Long worker cadences keep the background loops quiet during tests.
	cfg.CleanupInterval = time.Hour
	cfg.HealthCheckInterval = time.Hour
	cfg.MonitoringEnabled = false
	return cfg
}

func newTestPool(t *testing.T, cfg Config) (*Pool, *fakeAdapter) {
	t.Helper()
	adapter := newFakeAdapter(dbmodel.Local)
	p := New(cfg, map[dbmodel.BackendKind]backend.Adapter{dbmodel.Local: adapter})
	t.Cleanup(func() { p.CloseAll(context.Background()) })
	return p, adapter
}

func TestAcquireCreatesAndReusesConnections(t *testing.T) {
	t.Parallel()

	p, adapter := newTestPool(t, testConfig())
	ctx := context.Background()

	conn, err := p.Acquire(ctx, dbmodel.Local, time.Second)
	require.NoError(t, err)
	assert.Equal(t, dbmodel.StatusConnected, conn.Status)
	assert.Equal(t, int64(1), adapter.connects.Load())

	p.Release(conn)

	// A second acquire reuses the idle connection instead of dialing.
	again, err := p.Acquire(ctx, dbmodel.Local, time.Second)
	require.NoError(t, err)
	assert.Equal(t, conn.ID, again.ID)
	assert.Equal(t, int64(1), adapter.connects.Load())
}

func TestAcquireNeverExceedsMaxConnections(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	p, _ := newTestPool(t, cfg)
	ctx := context.Background()

	var conns []*dbmodel.Connection
	for i := 0; i < cfg.MaxConnections; i++ {
		conn, err := p.Acquire(ctx, dbmodel.Local, time.Second)
		require.NoError(t, err)
		conns = append(conns, conn)
	}

	stats := p.Stats()
	assert.Equal(t, cfg.MaxConnections, stats.Total)
	assert.Equal(t, cfg.MaxConnections, stats.Active)

	// Pool is saturated: the next acquire must time out with PoolTimeout.
	_, err := p.Acquire(ctx, dbmodel.Local, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, dberrors.OfKind(err, dberrors.KindPoolTimeout))
	assert.Equal(t, cfg.MaxConnections, p.Stats().Total)

	for _, c := range conns {
		p.Release(c)
	}
}

func TestAcquireWaitsForRelease(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxConnections = 1
	p, _ := newTestPool(t, cfg)
	ctx := context.Background()

	conn, err := p.Acquire(ctx, dbmodel.Local, time.Second)
	require.NoError(t, err)

	done := make(chan *dbmodel.Connection, 1)
	go func() {
		c, err := p.Acquire(ctx, dbmodel.Local, 2*time.Second)
		if err != nil {
			done <- nil
			return
		}
		done <- c
	}()

	time.Sleep(50 * time.Millisecond)
	p.Release(conn)

	select {
	case got := <-done:
		require.NotNil(t, got)
		assert.Equal(t, conn.ID, got.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("waiter never woke up after release")
	}
}

func TestDoubleReleaseIsNoOp(t *testing.T) {
	t.Parallel()

	p, adapter := newTestPool(t, testConfig())
	ctx := context.Background()

	conn, err := p.Acquire(ctx, dbmodel.Local, time.Second)
	require.NoError(t, err)

	p.Release(conn)
	statsAfterFirst := p.Stats()
	p.Release(conn)
	statsAfterSecond := p.Stats()

	assert.Equal(t, statsAfterFirst.Total, statsAfterSecond.Total)
	assert.Equal(t, statsAfterFirst.Idle, statsAfterSecond.Idle)
	assert.Equal(t, int64(0), adapter.disconnects.Load())
}

func TestCloseAllIsIdempotent(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, testConfig())
	ctx := context.Background()

	conn, err := p.Acquire(ctx, dbmodel.Local, time.Second)
	require.NoError(t, err)
	p.Release(conn)

	p.CloseAll(ctx)
	p.CloseAll(ctx)

	assert.Equal(t, 0, p.Stats().Total)
	_, err = p.Acquire(ctx, dbmodel.Local, 10*time.Millisecond)
	assert.Error(t, err)
}

func TestOnFailureReplacesConnection(t *testing.T) {
	t.Parallel()

	p, adapter := newTestPool(t, testConfig())
	ctx := context.Background()

	conn, err := p.Acquire(ctx, dbmodel.Local, time.Second)
	require.NoError(t, err)

	p.OnFailure(ctx, conn)

	assert.Equal(t, dbmodel.StatusFailed, conn.Status)
	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Failures)
	assert.Equal(t, int64(1), stats.Recoveries)
	// The failed connection was removed and a replacement parked idle.
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Idle)
	assert.GreaterOrEqual(t, adapter.disconnects.Load(), int64(1))
}

func TestOnFailureDefersWhenReplacementFails(t *testing.T) {
	t.Parallel()

	p, adapter := newTestPool(t, testConfig())
	ctx := context.Background()

	conn, err := p.Acquire(ctx, dbmodel.Local, time.Second)
	require.NoError(t, err)

	adapter.setConnectErr(errors.New("backend down"))
	p.OnFailure(ctx, conn)

	stats := p.Stats()
	assert.Equal(t, 0, stats.Total)
	assert.Equal(t, int64(0), stats.Recoveries)
}

func TestResizeShrinksIdleConnections(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxConnections = 4
	p, _ := newTestPool(t, cfg)
	ctx := context.Background()

	var conns []*dbmodel.Connection
	for i := 0; i < 4; i++ {
		conn, err := p.Acquire(ctx, dbmodel.Local, time.Second)
		require.NoError(t, err)
		conns = append(conns, conn)
	}
	for _, c := range conns {
		p.Release(c)
	}
	require.Equal(t, 4, p.Stats().Total)

	p.Resize(2)
	stats := p.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, int64(2), stats.ConnectionsDestroyed)
}

func TestAcquireFailsForUnconfiguredBackend(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, testConfig())
	_, err := p.Acquire(context.Background(), dbmodel.Primary, time.Second)
	assert.Error(t, err)
}

func TestHealthSummaryStatusTiers(t *testing.T) {
	t.Parallel()

	assert.Equal(t, HealthExcellent, classifyHealth(0.95))
	assert.Equal(t, HealthExcellent, classifyHealth(0.9))
	assert.Equal(t, HealthGood, classifyHealth(0.75))
	assert.Equal(t, HealthFair, classifyHealth(0.55))
	assert.Equal(t, HealthPoor, classifyHealth(0.2))
}

func TestAcquireKeepsPerformanceScoreInRange(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, testConfig())
	ctx := context.Background()

	conn, err := p.Acquire(ctx, dbmodel.Local, time.Second)
	require.NoError(t, err)
	defer p.Release(conn)

	p.mu.Lock()
	score := p.entries[conn.ID].metrics.PerformanceScore
	p.mu.Unlock()
	// A fast acquire recovers toward (and caps at) the maximum.
	assert.Equal(t, dbmodel.MaxPerformanceScore, score)
}

func TestStatsEfficiency(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, testConfig())
	ctx := context.Background()

	a, err := p.Acquire(ctx, dbmodel.Local, time.Second)
	require.NoError(t, err)
	b, err := p.Acquire(ctx, dbmodel.Local, time.Second)
	require.NoError(t, err)
	p.Release(b)

	stats := p.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.Idle)
	assert.InDelta(t, 0.5, stats.Efficiency, 1e-9)

	p.Release(a)
}
