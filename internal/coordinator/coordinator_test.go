package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuskernel/dbkernel/internal/backend"
	"github.com/nexuskernel/dbkernel/internal/dberrors"
	"github.com/nexuskernel/dbkernel/internal/dbmodel"
	"github.com/nexuskernel/dbkernel/internal/pool"
)

// switchableAdapter is a backend.Adapter whose availability can be
// toggled, for driving failover scenarios.
type switchableAdapter struct {
	kind dbmodel.BackendKind

	mu       sync.Mutex
	down     bool
	executed []dbmodel.Operation
}

func (s *switchableAdapter) setDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

func (s *switchableAdapter) Kind() dbmodel.BackendKind { return s.kind }

func (s *switchableAdapter) Connect(ctx context.Context) (*dbmodel.Connection, error) {
	s.mu.Lock()
	down := s.down
	s.mu.Unlock()
	if down {
		return nil, dberrors.New(dberrors.KindConnectionFailure, "backend refused connection").
			WithDetail("backend", s.kind)
	}
	now := time.Now()
	return &dbmodel.Connection{
		ID:         uuid.NewString(),
		Backend:    s.kind,
		Status:     dbmodel.StatusConnected,
		CreatedAt:  now,
		LastUsedAt: now,
	}, nil
}

func (s *switchableAdapter) Disconnect(ctx context.Context, conn *dbmodel.Connection) error {
	conn.Status = dbmodel.StatusDisconnected
	return nil
}

func (s *switchableAdapter) IsConnected(conn *dbmodel.Connection) bool {
	return conn.Status == dbmodel.StatusConnected
}

func (s *switchableAdapter) Ping(ctx context.Context, conn *dbmodel.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return errors.New("backend down")
	}
	return nil
}

func (s *switchableAdapter) Execute(ctx context.Context, conn *dbmodel.Connection, op dbmodel.Operation) (*dbmodel.QueryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, dberrors.New(dberrors.KindConnectionFailure, "backend down")
	}
	s.executed = append(s.executed, op)
	return &dbmodel.QueryResult{Success: true, RowsAffected: 1}, nil
}

func (s *switchableAdapter) Transact(ctx context.Context, conn *dbmodel.Connection, ops []dbmodel.Operation) (*dbmodel.TransactionResult, error) {
	return &dbmodel.TransactionResult{Success: true, OpsCount: len(ops)}, nil
}

func (s *switchableAdapter) Health(ctx context.Context, conn *dbmodel.Connection) (*dbmodel.HealthMetrics, error) {
	return &dbmodel.HealthMetrics{Backend: s.kind, Available: !s.down}, nil
}

func (s *switchableAdapter) Backup(ctx context.Context, conn *dbmodel.Connection, path string) (*dbmodel.BackupResult, error) {
	if s.kind == dbmodel.Primary {
		return nil, dberrors.New(dberrors.KindOperationNotSupported, "primary backend does not support file-level backup")
	}
	return &dbmodel.BackupResult{Success: true, BackupPath: path}, nil
}

func (s *switchableAdapter) Restore(ctx context.Context, conn *dbmodel.Connection, path string) (*dbmodel.RestoreResult, error) {
	return &dbmodel.RestoreResult{Success: true, RestorePath: path}, nil
}

func (s *switchableAdapter) Optimize(ctx context.Context, conn *dbmodel.Connection) (*dbmodel.OptimizationResult, error) {
	return &dbmodel.OptimizationResult{Success: true}, nil
}

func (s *switchableAdapter) IsRetryable(err error) bool { return false }

func (s *switchableAdapter) Close(ctx context.Context) error { return nil }

var _ backend.Adapter = (*switchableAdapter)(nil)

func newTestCoordinator(t *testing.T) (*Coordinator, *switchableAdapter, *switchableAdapter) {
	t.Helper()
	primary := &switchableAdapter{kind: dbmodel.Primary}
	local := &switchableAdapter{kind: dbmodel.Local}
	adapters := map[dbmodel.BackendKind]backend.Adapter{
		dbmodel.Primary: primary,
		dbmodel.Local:   local,
	}

	poolCfg := pool.DefaultConfig()
	poolCfg.CleanupInterval = time.Hour
	poolCfg.HealthCheckInterval = time.Hour
	poolCfg.MonitoringEnabled = false
	p := pool.New(poolCfg, adapters)

	c := New(p, adapters, 200*time.Millisecond)
	t.Cleanup(func() { c.Close(context.Background()) })
	return c, primary, local
}

func TestPrimaryPreferredAtStartup(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCoordinator(t)
	assert.Equal(t, dbmodel.Primary, c.Current())
	assert.False(t, c.FailoverOccurred())
}

func TestFailoverOnPrimaryOutage(t *testing.T) {
	t.Parallel()

	c, primary, _ := newTestCoordinator(t)
	primary.setDown(true)

	conn, kind, err := c.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, dbmodel.Local, kind)
	assert.Equal(t, dbmodel.Local, conn.Backend)
	assert.Equal(t, dbmodel.Local, c.Current())
	assert.True(t, c.FailoverOccurred())
	c.Pool().Release(conn)
}

func TestFailoverFailsWhenBothDown(t *testing.T) {
	t.Parallel()

	c, primary, local := newTestCoordinator(t)
	primary.setDown(true)
	local.setDown(true)

	_, _, err := c.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, dberrors.OfKind(err, dberrors.KindFailoverFailure))
}

func TestPrimaryRecovery(t *testing.T) {
	t.Parallel()

	c, primary, _ := newTestCoordinator(t)
	primary.setDown(true)

	conn, _, err := c.Acquire(context.Background())
	require.NoError(t, err)
	c.Pool().Release(conn)
	require.Equal(t, dbmodel.Local, c.Current())

	// Recovery fails while primary is still down.
	require.Error(t, c.AttemptPrimaryRecovery(context.Background()))
	assert.Equal(t, dbmodel.Local, c.Current())

	// Once primary answers again, current switches back.
	primary.setDown(false)
	require.NoError(t, c.AttemptPrimaryRecovery(context.Background()))
	assert.Equal(t, dbmodel.Primary, c.Current())
}

func TestForceFailover(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCoordinator(t)
	require.Equal(t, dbmodel.Primary, c.Current())

	require.NoError(t, c.ForceFailover(context.Background()))
	assert.Equal(t, dbmodel.Local, c.Current())
	assert.True(t, c.FailoverOccurred())
}

func TestForceFailoverRejectsUnhealthyAlternate(t *testing.T) {
	t.Parallel()

	c, _, local := newTestCoordinator(t)
	local.setDown(true)

	err := c.ForceFailover(context.Background())
	require.Error(t, err)
	assert.Equal(t, dbmodel.Primary, c.Current())
}

func TestExecuteRoutesToCurrentBackend(t *testing.T) {
	t.Parallel()

	c, primary, local := newTestCoordinator(t)

	op := dbmodel.Operation{Kind: dbmodel.OpSelect, Table: "items"}
	_, err := c.Execute(context.Background(), op)
	require.NoError(t, err)

	primary.mu.Lock()
	primaryOps := len(primary.executed)
	primary.mu.Unlock()
	local.mu.Lock()
	localOps := len(local.executed)
	local.mu.Unlock()
	assert.Equal(t, 1, primaryOps)
	assert.Equal(t, 0, localOps)
}

func TestStoreJSONGeneratesIDAndTimestamps(t *testing.T) {
	t.Parallel()

	c, primary, _ := newTestCoordinator(t)

	id, err := c.StoreJSON(context.Background(), "records", map[string]any{"kind": "widget"}, "tenant-1")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	primary.mu.Lock()
	defer primary.mu.Unlock()
	require.Len(t, primary.executed, 1)
	op := primary.executed[0]
	assert.Equal(t, dbmodel.OpInsert, op.Kind)
	assert.Equal(t, "records", op.Table)
	assert.Equal(t, id, op.Data["id"])
	assert.Equal(t, "tenant-1", op.Data["tenant_id"])
	assert.Contains(t, op.Data["data"], `"kind": "widget"`)
	assert.NotEmpty(t, op.Data["created_at"])
}

func TestQueryJSONBuildsLikePattern(t *testing.T) {
	t.Parallel()

	c, primary, _ := newTestCoordinator(t)

	_, err := c.QueryJSON(context.Background(), "records", "kind", "widget")
	require.NoError(t, err)

	primary.mu.Lock()
	defer primary.mu.Unlock()
	require.Len(t, primary.executed, 1)
	op := primary.executed[0]
	assert.Contains(t, op.RawQuery, "LIKE")
	assert.Equal(t, `%"kind": "widget"%`, op.Data["pattern"])
}
