package dbkernel

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuskernel/dbkernel/internal/backend"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.MinConnections)
	assert.Equal(t, 10, cfg.MaxConnections)
	assert.Equal(t, 30*time.Second, cfg.ConnectionTimeout)
	assert.Equal(t, 300*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 3600*time.Second, cfg.ConnectionMaxAge)
	assert.Equal(t, 60*time.Second, cfg.HealthCheckInterval)
	assert.Equal(t, 120*time.Second, cfg.CleanupInterval)
	assert.Equal(t, 30*time.Second, cfg.FailedConnectionRetryInterval)
	assert.False(t, cfg.AutoScaleEnabled)
	assert.InDelta(t, 0.8, cfg.ScaleUpThreshold, 1e-9)
	assert.InDelta(t, 0.3, cfg.ScaleDownThreshold, 1e-9)
	assert.Equal(t, 300*time.Second, cfg.TxTimeout)
	assert.Equal(t, time.Second, cfg.DetectionInterval)
	assert.Equal(t, 5*time.Second, cfg.MonitoringInterval)
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dbkernel.yaml")
	content := []byte("max_connections: 25\nlocal_path: /tmp/test.db\nauto_scale_enabled: true\n")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.MaxConnections)
	assert.Equal(t, "/tmp/test.db", cfg.LocalPath)
	assert.True(t, cfg.AutoScaleEnabled)
	// Untouched keys keep their defaults.
	assert.Equal(t, 2, cfg.MinConnections)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("DBKERNEL_MAX_CONNECTIONS", "7")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxConnections)
}

func TestIsolationParsing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want backend.IsolationLevel
	}{
		{"read_uncommitted", backend.ReadUncommitted},
		{"read_committed", backend.ReadCommitted},
		{"repeatable_read", backend.RepeatableRead},
		{"serializable", backend.Serializable},
		{"SERIALIZABLE", backend.Serializable},
		{"unknown", backend.ReadCommitted},
		{"", backend.ReadCommitted},
	}
	for _, tt := range tests {
		cfg := Config{IsolationLevel: tt.in}
		assert.Equal(t, tt.want, cfg.isolation(), "isolation %q", tt.in)
	}
}

func TestOpenRequiresABackend(t *testing.T) {
	t.Parallel()

	_, err := Open(t.Context(), DefaultConfig())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindValidationFailure))
}
