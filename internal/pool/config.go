// Package pool implements the connection pool: lifecycle, health
// monitoring, auto-scaling and per-connection performance scoring, with a
// dedicated background goroutine per concern, a stop channel, and a
// WaitGroup joined on shutdown.
package pool

import "time"

// Config holds the pool tunables.
type Config struct {
	MinConnections                int
	MaxConnections                int
	ConnectionTimeout              time.Duration
	IdleTimeout                    time.Duration
	ConnectionMaxAge               time.Duration
	HealthCheckInterval            time.Duration
	CleanupInterval                time.Duration
	FailedConnectionRetryInterval  time.Duration
	AutoScaleEnabled               bool
	ScaleUpThreshold               float64
	ScaleDownThreshold             float64
	MonitoringEnabled              bool
}

// DefaultConfig returns the standard defaults.
func DefaultConfig() Config {
	return Config{
		MinConnections:                2,
		MaxConnections:                10,
		ConnectionTimeout:             30 * time.Second,
		IdleTimeout:                   300 * time.Second,
		ConnectionMaxAge:              3600 * time.Second,
		HealthCheckInterval:           60 * time.Second,
		CleanupInterval:               120 * time.Second,
		FailedConnectionRetryInterval: 30 * time.Second,
		AutoScaleEnabled:              false,
		ScaleUpThreshold:              0.8,
		ScaleDownThreshold:            0.3,
		MonitoringEnabled:             true,
	}
}

const (
	maxAutoScaleCeiling  = 50
	healthCheckWindow    = 30 * time.Second
	maxHealthFailures    = 3
	snapshotInterval     = 30 * time.Second
	maxSnapshots         = 100
	snapshotRetention    = 24 * time.Hour
)
