// Package dbkernel is the composition root for the database access
// kernel: it wires the connection pool, database coordinator,
// transaction coordinator, deadlock detector, performance monitor,
// migration engine and tenant access controller into one Kernel, driven
// by a single Config.
package dbkernel

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nexuskernel/dbkernel/internal/backend"
	"github.com/nexuskernel/dbkernel/internal/deadlock"
	"github.com/nexuskernel/dbkernel/internal/pool"
)

// Config holds every tunable from the configuration table plus the two
// backend descriptors. Either PrimaryDSN or LocalPath must be set;
// setting both enables failover.
type Config struct {
	PrimaryDSN string `mapstructure:"primary_dsn"`
	LocalPath  string `mapstructure:"local_path"`

	MinConnections                int           `mapstructure:"min_connections"`
	MaxConnections                int           `mapstructure:"max_connections"`
	ConnectionTimeout             time.Duration `mapstructure:"connection_timeout"`
	IdleTimeout                   time.Duration `mapstructure:"idle_timeout"`
	ConnectionMaxAge              time.Duration `mapstructure:"connection_max_age"`
	HealthCheckInterval           time.Duration `mapstructure:"health_check_interval"`
	CleanupInterval               time.Duration `mapstructure:"cleanup_interval"`
	FailedConnectionRetryInterval time.Duration `mapstructure:"failed_connection_retry_interval"`
	AutoScaleEnabled              bool          `mapstructure:"auto_scale_enabled"`
	ScaleUpThreshold              float64       `mapstructure:"scale_up_threshold"`
	ScaleDownThreshold            float64       `mapstructure:"scale_down_threshold"`

	IsolationLevel     string        `mapstructure:"isolation_level"`
	TxTimeout          time.Duration `mapstructure:"tx_timeout"`
	DetectionInterval  time.Duration `mapstructure:"detection_interval"`
	MonitoringInterval time.Duration `mapstructure:"monitoring_interval"`
	DeadlockStrategy   string        `mapstructure:"deadlock_strategy"`

	BackupDir string `mapstructure:"backup_dir"`
}

// DefaultConfig returns the defaults from the configuration table.
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
		IsolationLevel:                string(backend.ReadCommitted),
		TxTimeout:                     300 * time.Second,
		DetectionInterval:             time.Second,
		MonitoringInterval:            5 * time.Second,
		DeadlockStrategy:              string(deadlock.AbortYoungest),
		BackupDir:                     "backups",
	}
}

// LoadConfig reads configuration from an optional file plus DBKERNEL_*
// environment variables layered over the defaults.
func LoadConfig(configFile string) (Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("min_connections", defaults.MinConnections)
	v.SetDefault("max_connections", defaults.MaxConnections)
	v.SetDefault("connection_timeout", defaults.ConnectionTimeout)
	v.SetDefault("idle_timeout", defaults.IdleTimeout)
	v.SetDefault("connection_max_age", defaults.ConnectionMaxAge)
	v.SetDefault("health_check_interval", defaults.HealthCheckInterval)
	v.SetDefault("cleanup_interval", defaults.CleanupInterval)
	v.SetDefault("failed_connection_retry_interval", defaults.FailedConnectionRetryInterval)
	v.SetDefault("auto_scale_enabled", defaults.AutoScaleEnabled)
	v.SetDefault("scale_up_threshold", defaults.ScaleUpThreshold)
	v.SetDefault("scale_down_threshold", defaults.ScaleDownThreshold)
	v.SetDefault("isolation_level", defaults.IsolationLevel)
	v.SetDefault("tx_timeout", defaults.TxTimeout)
	v.SetDefault("detection_interval", defaults.DetectionInterval)
	v.SetDefault("monitoring_interval", defaults.MonitoringInterval)
	v.SetDefault("deadlock_strategy", defaults.DeadlockStrategy)
	v.SetDefault("backup_dir", defaults.BackupDir)
	v.SetDefault("primary_dsn", "")
	v.SetDefault("local_path", "")

	v.SetEnvPrefix("DBKERNEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// poolConfig maps Config onto the pool's own Config type.
func (c Config) poolConfig() pool.Config {
	return pool.Config{
		MinConnections:                c.MinConnections,
		MaxConnections:                c.MaxConnections,
		ConnectionTimeout:             c.ConnectionTimeout,
		IdleTimeout:                   c.IdleTimeout,
		ConnectionMaxAge:              c.ConnectionMaxAge,
		HealthCheckInterval:           c.HealthCheckInterval,
		CleanupInterval:               c.CleanupInterval,
		FailedConnectionRetryInterval: c.FailedConnectionRetryInterval,
		AutoScaleEnabled:              c.AutoScaleEnabled,
		ScaleUpThreshold:              c.ScaleUpThreshold,
		ScaleDownThreshold:            c.ScaleDownThreshold,
		MonitoringEnabled:             true,
	}
}

// isolation parses the configured default isolation level, falling back
// to READ_COMMITTED for unknown values.
func (c Config) isolation() backend.IsolationLevel {
	switch strings.ToLower(c.IsolationLevel) {
	case "read_uncommitted":
		return backend.ReadUncommitted
	case "repeatable_read":
		return backend.RepeatableRead
	case "serializable":
		return backend.Serializable
	default:
		return backend.ReadCommitted
	}
}
