package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nexuskernel/dbkernel"
)

var (
	configFile string
	primaryDSN string
	localPath  string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dbkernel",
		Short: "Database access kernel: pooling, transactions, migrations and tenant isolation over Postgres and SQLite",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", logLevel, err)
			}
			zerolog.SetGlobalLevel(level)
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&primaryDSN, "primary-dsn", "", "Postgres DSN for the primary backend")
	rootCmd.PersistentFlags().StringVar(&localPath, "local-db", "", "Path to the local SQLite database file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(runMigrateCommand())
	rootCmd.AddCommand(runStatusCommand())
	rootCmd.AddCommand(runDemoCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig merges file/env configuration with the CLI flag overrides.
func loadConfig() (dbkernel.Config, error) {
	cfg, err := dbkernel.LoadConfig(configFile)
	if err != nil {
		return dbkernel.Config{}, err
	}
	if primaryDSN != "" {
		cfg.PrimaryDSN = primaryDSN
	}
	if localPath != "" {
		cfg.LocalPath = localPath
	}
	if cfg.PrimaryDSN == "" && cfg.LocalPath == "" {
		cfg.LocalPath = "dbkernel.db"
	}
	return cfg, nil
}

func openKernel(cmd *cobra.Command) (*dbkernel.Kernel, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return dbkernel.Open(cmd.Context(), cfg)
}
