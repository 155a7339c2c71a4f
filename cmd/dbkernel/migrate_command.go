package main

import (
	"errors"

	"github.com/spf13/cobra"
)

func runMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Schema migration operations",
	}
	cmd.AddCommand(runMigrateInitCommand())
	cmd.AddCommand(runMigrateUpCommand())
	cmd.AddCommand(runMigrateDownCommand())
	cmd.AddCommand(runMigrateStatusCommand())
	cmd.AddCommand(runMigrateRepairCommand())
	return cmd
}

func runMigrateInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the core schema and set the version to 1.0.0",
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, err := openKernel(cmd)
			if err != nil {
				return err
			}
			defer k.Close(cmd.Context())

			result := k.Migrations.Initialize(cmd.Context(), k.Coordinator.Current())
			if !result.Success {
				return result.Err
			}
			cmd.Printf("Initialized %s database at version %s\n", result.Backend, result.InitialVersion)
			for _, table := range result.TablesCreated {
				cmd.Printf("  - %s\n", table)
			}
			return nil
		},
	}
}

func runMigrateUpCommand() *cobra.Command {
	var targetVersion string

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations in version order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, err := openKernel(cmd)
			if err != nil {
				return err
			}
			defer k.Close(cmd.Context())

			results := k.Migrations.ApplyPending(cmd.Context(), targetVersion)
			if len(results) == 0 {
				cmd.Println("No pending migrations.")
				return nil
			}
			for _, r := range results {
				if r.Success {
					cmd.Printf("applied %s (%d ops in %s)\n", r.MigrationID, r.OperationsExecuted, r.ExecutionTime)
				} else {
					return r.Err
				}
			}
			cmd.Printf("Current version: %s\n", k.Migrations.CurrentVersion())
			return nil
		},
	}
	cmd.Flags().StringVar(&targetVersion, "target", "", "Stop at this version (latest if empty)")
	return cmd
}

func runMigrateDownCommand() *cobra.Command {
	var targetVersion string

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations to a target version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if targetVersion == "" {
				return errors.New("--target is required")
			}
			k, err := openKernel(cmd)
			if err != nil {
				return err
			}
			defer k.Close(cmd.Context())

			result := k.Migrations.RollbackTo(cmd.Context(), targetVersion)
			if !result.Success {
				return result.Err
			}
			cmd.Printf("Rolled back to %s (%d ops in %s)\n", result.TargetVersion, result.OperationsExecuted, result.ExecutionTime)
			return nil
		},
	}
	cmd.Flags().StringVar(&targetVersion, "target", "", "Version to roll back to")
	return cmd
}

func runMigrateStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the migration journal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, err := openKernel(cmd)
			if err != nil {
				return err
			}
			defer k.Close(cmd.Context())

			cmd.Printf("Current version: %s\n", k.Migrations.CurrentVersion())
			history := k.Migrations.History()
			if len(history) == 0 {
				cmd.Println("No migrations recorded.")
				return nil
			}
			for _, r := range history {
				cmd.Printf("  %s  %-12s %s (%s)\n", r.Version, r.Status, r.Name, r.MigrationID)
			}
			return nil
		},
	}
}

func runMigrateRepairCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Repair journal inconsistencies",
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, err := openKernel(cmd)
			if err != nil {
				return err
			}
			defer k.Close(cmd.Context())

			result := k.Migrations.Repair(cmd.Context())
			if !result.Success {
				return result.Err
			}
			cmd.Printf("Issues found: %d\n", len(result.IssuesFound))
			for _, issue := range result.IssuesFound {
				cmd.Printf("  - %s\n", issue)
			}
			cmd.Printf("Repairs applied: %d\n", len(result.RepairsApplied))
			for _, repair := range result.RepairsApplied {
				cmd.Printf("  - %s\n", repair)
			}
			return nil
		},
	}
}
