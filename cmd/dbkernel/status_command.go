package main

import (
	"github.com/spf13/cobra"
)

func runStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show backend, pool and monitor health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, err := openKernel(cmd)
			if err != nil {
				return err
			}
			defer k.Close(cmd.Context())

			cmd.Printf("Current backend: %s (failover occurred: %v)\n", k.Coordinator.Current(), k.Coordinator.FailoverOccurred())

			stats := k.Pool.Stats()
			cmd.Printf("Pool: %d total, %d active, %d idle (peak %d, timeouts %d, failures %d)\n",
				stats.Total, stats.Active, stats.Idle,
				stats.Peak, stats.Timeouts, stats.Failures)

			health := k.Pool.HealthSummary()
			cmd.Printf("Pool health: %s (score %.2f)\n", health.Status, health.Score)
			for _, rec := range health.Recommendations {
				cmd.Printf("  - %s\n", rec)
			}

			check := k.Monitor.Health()
			cmd.Printf("Transactions: %s (%d active, %d failed last hour, %d deadlocks last hour)\n",
				check.Overall, check.ActiveTransactions, check.FailedLastHour, check.DeadlocksLastHour)
			for _, w := range check.Warnings {
				cmd.Printf("  warning: %s\n", w)
			}
			for _, e := range check.Errors {
				cmd.Printf("  error: %s\n", e)
			}

			dl := k.Deadlocks.Stats()
			cmd.Printf("Deadlocks: %d detected, %d resolved, %d active transactions monitored\n",
				dl.Detected, dl.Resolved, dl.ActiveTransactions)
			return nil
		},
	}
}
