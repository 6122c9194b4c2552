package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stratusanalytics/relay/logger"
	"github.com/stratusanalytics/relay/queue"
)

// DbCmd groups database operations.
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the relay database",
	Long: `Manage relay database operations.

Examples:
  relay db migrate                # Apply embedded schema migrations
  relay db stats                  # Show work queue statistics`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply embedded schema migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show work queue statistics",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	// openDatabase migrates as a side effect; this command exists so
	// operators can apply migrations without starting a daemon.
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	fmt.Println("Database schema is up to date")
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	items := queue.NewStore(database, logger.Logger, false)
	stats, err := items.Stats(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Println("Work queue statistics")
	for _, status := range []queue.Status{
		queue.StatusPending,
		queue.StatusProcessing,
		queue.StatusDone,
		queue.StatusFailed,
	} {
		fmt.Printf("  %-12s %d\n", status, stats[status])
	}
	return nil
}
