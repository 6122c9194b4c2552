package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stratusanalytics/relay/am"
	"github.com/stratusanalytics/relay/cmd/relay/commands"
	"github.com/stratusanalytics/relay/logger"
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "relay - email-driven analysis service",
	Long: `relay - metered, email-driven analysis service.

relay accepts analysis requests over email, meters them against per-sender
ledger balances, runs them through the analysis engine backend, and mails
back the finished report.

Available commands:
  worker   - Run the worker daemon (queue processing + recurring dispatch)
  intake   - Run the intake daemon (mailbox polling + admission)
  db       - Manage the relay database
  ledger   - Inspect and fund ledger accounts
  schedule - Manage recurring analysis jobs

Examples:
  relay worker start                        # Start worker daemon
  relay intake start                        # Start intake daemon
  relay db migrate                          # Apply schema migrations
  relay ledger show                         # List account balances
  relay ledger topup alice@example.com 50   # Fund an account`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		verbosity, _ := cmd.Flags().GetCount("verbose")
		if err := logger.Initialize(jsonOutput, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if configPath, _ := cmd.Flags().GetString("config"); configPath != "" {
			if err := am.UseFile(configPath); err != nil {
				return fmt.Errorf("failed to load config file: %w", err)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("json", false, "Emit JSON logs instead of console output")
	rootCmd.PersistentFlags().String("config", "", "Path to relay.toml (default: search /etc/relay, ~/.relay, project tree)")

	rootCmd.AddCommand(commands.WorkerCmd)
	rootCmd.AddCommand(commands.IntakeCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.LedgerCmd)
	rootCmd.AddCommand(commands.ScheduleCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
