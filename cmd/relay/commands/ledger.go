package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/stratusanalytics/relay/am"
	"github.com/stratusanalytics/relay/errors"
	"github.com/stratusanalytics/relay/executor"
	"github.com/stratusanalytics/relay/ledger"
	"github.com/stratusanalytics/relay/logger"
)

// LedgerCmd groups ledger account operations.
var LedgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and fund ledger accounts",
	Long: `Inspect and fund per-sender ledger accounts.

Examples:
  relay ledger show                          # List account balances
  relay ledger topup alice@example.com 50    # Credit an account
  relay ledger runs alice@example.com        # Show recent runs`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show",
	Short: "List account balances",
	RunE:  runLedgerShow,
}

var ledgerTopupCmd = &cobra.Command{
	Use:   "topup <identity> <amount>",
	Short: "Credit an account, creating it if needed",
	Args:  cobra.ExactArgs(2),
	RunE:  runLedgerTopup,
}

var ledgerRunsCmd = &cobra.Command{
	Use:   "runs <identity>",
	Short: "Show an identity's recent analysis runs",
	Args:  cobra.ExactArgs(1),
	RunE:  runLedgerRuns,
}

var runsLimitFlag int

func init() {
	LedgerCmd.AddCommand(ledgerShowCmd)
	LedgerCmd.AddCommand(ledgerTopupCmd)
	LedgerCmd.AddCommand(ledgerRunsCmd)
	ledgerRunsCmd.Flags().IntVar(&runsLimitFlag, "limit", 20, "Number of recent runs to show")
}

func runLedgerShow(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	books := ledger.NewStore(database, logger.Logger)
	accounts, err := books.Accounts(cmd.Context())
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		fmt.Println("No ledger accounts")
		return nil
	}

	fmt.Printf("%-40s %12s  %s\n", "IDENTITY", "BALANCE", "CURRENCY")
	for _, account := range accounts {
		fmt.Printf("%-40s %12.4f  %s\n", account.Identity, account.Balance, account.Currency)
	}
	return nil
}

func runLedgerTopup(cmd *cobra.Command, args []string) error {
	identity := args[0]
	amount, err := strconv.ParseFloat(args[1], 64)
	if err != nil || amount <= 0 {
		return errors.Wrapf(errors.ErrBadRequest, "invalid topup amount %q", args[1])
	}

	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := cmd.Context()
	books := ledger.NewStore(database, logger.Logger)
	if err := books.EnsureAccount(ctx, identity, cfg.Ledger.Currency); err != nil {
		return err
	}
	if err := books.Credit(ctx, identity, amount); err != nil {
		return err
	}

	balance, err := books.Balance(ctx, identity)
	if err != nil {
		return err
	}
	fmt.Printf("Credited %.4f to %s (balance now %.4f)\n", amount, identity, balance)
	return nil
}

func runLedgerRuns(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	runs, err := executor.NewRunLog(database).ForIdentity(cmd.Context(), args[0], runsLimitFlag)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No recorded runs")
		return nil
	}

	fmt.Printf("%-20s %-10s %-8s %10s %10s\n", "STARTED", "IDENTIFIER", "STATUS", "ESTIMATED", "ACTUAL")
	for _, run := range runs {
		fmt.Printf("%-20s %-10s %-8s %10.4f %10.4f\n",
			run.StartedAt.Format("2006-01-02 15:04:05"),
			run.Identifier,
			run.Status,
			run.EstimatedCost,
			run.ActualCost,
		)
	}
	return nil
}
