package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stratusanalytics/relay/am"
	"github.com/stratusanalytics/relay/errors"
	"github.com/stratusanalytics/relay/intake"
	"github.com/stratusanalytics/relay/ledger"
	"github.com/stratusanalytics/relay/logger"
	"github.com/stratusanalytics/relay/mail"
	"github.com/stratusanalytics/relay/queue"
)

// IntakeCmd groups the intake daemon commands.
var IntakeCmd = &cobra.Command{
	Use:   "intake",
	Short: "Run the intake daemon (mailbox polling + admission)",
	Long: `Intake daemon - lifts analysis requests out of the mailbox.

The intake daemon provides:
- IMAP polling for unseen request messages
- Ledger gating before admission (unfunded senders are refused by reply)
- Duplicate absorption via content fingerprints
- Acceptance replies with the sender's queue position

Example:
  relay intake start              # Start daemon in foreground`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var intakeStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the intake daemon",
	RunE:  runIntakeStart,
}

func init() {
	IntakeCmd.AddCommand(intakeStartCmd)
}

func runIntakeStart(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if cfg.Mail.IMAPAddr == "" {
		return errors.New("mail.imap_addr is not configured")
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	log := logger.Logger

	items := queue.NewStore(database, log, cfg.Queue.SaltedFingerprints)
	books := ledger.NewStore(database, log)
	inbox := mail.NewIMAPInbox(cfg.Mail, log)
	courier := mail.NewSMTPCourier(cfg.Mail, log)

	svc := intake.New(inbox, courier, items, books, intake.Config{
		PollInterval:    time.Duration(cfg.Mail.PollIntervalSeconds) * time.Second,
		DefaultEstimate: cfg.Ledger.DefaultEstimate,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		return errors.Wrap(err, "start intake service")
	}

	fmt.Printf("Intake daemon started\n")
	fmt.Printf("  Mailbox:       %s\n", cfg.Mail.IMAPAddr)
	fmt.Printf("  Poll interval: %ds\n", cfg.Mail.PollIntervalSeconds)
	fmt.Printf("\nPress Ctrl+C for graceful shutdown\n\n")

	<-ctx.Done()
	svc.Stop()
	fmt.Println("Intake daemon stopped")
	return nil
}
