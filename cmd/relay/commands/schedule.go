package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/stratusanalytics/relay/errors"
	"github.com/stratusanalytics/relay/logger"
	"github.com/stratusanalytics/relay/schedule"
)

// ScheduleCmd groups recurring job operations.
var ScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage recurring analysis jobs",
	Long: `Manage recurring analysis jobs.

Examples:
  relay schedule ls                                             # List jobs
  relay schedule add alice@example.com 600519 --every 24h       # Daily interval
  relay schedule add alice@example.com 600519 --cron "0 9 * * MON-FRI"
  relay schedule add alice@example.com 600519 --once            # Single run
  relay schedule rm <job-id>                                    # Deactivate`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var scheduleLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List recurring jobs",
	RunE:  runScheduleLs,
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add <owner> <identifier>",
	Short: "Add a recurring job",
	Args:  cobra.ExactArgs(2),
	RunE:  runScheduleAdd,
}

var scheduleRmCmd = &cobra.Command{
	Use:   "rm <job-id>",
	Short: "Deactivate a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleRm,
}

var (
	scheduleEveryFlag  time.Duration
	scheduleCronFlag   string
	scheduleOnceFlag   bool
	scheduleStagesFlag []string
	scheduleDepthFlag  int
)

func init() {
	ScheduleCmd.AddCommand(scheduleLsCmd)
	ScheduleCmd.AddCommand(scheduleAddCmd)
	ScheduleCmd.AddCommand(scheduleRmCmd)

	scheduleAddCmd.Flags().DurationVar(&scheduleEveryFlag, "every", 0, "Interval between runs (e.g. 24h)")
	scheduleAddCmd.Flags().StringVar(&scheduleCronFlag, "cron", "", "Standard 5-field cron expression")
	scheduleAddCmd.Flags().BoolVar(&scheduleOnceFlag, "once", false, "Run a single time, then deactivate")
	scheduleAddCmd.Flags().StringSliceVar(&scheduleStagesFlag, "stages", nil, "Analysis stages (default: all)")
	scheduleAddCmd.Flags().IntVar(&scheduleDepthFlag, "depth", 1, "Research depth")
}

func runScheduleLs(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	jobs, err := schedule.NewStore(database, logger.Logger).List(cmd.Context())
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No recurring jobs")
		return nil
	}

	fmt.Printf("%-36s %-30s %-10s %-10s %-8s %s\n",
		"ID", "OWNER", "IDENTIFIER", "TRIGGER", "ACTIVE", "NEXT RUN")
	for _, job := range jobs {
		next := "due now"
		if job.NextRunAt != nil {
			next = job.NextRunAt.Format(time.RFC3339)
		}
		if !job.Active {
			next = "-"
		}
		fmt.Printf("%-36s %-30s %-10s %-10s %-8t %s\n",
			job.ID, job.OwnerID, job.TargetIdentifier, job.TriggerType, job.Active, next)
	}
	return nil
}

func runScheduleAdd(cmd *cobra.Command, args []string) error {
	owner, identifier := args[0], args[1]

	var trigger schedule.TriggerType
	switch {
	case scheduleOnceFlag:
		trigger = schedule.TriggerOnce
	case scheduleCronFlag != "":
		trigger = schedule.TriggerCron
	case scheduleEveryFlag > 0:
		trigger = schedule.TriggerInterval
	default:
		return errors.Wrap(errors.ErrBadRequest, "one of --every, --cron or --once is required")
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	job := schedule.NewJob(owner, identifier, scheduleStagesFlag, scheduleDepthFlag, trigger)
	job.IntervalSeconds = int64(scheduleEveryFlag / time.Second)
	job.CronExpr = scheduleCronFlag

	if err := schedule.NewStore(database, logger.Logger).Create(cmd.Context(), job); err != nil {
		return err
	}

	stages := "all"
	if len(scheduleStagesFlag) > 0 {
		stages = strings.Join(scheduleStagesFlag, ",")
	}
	fmt.Printf("Created %s job %s for %s (%s, stages: %s, depth %d)\n",
		trigger, job.ID, identifier, owner, stages, scheduleDepthFlag)
	return nil
}

func runScheduleRm(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	if err := schedule.NewStore(database, logger.Logger).Deactivate(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Deactivated job %s\n", args[0])
	return nil
}
