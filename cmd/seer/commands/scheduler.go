package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/linqiu/stockseer/backend/internal/scheduler"
	"github.com/linqiu/stockseer/backend/internal/scheduler/jobs"
)

// schedulerCmd represents the scheduler command
var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the recurring maintenance jobs",
	Long: `Runs the job scheduler in the foreground:

  forecast - weekday evenings, pulls the day's forecasts
  repair   - Saturday mornings, re-scores forecast gaps

Example:
  go run ./cmd/seer scheduler`,
	RunE: runScheduler,
}

func init() {
	rootCmd.AddCommand(schedulerCmd)
}

func runScheduler(cmd *cobra.Command, args []string) error {
	application, err := bootstrap()
	if err != nil {
		return err
	}
	defer application.close()
	log := application.log

	sched := scheduler.New(log)
	if err := sched.AddJob(jobs.NewForecastJob(application.engine, application.serving, log)); err != nil {
		return fmt.Errorf("add forecast job: %w", err)
	}
	if err := sched.AddJob(jobs.NewRepairJob(application.engine, log)); err != nil {
		return fmt.Errorf("add repair job: %w", err)
	}

	sched.Start()
	fmt.Println("Scheduler running. Press Ctrl+C to stop")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	sched.Stop()
	return nil
}
