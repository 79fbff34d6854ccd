package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// predictCmd represents the predict command
var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Pull forecasts into the record store",
	Long: `Reconciles relative-return forecasts from the scoring pipeline
into the record store.

Without --date the whole supported history is reconciled, starting from
the configured epoch. With --date only that day is pulled, skipping
instruments that already have a forecast for it unless --force is set.

Example:
  go run ./cmd/seer predict
  go run ./cmd/seer predict --date 2022-09-09
  go run ./cmd/seer predict --date 2022-09-09 --force`,
	RunE: runPredict,
}

var (
	predictDate  string
	predictForce bool
)

func init() {
	rootCmd.AddCommand(predictCmd)

	predictCmd.Flags().StringVar(&predictDate, "date", "", "single date to reconcile (YYYY-MM-DD)")
	predictCmd.Flags().BoolVar(&predictForce, "force", false, "re-score instruments already covering the date")
}

func runPredict(cmd *cobra.Command, args []string) error {
	application, err := bootstrap()
	if err != nil {
		return err
	}
	defer application.close()

	var target *time.Time
	if predictDate != "" {
		parsed, err := time.Parse("2006-01-02", predictDate)
		if err != nil {
			return fmt.Errorf("invalid --date %q: %w", predictDate, err)
		}
		target = &parsed
	}

	if err := application.engine.Reconcile(cmd.Context(), target, predictForce); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	application.log.Info("Reconciliation finished")
	return nil
}
