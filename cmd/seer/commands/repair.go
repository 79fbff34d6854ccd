package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// repairCmd represents the repair command group
var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Find and fix gaps in stored data",
}

var repairForecastsCmd = &cobra.Command{
	Use:   "forecasts",
	Short: "Re-score gaps in the stored forecasts",
	Long: `Scans every scored instrument for runs of trading days missing
from its forecasts and re-issues scoped scoring requests for them.
Windows where the instrument was suspended are skipped.

Example:
  go run ./cmd/seer repair forecasts`,
	RunE: runRepairForecasts,
}

var repairPricesCmd = &cobra.Command{
	Use:   "prices",
	Short: "Report gaps in the price history",
	Long: `Lists trading-day windows where the quant data source is missing
price rows across the market. Backfill itself is done by the data
pipeline's own loading tools; this command only reports.

Example:
  go run ./cmd/seer repair prices`,
	RunE: runRepairPrices,
}

func init() {
	rootCmd.AddCommand(repairCmd)
	repairCmd.AddCommand(repairForecastsCmd)
	repairCmd.AddCommand(repairPricesCmd)
}

func runRepairForecasts(cmd *cobra.Command, args []string) error {
	application, err := bootstrap()
	if err != nil {
		return err
	}
	defer application.close()

	if err := application.engine.RepairMissingForecasts(cmd.Context()); err != nil {
		return fmt.Errorf("repair forecasts: %w", err)
	}

	application.log.Info("Forecast repair finished")
	return nil
}

func runRepairPrices(cmd *cobra.Command, args []string) error {
	application, err := bootstrap()
	if err != nil {
		return err
	}
	defer application.close()

	windows, err := application.engine.MissingPriceWindows(cmd.Context())
	if err != nil {
		return fmt.Errorf("find price gaps: %w", err)
	}

	if len(windows) == 0 {
		fmt.Println("No price gaps found.")
		return nil
	}
	for _, window := range windows {
		fmt.Printf("missing prices: %s .. %s\n",
			window.Start.Format("2006-01-02"), window.End.Format("2006-01-02"))
	}
	return nil
}
