package commands

import (
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "seer",
	Short: "Stock price forecast service",
	Long: `Stockseer backend CLI.

Reconciles relative-return forecasts from the scoring pipeline into the
record store and serves price predictions over HTTP.

Usage:
  go run ./cmd/seer [command]

Examples:
  go run ./cmd/seer api
  go run ./cmd/seer predict --date 2022-09-09
  go run ./cmd/seer repair forecasts
  go run ./cmd/seer catalog import --sh sh.xlsx --sz sz.xlsx`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}
