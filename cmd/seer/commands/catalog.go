package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/linqiu/stockseer/backend/internal/catalog"
)

// catalogCmd represents the catalog command group
var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage the instrument catalog",
}

var catalogImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import exchange listing files",
	Long: `Imports the XLSX listing tables published by the Shanghai and
Shenzhen exchanges, upserts every listed instrument and marks
instruments absent from the new lists as delisted.

Example:
  go run ./cmd/seer catalog import --sh sh_listing.xlsx --sz sz_listing.xlsx
  go run ./cmd/seer catalog import --sh sh_listing.xlsx`,
	RunE: runCatalogImport,
}

var (
	catalogSHPath string
	catalogSZPath string
)

func init() {
	rootCmd.AddCommand(catalogCmd)
	catalogCmd.AddCommand(catalogImportCmd)

	catalogImportCmd.Flags().StringVar(&catalogSHPath, "sh", "", "Shanghai listing XLSX")
	catalogImportCmd.Flags().StringVar(&catalogSZPath, "sz", "", "Shenzhen listing XLSX")
}

func runCatalogImport(cmd *cobra.Command, args []string) error {
	if catalogSHPath == "" && catalogSZPath == "" {
		return fmt.Errorf("at least one of --sh and --sz is required")
	}

	application, err := bootstrap()
	if err != nil {
		return err
	}
	defer application.close()

	loader := catalog.NewLoader(application.store, nil, application.log)
	if err := loader.Import(cmd.Context(), catalogSHPath, catalogSZPath); err != nil {
		return fmt.Errorf("catalog import: %w", err)
	}

	application.log.Info("Catalog import finished")
	return nil
}
