package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/linqiu/stockseer/backend/internal/api"
	"github.com/linqiu/stockseer/backend/internal/api/handlers"
)

// apiCmd represents the api command
var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the HTTP API server",
	Long: `Starts the prediction API server.

Endpoints:
  GET  /health              - Health check
  GET  /stock/list          - Stock list
  GET  /stock/{id}          - History and two-week forecast
  GET  /stock/{id}/{date}   - History and forecast as of a past date
  GET  /stock/top5          - Top five ranked stocks
  GET  /stock/update        - Refresh caches after a data update

Example:
  go run ./cmd/seer api
  go run ./cmd/seer api --port 8080`,
	RunE: runAPIServer,
}

var apiPort string

func init() {
	rootCmd.AddCommand(apiCmd)

	apiCmd.Flags().StringVar(&apiPort, "port", "", "override the configured port")
}

func runAPIServer(cmd *cobra.Command, args []string) error {
	application, err := bootstrap()
	if err != nil {
		return err
	}
	defer application.close()

	if apiPort != "" {
		application.cfg.Port = apiPort
	}
	log := application.log

	// /stock/update re-pulls the latest day in the background after the
	// caches are dropped.
	updater := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		target := time.Now()
		if err := application.engine.Reconcile(ctx, &target, false); err != nil {
			log.WithError(err).Error("Background forecast pull failed")
		}
	}

	stockHandler := handlers.NewStockHandler(application.serving, updater, log)
	router := api.NewRouter(stockHandler, log)
	server := api.New(application.cfg, log, router)

	go func() {
		if err := server.Start(); err != nil {
			log.WithError(err).Fatal("Failed to start server")
		}
	}()

	fmt.Printf("Server running on http://localhost:%s\n", application.cfg.Port)
	fmt.Println("Press Ctrl+C to stop")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("Server stopped")
	return nil
}
