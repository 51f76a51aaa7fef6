package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/a719584032-creator/testtrack/pkg/api"
	"github.com/a719584032-creator/testtrack/pkg/config"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long:  `Start the testtrack API server.`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	srv := api.NewServer(log, cfg)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down API server")
	cancel()

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping api server: %w", err)
	}

	return nil
}
