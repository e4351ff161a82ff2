package main

import (
	"context"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ds1/outreach/internal/app"
	"github.com/ds1/outreach/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the engine",
	Long:  `Start the outreach engine: API server, step scheduler, dispatch workers, webhook ingestor, and escalation sweeps.`,
	RunE:  runServe,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Validate the configuration file",
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.AddCommand(serveCmd, configValidateCmd)
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use -c flag)")
	}

	// Secrets can live in a local .env during development
	_ = godotenv.Load()

	return config.Load(cfgFile)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	application, err := app.New(cfg, version)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  API:      %s\n", cfg.Server.ListenAddr)
	fmt.Printf("  Metrics:  %s\n", cfg.Server.MetricsAddr)
	fmt.Printf("  Database: %s\n", cfg.Database.Path)
	fmt.Printf("  Queue:    %s\n", cfg.Queue.Path)

	return nil
}
