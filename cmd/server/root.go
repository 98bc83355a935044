package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/atmx/oracle-engine/internal/config"
)

//nolint:gochecknoglobals // Cobra boilerplate
var rootCmd = &cobra.Command{
	Use:   "oracle-engine",
	Short: "Binary-outcome pari-mutuel prediction market engine",
	Long: `oracle-engine runs yes/no prediction markets. Users stake on an outcome
before the market's end time, the market authority resolves it once, and
winners claim their share of the whole pool.

Configuration is read from --config (TOML), .env and ORACLE_* variables.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "oracle.toml", "path to the TOML config file")
}

// loadConfig loads and validates configuration and installs the JSON logger.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	return cfg, nil
}
