package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/clinicdesk/clinicdesk/internal/config"
	"github.com/clinicdesk/clinicdesk/internal/logger"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "clinicdesk",
		Short:         "Clinic inbox: WhatsApp webhook ingestion and conversation feed",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml (defaults to $"+config.EnvConfigPath+" or "+config.DefaultConfigPath+")")

	root.AddCommand(newServeCommand(), newMigrateCommand(), newTenantCommand(), newWatchCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if p := strings.TrimSpace(configPath); p != "" {
		return p
	}
	return strings.TrimSpace(os.Getenv(config.EnvConfigPath))
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}
