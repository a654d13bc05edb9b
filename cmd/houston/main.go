// Package main provides the CLI entry point for Houston, an agent companion
// that runs LLM-driven turns with tool use against Anthropic, OpenAI, or a
// local model server.
//
// # Basic Usage
//
// Run a single turn:
//
//	houston turn "what's on my calendar today?" --config houston.yaml
//
// Inspect state and history:
//
//	houston state
//	houston history
//
// # Environment Variables
//
//   - HOUSTON_CONFIG: Path to configuration file (default: houston.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key
//   - OPENAI_API_KEY: OpenAI API key
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kyleturman/houston-sub001/internal/config"
)

var version = "dev"

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:     "houston",
		Short:   "Houston agent companion",
		Long:    "Houston runs agent turns against LLM providers with tool use, durable sessions, and scheduled check-ins.",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "path to configuration file")

	rootCmd.AddCommand(buildTurnCmd(&configPath))
	rootCmd.AddCommand(buildStateCmd(&configPath))
	rootCmd.AddCommand(buildHistoryCmd(&configPath))
	return rootCmd
}

func defaultConfigPath() string {
	if path := os.Getenv("HOUSTON_CONFIG"); path != "" {
		return path
	}
	return "houston.yaml"
}

// loadConfig reads the config file, falling back to environment defaults
// when no file exists at the default location.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && path == "houston.yaml" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// newLogger builds the process logger from config.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
