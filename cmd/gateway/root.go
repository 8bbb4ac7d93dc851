package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ActiveStack/gateway/config"
)

var (
	configPaths []string
	logLevel    string
	logFormat   string
)

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Websocket gateway bridging clients to agents over NATS",
	Long: `gateway accepts websocket client connections, authenticates them with
signed session tokens and relays requests and pushes between clients and
backend agents through a NATS JetStream exchange.

Run without a subcommand it starts the supervisor, which spawns and
watches the worker processes that own client connections.`,
	Version:       fmt.Sprintf("%s (built %s)", Version, BuildTime),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringSliceVarP(&configPaths, "config", "c",
		splitPaths(getEnv("GATEWAY_CONFIG", "")),
		"Configuration file, JSON or YAML; repeat to layer (env: GATEWAY_CONFIG)")
	flags.StringVar(&logLevel, "log-level",
		getEnv("GATEWAY_LOG_LEVEL", ""),
		"Log level: debug, info, warn, error; overrides the config (env: GATEWAY_LOG_LEVEL)")
	flags.StringVar(&logFormat, "log-format",
		getEnv("GATEWAY_LOG_FORMAT", "json"),
		"Log format: json, text (env: GATEWAY_LOG_FORMAT)")

	addServeFlags(rootCmd)
	rootCmd.AddCommand(serveCmd, workerCmd, consoleCmd, validateCmd, versionCmd)
}

// loadConfig merges the configured layers over the defaults and applies
// the log level flag
func loadConfig() (*config.Config, error) {
	loader := config.NewLoader()
	for _, path := range configPaths {
		loader.AddLayer(path)
	}
	loader.EnableValidation(true)

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Cluster.LogLevel = logLevel
	}
	return cfg, nil
}

// newLogger builds a logger for cfg writing to stderr. Stdout is left to
// command output.
func newLogger(cfg *config.Config) (*slog.Logger, *slog.LevelVar) {
	level := cfg.Cluster.LogLevel
	if level == "" {
		level = "info"
	}
	logger, levelVar := setupLogger(level, logFormat, os.Stderr)
	slog.SetDefault(logger)
	return logger, levelVar
}

func splitPaths(val string) []string {
	return strings.FieldsFunc(val, func(r rune) bool { return r == ',' })
}
