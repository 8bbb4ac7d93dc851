package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ActiveStack/gateway/cluster"
	"github.com/ActiveStack/gateway/config"
	"github.com/ActiveStack/gateway/control"
	"github.com/ActiveStack/gateway/health"
	"github.com/ActiveStack/gateway/metric"
	"github.com/ActiveStack/gateway/worker"
)

var standalone bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the supervisor and its workers (default)",
	RunE:  runServe,
}

func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&standalone, "standalone",
		getEnvBool("GATEWAY_STANDALONE", false),
		"Serve clients in this process without a supervisor or control channel; implied by cluster.workers 1 (env: GATEWAY_STANDALONE)")
}

func init() {
	addServeFlags(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, levelVar := newLogger(cfg)
	logger.Info("Starting gateway", "version", Version, "build_time", BuildTime, "standalone", standalone)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// A single worker needs no supervisor
	if standalone || cfg.ClusterConfig().WorkerCount() <= 1 {
		return runGateway(ctx, cfg, logger.With("role", "standalone"), levelVar, nil, 0)
	}
	return runSupervisor(ctx, cfg, logger.With("role", "supervisor"), levelVar)
}

// runSupervisor spawns the workers, serves the control channel and reloads
// the configuration on SIGHUP until ctx ends
func runSupervisor(ctx context.Context, cfg *config.Config, logger *slog.Logger, levelVar *slog.LevelVar) error {
	registry := metric.NewMetricsRegistry()
	metrics := registry.CoreMetrics()
	monitor := health.NewMonitor()

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	spawner := &cluster.ExecSpawner{
		Path:   exe,
		Args:   workerArgs(),
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
	sup := cluster.NewSupervisor(cfg.ClusterConfig(), spawner, logger, cluster.WithMetrics(metrics))

	ctrlCfg, err := cfg.ControlConfig()
	if err != nil {
		return err
	}
	rdb := control.NewClient(ctrlCfg)
	defer rdb.Close()
	subscriber := control.NewSubscriber(rdb, ctrlCfg, logger, metrics)

	if cfg.Metrics.Enabled {
		srv := metric.NewServer(cfg.MetricsAddr(0), cfg.Metrics.Path, registry, monitor, cfg.Security)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Stop(stopCtx); err != nil {
				logger.Warn("Metrics server shutdown failed", "error", err)
			}
		}()
	}
	monitor.UpdateHealthy("supervisor", "running")

	safe := config.NewSafeConfig(cfg)
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				reloadConfig(safe, loadConfig, sup, levelVar, logger)
			}
		}
	}()

	if err := sup.Start(ctx, subscriber); err != nil {
		return err
	}
	logger.Info("Gateway shutdown complete")
	return nil
}

// workerArgs repeats the flags a worker needs to load the same
// configuration
func workerArgs() []string {
	args := []string{"worker", "--log-format", logFormat}
	for _, path := range configPaths {
		args = append(args, "--config", path)
	}
	if logLevel != "" {
		args = append(args, "--log-level", logLevel)
	}
	return args
}

// runtimeSettings is the part of the supervisor a reload adjusts
type runtimeSettings interface {
	SetLogLevel(level string)
	SetClientMessageResendInterval(ms int64)
}

// reloadConfig installs a freshly loaded configuration and pushes the log
// level and resend interval to running workers. Workers spawned later read
// the new files themselves.
func reloadConfig(
	safe *config.SafeConfig,
	load func() (*config.Config, error),
	target runtimeSettings,
	levelVar *slog.LevelVar,
	logger *slog.Logger,
) {
	next, err := load()
	if err != nil {
		logger.Error("Configuration reload failed", "error", err)
		return
	}
	prev := safe.Get()
	if err := safe.Update(next); err != nil {
		logger.Error("Configuration reload rejected", "error", err)
		return
	}

	if next.Cluster.LogLevel != prev.Cluster.LogLevel {
		if level, err := worker.ParseLevel(next.Cluster.LogLevel); err == nil {
			levelVar.Set(level)
		}
		target.SetLogLevel(next.Cluster.LogLevel)
	}
	if next.Cluster.ClientMessageResendInterval != prev.Cluster.ClientMessageResendInterval {
		target.SetClientMessageResendInterval(next.Cluster.ClientMessageResendInterval.D().Milliseconds())
	}
	logger.Info("Configuration reloaded")
}
