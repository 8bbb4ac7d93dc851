package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ActiveStack/gateway/bridge"
	"github.com/ActiveStack/gateway/config"
	"github.com/ActiveStack/gateway/gateway"
	"github.com/ActiveStack/gateway/health"
	"github.com/ActiveStack/gateway/ipc"
	"github.com/ActiveStack/gateway/metric"
	"github.com/ActiveStack/gateway/natsclient"
	"github.com/ActiveStack/gateway/pkg/retry"
	"github.com/ActiveStack/gateway/worker"
)

// runGateway serves clients until ctx ends. ch is the supervisor channel;
// it is nil in standalone mode, where a fatal error ends the process
// instead of being reported.
func runGateway(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	levelVar *slog.LevelVar,
	ch *ipc.Channel,
	id int,
) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	registry := metric.NewMetricsRegistry()
	metrics := registry.CoreMetrics()
	monitor := health.NewMonitor()

	var sender ipc.Sender
	if ch != nil {
		sender = ch
	}
	rt := worker.NewRuntime(cfg.WorkerConfig(), sender, logger, worker.WithLevelVar(levelVar))

	onFatal := func(source string) func(error) {
		handle := rt.ErrorHandler(source)
		return func(err error) {
			handle(err)
			if ch == nil {
				cancel(fmt.Errorf("%s: %w", source, err))
			}
		}
	}

	natsHealth := monitor.Reporter("nats")
	opts := append(cfg.NATSOptions(),
		natsclient.WithLogger(natsclient.NewSlogAdapter(logger)),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			natsHealth(healthy)
			metrics.RecordNATSStatus(healthy)
		}),
		natsclient.WithReconnectCallback(metrics.RecordNATSReconnect),
		natsclient.WithConnectionLostCallback(onFatal("nats")),
	)
	nc, err := natsclient.NewClient(cfg.NATSURL(), opts...)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}
	if err := connectToNATS(ctx, nc, logger); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := nc.Close(closeCtx); err != nil {
			logger.Warn("NATS close failed", "error", err)
		}
	}()

	exchange, err := bridge.NewJetStream(nc, cfg.BridgeConfig(), logger, registry)
	if err != nil {
		return fmt.Errorf("create exchange: %w", err)
	}
	if err := exchange.Start(ctx); err != nil {
		return fmt.Errorf("start exchange: %w", err)
	}
	defer exchange.Close()

	srv, err := gateway.NewServer(cfg.GatewayConfig(), gateway.Deps{
		Exchange: exchange,
		Signer:   cfg.Signer(),
		Runtime:  rt,
		Metrics:  metrics,
		Health:   monitor,
		Logger:   logger,
		Closers: []gateway.Closer{
			{Name: "exchange", Close: func() error { exchange.Close(); return nil }},
			{Name: "nats", Close: func() error { return nc.Close(context.Background()) }},
		},
	})
	if err != nil {
		return fmt.Errorf("create websocket server: %w", err)
	}
	rt.SetSubsystem(srv)

	if cfg.Metrics.Enabled {
		ms := metric.NewServer(cfg.MetricsAddr(id), cfg.Metrics.Path, registry, monitor, cfg.Security)
		if err := ms.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := ms.Stop(stopCtx); err != nil {
				logger.Warn("Metrics server shutdown failed", "error", err)
			}
		}()
	}

	rt.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	if ch != nil {
		g.Go(func() error {
			if err := rt.Serve(gctx, ch); err != nil {
				return fmt.Errorf("supervisor channel: %w", err)
			}
			return nil
		})
	}
	err = g.Wait()

	if cause := context.Cause(ctx); err == nil && cause != nil && !errors.Is(cause, context.Canceled) {
		err = cause
	}
	if err != nil {
		return err
	}
	logger.Info("Worker stopped")
	return nil
}

// connectToNATS establishes the NATS connection, retrying quickly while the
// server comes up, and waits for it to be ready
func connectToNATS(ctx context.Context, nc *natsclient.Client, logger *slog.Logger) error {
	logger.Info("Connecting to NATS", "url", nc.URL())
	attempt := 0
	err := retry.Do(ctx, retry.Quick(), func() error {
		attempt++
		err := nc.Connect(ctx)
		if err != nil {
			logger.Warn("NATS connect attempt failed",
				"attempt", attempt,
				"status", nc.Status().String(),
				"failures", nc.Failures(),
				"backoff", nc.Backoff(),
				"error", err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := nc.WaitForConnection(connCtx); err != nil {
		return fmt.Errorf("NATS connection timeout: %w", err)
	}
	if rtt, err := nc.RTT(); err == nil {
		logger.Info("Connected to NATS", "attempts", attempt, "rtt", rtt)
	}
	return nil
}
