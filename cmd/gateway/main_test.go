package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ActiveStack/gateway/config"
	"github.com/ActiveStack/gateway/natsclient"
)

type recordingSettings struct {
	levels  []string
	resends []int64
}

func (r *recordingSettings) SetLogLevel(level string) { r.levels = append(r.levels, level) }

func (r *recordingSettings) SetClientMessageResendInterval(ms int64) {
	r.resends = append(r.resends, ms)
}

// TestReloadConfig tests that a reload pushes only the changed runtime settings
func TestReloadConfig(t *testing.T) {
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name        string
		mutate      func(*config.Config)
		loadErr     error
		wantLevels  []string
		wantResends []int64
		wantLevel   slog.Level
		wantPort    int
	}{
		{
			name:      "unchanged",
			mutate:    func(*config.Config) {},
			wantLevel: slog.LevelInfo,
			wantPort:  8081,
		},
		{
			name: "log level and resend interval",
			mutate: func(c *config.Config) {
				c.Cluster.LogLevel = "debug"
				c.Cluster.ClientMessageResendInterval = config.Duration(2 * time.Second)
			},
			wantLevels:  []string{"debug"},
			wantResends: []int64{2000},
			wantLevel:   slog.LevelDebug,
			wantPort:    8081,
		},
		{
			name:      "other settings are stored only",
			mutate:    func(c *config.Config) { c.Frontend.Port = 9001 },
			wantLevel: slog.LevelInfo,
			wantPort:  9001,
		},
		{
			name:      "load failure keeps the current config",
			loadErr:   errors.New("bad file"),
			wantLevel: slog.LevelInfo,
			wantPort:  8081,
		},
		{
			name:      "invalid config is rejected",
			mutate:    func(c *config.Config) { c.NATS.URLs = nil },
			wantLevel: slog.LevelInfo,
			wantPort:  8081,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			safe := config.NewSafeConfig(config.Default())
			target := &recordingSettings{}
			levelVar := new(slog.LevelVar)

			load := func() (*config.Config, error) {
				if tt.loadErr != nil {
					return nil, tt.loadErr
				}
				next := config.Default()
				tt.mutate(next)
				return next, nil
			}

			reloadConfig(safe, load, target, levelVar, discard)

			assert.Equal(t, tt.wantLevels, target.levels)
			assert.Equal(t, tt.wantResends, target.resends)
			assert.Equal(t, tt.wantLevel, levelVar.Level())
			assert.Equal(t, tt.wantPort, safe.Get().Frontend.Port)
		})
	}
}

// TestWorkerArgs tests that workers are started with the supervisor's flags
func TestWorkerArgs(t *testing.T) {
	defer func(paths []string, level, format string) {
		configPaths, logLevel, logFormat = paths, level, format
	}(configPaths, logLevel, logFormat)

	configPaths = []string{"base.yaml", "prod.yaml"}
	logLevel = "warn"
	logFormat = "text"

	assert.Equal(t, []string{
		"worker", "--log-format", "text",
		"--config", "base.yaml", "--config", "prod.yaml",
		"--log-level", "warn",
	}, workerArgs())

	logLevel = ""
	configPaths = nil
	assert.Equal(t, []string{"worker", "--log-format", "text"}, workerArgs())
}

// TestSetupLogger tests the log format and the adjustable level
func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, levelVar := setupLogger("warn", "json", &buf)

	logger.Info("hidden")
	assert.Zero(t, buf.Len())

	levelVar.Set(slog.LevelDebug)
	logger.Debug("shown", "key", "value")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "shown", record["msg"])
	assert.Equal(t, appName, record["service"])
	assert.Equal(t, Version, record["version"])
	assert.Equal(t, "value", record["key"])

	buf.Reset()
	logger, _ = setupLogger("nonsense", "text", &buf)
	logger.Info("plain")
	assert.Contains(t, buf.String(), "msg=plain")
}

// TestSplitPaths tests the GATEWAY_CONFIG list form
func TestSplitPaths(t *testing.T) {
	assert.Empty(t, splitPaths(""))
	assert.Equal(t, []string{"a.yaml", "b.json"}, splitPaths("a.yaml,,b.json"))
}

// TestConnectToNATS tests that the initial connect retries until its
// context ends
func TestConnectToNATS(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	url := "nats://" + ln.Addr().String()
	require.NoError(t, ln.Close())

	tests := []struct {
		name        string
		ctx         func() (context.Context, context.CancelFunc)
		minAttempts int
		maxAttempts int
	}{
		{
			name: "server down",
			ctx: func() (context.Context, context.CancelFunc) {
				return context.WithTimeout(context.Background(), 500*time.Millisecond)
			},
			minAttempts: 2,
			maxAttempts: 10,
		},
		{
			name: "already cancelled",
			ctx: func() (context.Context, context.CancelFunc) {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx, cancel
			},
			minAttempts: 1,
			maxAttempts: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, nil))
			nc, err := natsclient.NewClient(url)
			require.NoError(t, err)

			ctx, cancel := tt.ctx()
			defer cancel()

			err = connectToNATS(ctx, nc, logger)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "connect to NATS")

			attempts := strings.Count(buf.String(), "NATS connect attempt failed")
			assert.GreaterOrEqual(t, attempts, tt.minAttempts)
			assert.LessOrEqual(t, attempts, tt.maxAttempts)
		})
	}
}
