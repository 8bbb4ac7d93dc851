package natsclient

import (
	"bytes"
	"context"
	stderrors "errors"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ActiveStack/gateway/errors"
)

// TestNewClient tests defaults of a fresh client
func TestNewClient(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", client.URL())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.False(t, client.IsHealthy())
	assert.Equal(t, time.Second, client.Backoff())
	assert.Equal(t, 10, client.maxReconnects)
}

// TestNewClient_InvalidOption tests that option errors are classified invalid
func TestNewClient_InvalidOption(t *testing.T) {
	_, err := NewClient("nats://localhost:4222", WithTLS("cert.pem", "", ""))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

// TestConnectionStatus_String tests status names
func TestConnectionStatus_String(t *testing.T) {
	tests := []struct {
		status   ConnectionStatus
		expected string
	}{
		{StatusDisconnected, "disconnected"},
		{StatusConnecting, "connecting"},
		{StatusConnected, "connected"},
		{StatusReconnecting, "reconnecting"},
		{StatusCircuitOpen, "circuit_open"},
		{ConnectionStatus(42), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.status.String())
		})
	}
}

// TestCircuitBreaker_OpensAfterFailures tests the failure threshold
func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	client, err := NewClient("nats://invalid:4222")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		client.recordFailure()
	}
	assert.NotEqual(t, StatusCircuitOpen, client.Status())

	client.recordFailure()
	assert.Equal(t, StatusCircuitOpen, client.Status())
	assert.Equal(t, int32(5), client.Failures())

	err = client.Connect(context.Background())
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

// TestCircuitBreaker_Reset tests that a reset closes the circuit
func TestCircuitBreaker_Reset(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	require.Equal(t, StatusCircuitOpen, client.Status())

	client.resetCircuit()
	assert.Equal(t, int32(0), client.Failures())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.Equal(t, time.Second, client.Backoff())
}

// TestCircuitBreaker_ExponentialBackoff tests backoff doubling and its cap
func TestCircuitBreaker_ExponentialBackoff(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithMaxBackoff(8*time.Second))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 2*time.Second, client.Backoff())

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 4*time.Second, client.Backoff())

	for i := 0; i < 50; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 8*time.Second, client.Backoff())
}

// TestCircuitBreaker_HalfOpen tests that the half-open transition only leaves the open state
func TestCircuitBreaker_HalfOpen(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	client.setStatus(StatusConnected)
	client.halfOpen()
	assert.Equal(t, StatusConnected, client.Status())

	client.setStatus(StatusCircuitOpen)
	client.halfOpen()
	assert.Equal(t, StatusDisconnected, client.Status())
}

// TestConcurrentFailures tests the breaker under concurrent failures
func TestConcurrentFailures(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithCircuitBreakerThreshold(100))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 9; j++ {
				client.recordFailure()
				_ = client.Status()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(90), client.Failures())
	assert.NotEqual(t, StatusCircuitOpen, client.Status())
}

// TestOperations_NotConnected tests that broker calls fail fast without a connection
func TestOperations_NotConnected(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"publish", func() error { return client.Publish(ctx, "a", nil) }},
		{"subscribe", func() error { return client.Subscribe(ctx, "a", func(context.Context, []byte) {}) }},
		{"ensure stream", func() error {
			_, err := client.EnsureStream(ctx, jetstream.StreamConfig{Name: "S"})
			return err
		}},
		{"publish msg", func() error {
			_, err := client.PublishMsg(ctx, nats.NewMsg("a"))
			return err
		}},
		{"create consumer", func() error {
			_, err := client.CreateOrUpdateConsumer(ctx, "S", jetstream.ConsumerConfig{Durable: "c"})
			return err
		}},
		{"delete consumer", func() error { return client.DeleteConsumer(ctx, "S", "c") }},
		{"rtt", func() error {
			_, err := client.RTT()
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrNotConnected)
		})
	}
}

// TestClose_Idempotent tests closing a client that never connected
func TestClose_Idempotent(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithCredentials("user", "secret"), WithToken("tok"))
	require.NoError(t, err)

	require.NoError(t, client.Close(context.Background()))
	require.NoError(t, client.Close(context.Background()))
	assert.True(t, client.closed.Load())
	assert.Empty(t, client.password)
	assert.Empty(t, client.token)
}

// TestConnectionOptions tests that configured options are translated
func TestConnectionOptions(t *testing.T) {
	client, err := NewClient("nats://localhost:4222",
		WithName("gateway-worker-1"),
		WithCredentials("user", "pass"),
		WithMaxReconnects(3),
	)
	require.NoError(t, err)

	opts := nats.GetDefaultOptions()
	for _, o := range client.buildConnectionOptions() {
		require.NoError(t, o(&opts))
	}
	assert.Equal(t, "gateway-worker-1", opts.Name)
	assert.Equal(t, "user", opts.User)
	assert.Equal(t, "pass", opts.Password)
	assert.Equal(t, 3, opts.MaxReconnect)
}

// TestSlogAdapter tests level mapping of the slog bridge
func TestSlogAdapter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	adapter := NewSlogAdapter(logger)

	adapter.Printf("connected to %s", "nats://x")
	adapter.Errorf("boom %d", 7)
	adapter.Debugf("hidden")

	out := buf.String()
	assert.Contains(t, out, "level=INFO msg=\"connected to nats://x\"")
	assert.Contains(t, out, "level=ERROR msg=\"boom 7\"")
	assert.NotContains(t, out, "hidden")
}

// TestIsNotFoundError tests consumer-gone detection
func TestIsNotFoundError(t *testing.T) {
	assert.False(t, isNotFoundError(nil))
	assert.True(t, isNotFoundError(jetstream.ErrConsumerNotFound))
	assert.True(t, isNotFoundError(errors.Wrap(jetstream.ErrStreamNotFound, "a", "b", "c")))
	assert.False(t, isNotFoundError(errors.ErrConnectionLost))
}

// TestConnect_ContextEnds tests how Connect classifies a dial that outlives
// its context
func TestConnect_ContextEnds(t *testing.T) {
	// A listener that accepts but never sends INFO keeps the dial pending
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		for _, conn := range conns {
			_ = conn.Close()
		}
	})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()

	tests := []struct {
		name        string
		ctx         func() (context.Context, context.CancelFunc)
		wantTimeout bool
	}{
		{
			name: "deadline",
			ctx: func() (context.Context, context.CancelFunc) {
				return context.WithTimeout(context.Background(), 100*time.Millisecond)
			},
			wantTimeout: true,
		},
		{
			name: "cancelled",
			ctx: func() (context.Context, context.CancelFunc) {
				ctx, cancel := context.WithCancel(context.Background())
				time.AfterFunc(100*time.Millisecond, cancel)
				return ctx, cancel
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient("nats://" + ln.Addr().String())
			require.NoError(t, err)

			ctx, cancel := tt.ctx()
			defer cancel()

			err = client.Connect(ctx)
			require.Error(t, err)
			assert.True(t, errors.IsTransient(err))
			assert.Equal(t, tt.wantTimeout, stderrors.Is(err, errors.ErrConnectionTimeout))
			assert.Equal(t, int32(1), client.Failures())
		})
	}
}

// TestErrNotConnected_IsNoConnection tests that callers can match the
// shared sentinel
func TestErrNotConnected_IsNoConnection(t *testing.T) {
	assert.ErrorIs(t, ErrNotConnected, errors.ErrNoConnection)
	assert.True(t, errors.IsTransient(ErrNotConnected))
}
