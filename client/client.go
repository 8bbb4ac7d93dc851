// Package client implements the per-connection protocol state machine.
//
// A Client owns one session and at most one response queue. It forwards
// client requests to agents, pushes agent responses back to the client
// with ack/resend until acknowledged, and keeps the client's signed
// session token current.
//
// State moves UNCONNECTED -> CONNECTED -> DISPOSED. DISPOSED is terminal and
// Dispose is idempotent. Every entry point (transport events, queue
// deliveries, resend timers) runs under the client's mutex so a session is
// only ever touched by one goroutine at a time.
package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ActiveStack/gateway/bridge"
	"github.com/ActiveStack/gateway/metric"
	"github.com/ActiveStack/gateway/session"
)

// State of a client session
type State int

const (
	StateUnconnected State = iota
	StateConnected
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnected:
		return "connected"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Server-to-client event names
const (
	EventPush       = "push"
	EventAck        = "ack"
	EventSessionAck = "gatewayConnectAck"
)

// DefaultResendInterval applies when no interval source is configured
const DefaultResendInterval = 7500 * time.Millisecond

// Transport is the client connection as seen by the session
type Transport interface {
	Emit(event string, payload any) error
	Close() error
}

// DisposeListener is told when a client disposes itself. serverTerminated
// is true when the broker ended the session (EOL).
type DisposeListener interface {
	OnClientDispose(c *Client, serverTerminated bool)
}

// DisposeFunc adapts a function to DisposeListener
type DisposeFunc func(c *Client, serverTerminated bool)

func (f DisposeFunc) OnClientDispose(c *Client, serverTerminated bool) { f(c, serverTerminated) }

// Config holds the collaborators of a client
type Config struct {
	ID        string // connection id, used for logging and by the owner
	Transport Transport
	Exchange  bridge.Exchange
	Signer    *session.Signer
	Logger    *slog.Logger
	Metrics   *metric.Metrics

	// ResendInterval returns the current resend interval. It is read each
	// time a timer is armed so runtime changes apply to the next resend.
	ResendInterval func() time.Duration

	// RequestTimeout bounds each publish and queue operation
	RequestTimeout time.Duration
}

// Client is one connected client session
type Client struct {
	id             string
	transport      Transport
	exchange       bridge.Exchange
	logger         *slog.Logger
	metrics        *metric.Metrics
	resendInterval func() time.Duration
	timeout        time.Duration

	mu         sync.Mutex
	state      State
	session    *session.Session
	queue      bridge.Queue
	queueGen   uint64
	pending    map[string]*pendingAck
	listeners  []DisposeListener
	signal     bool
	signalTerm bool
}

// New creates an unconnected client with a fresh session
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "client", "conn", cfg.ID)

	interval := cfg.ResendInterval
	if interval == nil {
		interval = func() time.Duration { return DefaultResendInterval }
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	c := &Client{
		id:             cfg.ID,
		transport:      cfg.Transport,
		exchange:       cfg.Exchange,
		logger:         logger,
		metrics:        cfg.Metrics,
		resendInterval: interval,
		timeout:        timeout,
		session:        session.New(cfg.Signer, logger),
		pending:        make(map[string]*pendingAck),
	}
	c.metrics.RecordClientState(StateUnconnected.String())
	return c
}

// ID returns the connection id
func (c *Client) ID() string { return c.id }

// State returns the current state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ClientID returns the canonical client id
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.ClientID()
}

// Session returns a snapshot of the session record
func (c *Client) Session() session.Data {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Snapshot()
}

// PendingAcks returns the number of pushes awaiting a client ack
func (c *Client) PendingAcks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// AddDisposeListener registers l for dispose signals
func (c *Client) AddDisposeListener(l DisposeListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// lock and unlock bracket every entry point. unlock fires a dispose signal
// raised while the lock was held, after releasing it.
func (c *Client) lock() {
	c.mu.Lock()
}

func (c *Client) unlock() {
	fire, term := c.signal, c.signalTerm
	c.signal, c.signalTerm = false, false
	listeners := append([]DisposeListener(nil), c.listeners...)
	c.mu.Unlock()

	if !fire {
		return
	}
	for _, l := range listeners {
		l.OnClientDispose(c, term)
	}
}

// Dispose tears the session down for good. It does not raise a dispose
// signal; the caller already knows.
func (c *Client) Dispose() {
	c.lock()
	defer c.unlock()
	c.dispose()
}

// disposeAndSignal disposes and asks the owner to drop the connection
func (c *Client) disposeAndSignal(serverTerminated bool) {
	if c.state == StateDisposed {
		return
	}
	c.dispose()
	c.signal = true
	c.signalTerm = c.signalTerm || serverTerminated
}

func (c *Client) dispose() {
	if c.state == StateDisposed {
		return
	}
	c.teardown()
	c.state = StateDisposed
	c.metrics.RecordClientState(StateDisposed.String())
	c.logger.Debug("Client disposed", "client_id", c.session.ClientID())
}

// teardown drops pending acks, tells agents the client is gone and closes
// the response queue. It leaves the client UNCONNECTED.
func (c *Client) teardown() {
	for id, p := range c.pending {
		p.timer.Stop()
		delete(c.pending, id)
	}

	if c.exchange != nil && c.exchange.IsOpen() {
		msg := c.session.Populate(map[string]any{"cn": disconnectRequest})
		delete(msg, "existingClientId")
		delete(msg, "existingClientIds")
		if err := c.publishRaw(routeDisconnect, msg); err != nil {
			c.logger.Warn("Disconnect notification failed", "error", err)
		}
	}

	if c.queue != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		if err := c.queue.Close(ctx); err != nil {
			c.logger.Warn("Unable to close response queue", "queue", c.queue.Name(), "error", err)
		}
		cancel()
		c.queue = nil
	}

	if c.state == StateConnected {
		c.state = StateUnconnected
	}
}

// emit sends an event to the client. A failed write is left to the
// transport's own close handling.
func (c *Client) emit(event string, payload any) {
	if c.transport == nil {
		return
	}
	if err := c.transport.Emit(event, payload); err != nil {
		c.logger.Debug("Emit failed", "event", event, "error", err)
	}
}

// sendSessionIfDirty pushes a freshly signed token when the session changed
func (c *Client) sendSessionIfDirty() {
	if c.state == StateDisposed || !c.session.IsDirty() {
		return
	}
	signed, err := c.session.Signed()
	if err != nil {
		c.logger.Error("Unable to sign session", "error", err)
		return
	}
	c.emit(EventSessionAck, signed)
}
