// Package natsclient manages the gateway's NATS connection: circuit breaker
// protected connect, connection-loss callbacks, and the JetStream stream and
// consumer helpers the message bridge is built on.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ActiveStack/gateway/errors"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Error messages
var (
	ErrNotConnected = fmt.Errorf("not connected to NATS: %w", errors.ErrNoConnection)
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
)

// Client owns one NATS connection and its JetStream context
type Client struct {
	url      string
	status   atomic.Value // ConnectionStatus
	failures atomic.Int32
	logger   Logger

	conn *nats.Conn
	js   jetstream.JetStream
	subs []*nats.Subscription

	// Circuit breaker
	backoff          atomic.Value // time.Duration
	circuitFailures  atomic.Int32
	circuitThreshold int32
	maxBackoff       time.Duration

	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration

	// Cleared on close
	username string
	password string
	token    string

	tlsEnabled  bool
	tlsCertFile string
	tlsKeyFile  string
	tlsCAFile   string

	clientName string

	onDisconnect     func(error)
	onReconnect      func()
	onHealthChange   func(bool)
	onConnectionLost func(error)

	healthInterval time.Duration
	healthDone     chan struct{}

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a new NATS client with optional configuration
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           &defaultLogger{},
		maxReconnects:    10,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		healthInterval:   10 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     10 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.status.Store(StatusDisconnected)
	c.backoff.Store(time.Second)

	return c, nil
}

// URL returns the NATS server URL
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	val := c.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

func (c *Client) setStatus(status ConnectionStatus) {
	c.status.Store(status)
}

// IsHealthy returns true if the connection is up
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Failures returns the current failure count
func (c *Client) Failures() int32 {
	return c.failures.Load()
}

// Backoff returns the current circuit breaker backoff
func (c *Client) Backoff() time.Duration {
	return c.backoff.Load().(time.Duration)
}

// recordFailure counts a failed operation and opens the circuit once the
// threshold is reached in the current round.
func (c *Client) recordFailure() {
	total := c.failures.Add(1)
	round := c.circuitFailures.Add(1)

	c.logger.Debugf("Recorded failure %d (circuit failures: %d)", total, round)

	if round < c.circuitThreshold {
		return
	}

	current := c.Status()
	backoff := c.backoff.Load().(time.Duration)
	next := backoff * 2
	if next > c.maxBackoff {
		next = c.maxBackoff
	}

	if current == StatusCircuitOpen {
		c.backoff.Store(next)
		c.circuitFailures.Store(0)
		c.logger.Printf("Circuit breaker still open, increased backoff to %v", next)
		return
	}

	if c.status.CompareAndSwap(current, StatusCircuitOpen) {
		c.backoff.Store(next)
		c.circuitFailures.Store(0)
		c.logger.Printf("Circuit breaker opened after %d failures, backing off for %v", round, backoff)
		time.AfterFunc(backoff, c.halfOpen)
	}
}

func (c *Client) resetCircuit() {
	c.failures.Store(0)
	c.circuitFailures.Store(0)
	c.backoff.Store(time.Second)

	if c.Status() == StatusCircuitOpen {
		c.setStatus(StatusDisconnected)
	}
}

// halfOpen lets the next Connect attempt through after the backoff elapsed
func (c *Client) halfOpen() {
	if c.status.CompareAndSwap(StatusCircuitOpen, StatusDisconnected) {
		c.logger.Debugf("Circuit breaker half-open, next connect attempt allowed")
	}
}

// WaitForConnection blocks until the client is connected or ctx ends
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errors.WrapTransient(ctx.Err(), "Client", "WaitForConnection", "wait for connection")
		case <-ticker.C:
			if c.IsHealthy() {
				return nil
			}
		}
	}
}

func (c *Client) buildConnectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}

	if c.username != "" && c.password != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	if c.tlsEnabled {
		if c.tlsCertFile != "" && c.tlsKeyFile != "" {
			opts = append(opts, nats.ClientCert(c.tlsCertFile, c.tlsKeyFile))
		}
		if c.tlsCAFile != "" {
			opts = append(opts, nats.RootCAs(c.tlsCAFile))
		}
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}

	return opts
}

// Connect establishes the connection and initializes JetStream
func (c *Client) Connect(ctx context.Context) error {
	if c.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}

	c.setStatus(StatusConnecting)
	c.logger.Printf("Connecting to NATS at %s", c.url)

	opts := c.buildConnectionOptions()

	type result struct {
		conn *nats.Conn
		js   jetstream.JetStream
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(c.url, opts...)
		if err != nil {
			done <- result{err: err}
			return
		}
		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			done <- result{err: err}
			return
		}
		done <- result{conn: conn, js: js}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			c.recordFailure()
			if c.Status() == StatusCircuitOpen {
				return ErrCircuitOpen
			}
			c.setStatus(StatusDisconnected)
			return errors.WrapTransient(r.err, "Client", "Connect", "establish connection")
		}
		c.mu.Lock()
		c.conn = r.conn
		c.js = r.js
		c.mu.Unlock()
	case <-ctx.Done():
		c.recordFailure()
		if c.Status() != StatusCircuitOpen {
			c.setStatus(StatusDisconnected)
		}
		// The dial goroutine may still succeed; close whatever it produces.
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errors.WrapTransient(errors.ErrConnectionTimeout, "Client", "Connect", "establish connection")
		}
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.logger.Printf("Connected to NATS at %s", c.url)

	if c.healthInterval > 0 {
		c.startHealthMonitoring()
	}
	if c.onHealthChange != nil {
		c.onHealthChange(true)
	}
	return nil
}

// Close drains and closes the connection. Safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed.Load() {
		return nil
	}
	c.closed.Store(true)

	c.stopHealthMonitoring()

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe"))
		}
	}
	c.subs = nil

	if c.conn != nil {
		drainTimeout := c.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
				drainTimeout = remaining
			}
		}

		drainDone := make(chan error, 1)
		conn := c.conn
		go func() {
			drainDone <- conn.Drain()
		}()

		select {
		case err := <-drainDone:
			if err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
				errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
			}
		case <-time.After(drainTimeout):
			errs = append(errs, errors.WrapTransient(
				fmt.Errorf("drain timeout after %v", drainTimeout), "Client", "Close", "drain"))
		case <-ctx.Done():
			errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Close", "drain"))
		}

		conn.Close()
		c.conn = nil
		c.js = nil
	}

	c.username = ""
	c.password = ""
	c.token = ""

	c.setStatus(StatusDisconnected)
	return stderrors.Join(errs...)
}

// RTT returns the round-trip time to the NATS server
func (c *Client) RTT() (time.Duration, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return 0, ErrNotConnected
	}
	return conn.RTT()
}

// Subscribe subscribes to a core NATS subject. Each handler call gets a
// context derived from ctx with a 30-second timeout.
func (c *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.conn.IsConnected() {
		return ErrNotConnected
	}

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		handler(msgCtx, msg.Data)
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Subscribe", "subscribe "+subject)
	}

	c.subs = append(c.subs, sub)
	return nil
}

// Publish publishes on core NATS without waiting for a JetStream ack
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}
	return conn.Publish(subject, data)
}

// JetStream returns the JetStream context
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.js == nil {
		return nil, errors.WrapTransient(ErrNotConnected, "Client", "JetStream", "get JetStream context")
	}
	return c.js, nil
}

// ready checks breaker and connection state before a JetStream call
func (c *Client) ready(method string) (jetstream.JetStream, error) {
	if c.Status() == StatusCircuitOpen {
		return nil, ErrCircuitOpen
	}
	if c.Status() != StatusConnected {
		return nil, errors.WrapTransient(ErrNotConnected, "Client", method, "check connection")
	}
	return c.JetStream()
}

// EnsureStream creates the stream or updates it in place when it exists
func (c *Client) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	js, err := c.ready("EnsureStream")
	if err != nil {
		return nil, err
	}

	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		c.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "EnsureStream", "create stream "+cfg.Name)
	}

	c.resetCircuit()
	return stream, nil
}

// PublishMsg publishes to JetStream and waits for the server ack. A subject
// that no stream captures fails with jetstream.ErrNoStreamResponse.
func (c *Client) PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	js, err := c.ready("PublishMsg")
	if err != nil {
		return nil, err
	}

	ack, err := js.PublishMsg(ctx, msg, opts...)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoStreamResponse) {
			return nil, errors.WrapInvalid(errors.ErrUnroutable, "Client", "PublishMsg", "route "+msg.Subject)
		}
		c.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "PublishMsg", "publish "+msg.Subject)
	}
	return ack, nil
}

// CreateOrUpdateConsumer provisions a durable consumer on the named stream
func (c *Client) CreateOrUpdateConsumer(
	ctx context.Context, stream string, cfg jetstream.ConsumerConfig,
) (jetstream.Consumer, error) {
	js, err := c.ready("CreateOrUpdateConsumer")
	if err != nil {
		return nil, err
	}

	cons, err := js.CreateOrUpdateConsumer(ctx, stream, cfg)
	if err != nil {
		c.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "CreateOrUpdateConsumer", "create consumer "+cfg.Durable)
	}
	return cons, nil
}

// DeleteConsumer removes a consumer. A consumer that is already gone is not an error.
func (c *Client) DeleteConsumer(ctx context.Context, stream, name string) error {
	js, err := c.JetStream()
	if err != nil {
		return err
	}

	err = js.DeleteConsumer(ctx, stream, name)
	if err != nil && !isNotFoundError(err) {
		return errors.Wrap(err, "Client", "DeleteConsumer", "delete consumer "+name)
	}
	return nil
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	if c.closed.Load() {
		return
	}
	c.setStatus(StatusReconnecting)
	if err != nil {
		c.logger.Errorf("Disconnected from NATS: %v", err)
	}

	c.mu.RLock()
	onDisconnect := c.onDisconnect
	onHealthChange := c.onHealthChange
	c.mu.RUnlock()

	if onDisconnect != nil {
		go onDisconnect(err)
	}
	if onHealthChange != nil {
		go onHealthChange(false)
	}
}

func (c *Client) handleReconnect(conn *nats.Conn) {
	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.logger.Printf("Reconnected to NATS at %s", conn.ConnectedUrl())

	c.mu.RLock()
	onReconnect := c.onReconnect
	onHealthChange := c.onHealthChange
	c.mu.RUnlock()

	if onReconnect != nil {
		go onReconnect()
	}
	if onHealthChange != nil {
		go onHealthChange(true)
	}
}

// handleClosed fires when the connection is gone for good. Outside of Close
// that means reconnects were exhausted.
func (c *Client) handleClosed(conn *nats.Conn) {
	c.setStatus(StatusDisconnected)

	c.mu.RLock()
	onHealthChange := c.onHealthChange
	onLost := c.onConnectionLost
	c.mu.RUnlock()

	if onHealthChange != nil {
		go onHealthChange(false)
	}
	if c.closed.Load() || onLost == nil {
		return
	}

	err := conn.LastError()
	if err == nil {
		err = errors.ErrConnectionLost
	}
	go onLost(errors.WrapFatal(err, "Client", "handleClosed", "keep NATS connection"))
}

func (c *Client) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	if sub != nil {
		c.logger.Errorf("NATS async error on %s: %v", sub.Subject, err)
		return
	}
	c.logger.Errorf("NATS async error: %v", err)
}

func (c *Client) startHealthMonitoring() {
	c.stopHealthMonitoring()

	c.mu.Lock()
	done := make(chan struct{})
	c.healthDone = done
	interval := c.healthInterval
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		lastHealthy := c.IsHealthy()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_, err := c.RTT()
				healthy := err == nil

				if healthy && c.Status() == StatusReconnecting {
					c.setStatus(StatusConnected)
				} else if !healthy && c.Status() == StatusConnected {
					c.setStatus(StatusReconnecting)
				}

				c.mu.RLock()
				onHealthChange := c.onHealthChange
				c.mu.RUnlock()
				if healthy != lastHealthy && onHealthChange != nil {
					onHealthChange(healthy)
				}
				lastHealthy = healthy
			}
		}
	}()
}

func (c *Client) stopHealthMonitoring() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.healthDone != nil {
		close(c.healthDone)
		c.healthDone = nil
	}
}

func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, jetstream.ErrConsumerNotFound) || stderrors.Is(err, jetstream.ErrStreamNotFound) {
		return true
	}
	return strings.Contains(err.Error(), "not found")
}
