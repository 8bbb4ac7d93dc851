// Package control carries operator commands over a Redis pub/sub channel.
// The supervisor subscribes with Subscriber; the operator console publishes
// with Publisher.
package control

import (
	"context"
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ActiveStack/gateway/errors"
	"github.com/ActiveStack/gateway/metric"
	"github.com/ActiveStack/gateway/pkg/retry"
)

// DefaultChannel is the control channel name when none is configured
const DefaultChannel = "gateway"

// Config holds the Redis connection and channel settings
type Config struct {
	Addr        string
	Username    string
	Password    string
	DB          int
	Channel     string
	DialTimeout time.Duration
	TLS         *tls.Config
	// Backoff governs resubscription after the subscription is lost
	Backoff retry.Config
}

// DefaultConfig returns the control channel defaults
func DefaultConfig() Config {
	return Config{
		Addr:        "localhost:6379",
		Channel:     DefaultChannel,
		DialTimeout: 5 * time.Second,
		Backoff:     retry.Persistent(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.Channel == "" {
		c.Channel = d.Channel
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.Backoff.MaxAttempts == 0 {
		c.Backoff = d.Backoff
	}
	return c
}

// NewClient creates a Redis client for cfg
func NewClient(cfg Config) *redis.Client {
	cfg = cfg.withDefaults()
	return redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
		TLSConfig:   cfg.TLS,
	})
}

// Subscriber delivers control lines from the channel. A lost subscription
// is re-established with backoff until the context ends.
type Subscriber struct {
	client  *redis.Client
	cfg     Config
	logger  *slog.Logger
	metrics *metric.Metrics
}

// NewSubscriber creates a subscriber. The caller owns the client.
func NewSubscriber(client *redis.Client, cfg Config, logger *slog.Logger, metrics *metric.Metrics) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Subscriber{
		client:  client,
		cfg:     cfg,
		logger:  logger.With("component", "control", "channel", cfg.Channel),
		metrics: metrics,
	}
}

// Run calls handle for every message until ctx ends. It returns nil on
// cancellation and an error only when the backoff policy gives up.
func (s *Subscriber) Run(ctx context.Context, handle func(line string)) error {
	for {
		var ps *redis.PubSub
		err := retry.Do(ctx, s.cfg.Backoff, func() error {
			var err error
			ps, err = s.subscribe(ctx)
			if err != nil {
				s.logger.Warn("Control channel subscribe failed", "error", err)
			}
			return err
		})
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return errors.WrapFatal(err, "Subscriber", "Run", "subscribe to control channel")
		}

		s.logger.Info("Subscribed to control channel")
		s.metrics.RecordControlStatus(true)
		err = s.consume(ctx, ps, handle)
		_ = ps.Close()
		s.metrics.RecordControlStatus(false)

		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn("Control channel subscription lost, resubscribing", "error", err)
	}
}

// subscribe opens a subscription and waits for the server to confirm it
func (s *Subscriber) subscribe(ctx context.Context) (*redis.PubSub, error) {
	ps := s.client.Subscribe(ctx, s.cfg.Channel)

	confirmCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()
	if _, err := ps.Receive(confirmCtx); err != nil {
		_ = ps.Close()
		return nil, errors.WrapTransient(err, "Subscriber", "subscribe", "confirm subscription")
	}
	return ps, nil
}

func (s *Subscriber) consume(ctx context.Context, ps *redis.PubSub, handle func(string)) error {
	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			return err
		}
		s.logger.Debug("Received control message", "payload", msg.Payload)
		s.dispatch(handle, msg.Payload)
	}
}

// dispatch keeps a panicking handler from killing the subscription
func (s *Subscriber) dispatch(handle func(string), line string) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("Control message handler panicked", "payload", line, "panic", p)
		}
	}()
	handle(line)
}

// Publisher sends control lines to the channel
type Publisher struct {
	client  *redis.Client
	channel string
}

// NewPublisher creates a publisher. The caller owns the client.
func NewPublisher(client *redis.Client, cfg Config) *Publisher {
	return &Publisher{client: client, channel: cfg.withDefaults().Channel}
}

// Publish sends line and returns the number of subscribers that got it
func (p *Publisher) Publish(ctx context.Context, line string) (int64, error) {
	n, err := p.client.Publish(ctx, p.channel, line).Result()
	if err != nil {
		return 0, errors.WrapTransient(err, "Publisher", "Publish", "publish control message")
	}
	return n, nil
}
