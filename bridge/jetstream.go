package bridge

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ActiveStack/gateway/errors"
	"github.com/ActiveStack/gateway/metric"
	"github.com/ActiveStack/gateway/natsclient"
)

// ReplyToHeader carries the response queue name on every request
const ReplyToHeader = "Reply-To"

// Config describes the exchange stream and the per-client queues
type Config struct {
	StreamName        string
	SubjectPrefix     string
	Durable           bool          // file storage when true, memory otherwise
	Replicas          int           // stream replicas
	MaxAge            time.Duration // how long undelivered messages are kept
	Prefetch          int           // unacked deliveries per queue
	InactiveThreshold time.Duration // idle queues are reclaimed by the broker after this
	PublishTimeout    time.Duration
}

// DefaultConfig returns the exchange defaults
func DefaultConfig() Config {
	return Config{
		StreamName:        "GATEWAY",
		SubjectPrefix:     "gateway",
		Durable:           true,
		Replicas:          1,
		MaxAge:            time.Hour,
		Prefetch:          10,
		InactiveThreshold: time.Hour,
		PublishTimeout:    5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.StreamName == "" {
		c.StreamName = d.StreamName
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = d.SubjectPrefix
	}
	if c.Replicas <= 0 {
		c.Replicas = d.Replicas
	}
	if c.MaxAge <= 0 {
		c.MaxAge = d.MaxAge
	}
	if c.Prefetch <= 0 {
		c.Prefetch = d.Prefetch
	}
	if c.InactiveThreshold <= 0 {
		c.InactiveThreshold = d.InactiveThreshold
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = d.PublishTimeout
	}
	return c
}

// AgentSubject is where requests for routingKey are published
func (c Config) AgentSubject(routingKey string) string {
	return c.SubjectPrefix + ".agent." + routingKey
}

// ClientSubject is where agents publish responses for a client queue
func (c Config) ClientSubject(queue string) string {
	return c.SubjectPrefix + ".client." + queue
}

func (c Config) streamConfig() jetstream.StreamConfig {
	storage := jetstream.MemoryStorage
	if c.Durable {
		storage = jetstream.FileStorage
	}
	return jetstream.StreamConfig{
		Name:       c.StreamName,
		Subjects:   []string{c.SubjectPrefix + ".agent.>", c.SubjectPrefix + ".client.>"},
		Storage:    storage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     c.MaxAge,
		Replicas:   c.Replicas,
		Duplicates: 2 * time.Minute,
	}
}

// broker is the slice of natsclient.Client the exchange uses
type broker interface {
	IsHealthy() bool
	EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
	CreateOrUpdateConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error)
	DeleteConsumer(ctx context.Context, stream, name string) error
}

// JetStream is the Exchange backed by a NATS JetStream stream
type JetStream struct {
	broker  broker
	cfg     Config
	logger  *slog.Logger
	metrics *bridgeMetrics

	provisioned atomic.Bool
	closed      atomic.Bool

	mu     sync.Mutex
	queues map[string]*jsQueue
}

// NewJetStream creates the exchange. Call Start before use.
func NewJetStream(
	client *natsclient.Client, cfg Config, logger *slog.Logger, registrar metric.MetricsRegistrar,
) (*JetStream, error) {
	return newJetStream(client, cfg, logger, registrar)
}

func newJetStream(b broker, cfg Config, logger *slog.Logger, registrar metric.MetricsRegistrar) (*JetStream, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m, err := newBridgeMetrics(registrar)
	if err != nil {
		return nil, errors.Wrap(err, "JetStream", "New", "register metrics")
	}
	return &JetStream{
		broker:  b,
		cfg:     cfg.withDefaults(),
		logger:  logger.With("component", "exchange"),
		metrics: m,
		queues:  make(map[string]*jsQueue),
	}, nil
}

// Config returns the effective configuration
func (j *JetStream) Config() Config {
	return j.cfg
}

// Start provisions the exchange stream
func (j *JetStream) Start(ctx context.Context) error {
	sc := j.cfg.streamConfig()
	if _, err := j.broker.EnsureStream(ctx, sc); err != nil {
		return errors.WrapFatal(err, "JetStream", "Start", "provision stream "+sc.Name)
	}
	j.provisioned.Store(true)
	j.logger.Info("Exchange stream ready",
		"stream", sc.Name, "subjects", sc.Subjects, "storage", sc.Storage.String())
	return nil
}

// IsOpen reports whether the stream is provisioned and the connection is up
func (j *JetStream) IsOpen() bool {
	return j.provisioned.Load() && !j.closed.Load() && j.broker.IsHealthy()
}

// Publish sends a request and waits for the stream to persist it
func (j *JetStream) Publish(ctx context.Context, routingKey, replyTo string, payload []byte) error {
	if !j.IsOpen() {
		j.metrics.published(false)
		return errors.WrapFatal(errors.ErrExchangeClosed, "JetStream", "Publish", "publish "+routingKey)
	}

	msg := nats.NewMsg(j.cfg.AgentSubject(routingKey))
	msg.Header.Set(ReplyToHeader, replyTo)
	msg.Data = payload

	ctx, cancel := context.WithTimeout(ctx, j.cfg.PublishTimeout)
	defer cancel()

	if _, err := j.broker.PublishMsg(ctx, msg, jetstream.WithMsgID(uuid.NewString())); err != nil {
		j.metrics.published(false)
		return err
	}
	j.metrics.published(true)
	return nil
}

// OpenQueue creates the consumer name filtered on its client subject and
// starts delivering to h
func (j *JetStream) OpenQueue(ctx context.Context, name string, h Handler) (Queue, error) {
	if !j.IsOpen() {
		return nil, errors.WrapFatal(errors.ErrExchangeClosed, "JetStream", "OpenQueue", "open queue "+name)
	}

	cons, err := j.broker.CreateOrUpdateConsumer(ctx, j.cfg.StreamName, jetstream.ConsumerConfig{
		Durable:           name,
		FilterSubject:     j.cfg.ClientSubject(name),
		AckPolicy:         jetstream.AckExplicitPolicy,
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		MaxAckPending:     j.cfg.Prefetch,
		InactiveThreshold: j.cfg.InactiveThreshold,
	})
	if err != nil {
		return nil, errors.Wrap(err, "JetStream", "OpenQueue", "create consumer "+name)
	}

	q := &jsQueue{
		name:     name,
		exchange: j,
		consumer: cons,
		handler:  h,
		logger:   j.logger.With("queue", name),
	}

	cc, err := cons.Consume(q.onMessage,
		jetstream.PullMaxMessages(j.cfg.Prefetch),
		jetstream.ConsumeErrHandler(q.onConsumeError),
	)
	if err != nil {
		_ = j.broker.DeleteConsumer(context.WithoutCancel(ctx), j.cfg.StreamName, name)
		return nil, errors.WrapTransient(err, "JetStream", "OpenQueue", "consume "+name)
	}
	q.cc = cc

	j.mu.Lock()
	j.queues[name] = q
	j.mu.Unlock()
	j.metrics.openQueues.Inc()

	return q, nil
}

// OpenQueues returns the number of queues currently consuming
func (j *JetStream) OpenQueues() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.queues)
}

func (j *JetStream) forget(name string) {
	j.mu.Lock()
	_, ok := j.queues[name]
	delete(j.queues, name)
	j.mu.Unlock()
	if ok {
		j.metrics.openQueues.Dec()
	}
}

// Close marks the exchange closed and stops every queue's delivery. Consumers
// are left for the broker to reclaim once idle.
func (j *JetStream) Close() {
	if !j.closed.CompareAndSwap(false, true) {
		return
	}

	j.mu.Lock()
	queues := make([]*jsQueue, 0, len(j.queues))
	for _, q := range j.queues {
		queues = append(queues, q)
	}
	j.mu.Unlock()

	for _, q := range queues {
		q.stop()
		j.forget(q.name)
	}
	j.logger.Info("Exchange closed", "queues", len(queues))
}

type jsQueue struct {
	name     string
	exchange *JetStream
	consumer jetstream.Consumer
	cc       jetstream.ConsumeContext
	handler  Handler
	logger   *slog.Logger

	stopOnce sync.Once
	closed   atomic.Bool
}

func (q *jsQueue) Name() string {
	return q.name
}

func (q *jsQueue) stop() {
	q.stopOnce.Do(func() {
		q.closed.Store(true)
		if q.cc != nil {
			q.cc.Stop()
		}
	})
}

// Close stops delivery and deletes the consumer
func (q *jsQueue) Close(ctx context.Context) error {
	q.stop()
	q.exchange.forget(q.name)
	return q.exchange.broker.DeleteConsumer(ctx, q.exchange.cfg.StreamName, q.name)
}

func (q *jsQueue) onMessage(msg jetstream.Msg) {
	if q.closed.Load() {
		_ = msg.Nak()
		return
	}

	resp, err := ParseResponse(msg.Data())
	if err != nil {
		q.logger.Warn("Dropping malformed response", "error", err)
		q.exchange.metrics.delivered("malformed")
		_ = msg.Term()
		return
	}

	q.exchange.metrics.delivered("ok")
	q.handler.OnQueueMessage(resp, msg)
}

func (q *jsQueue) onConsumeError(_ jetstream.ConsumeContext, err error) {
	switch {
	case stderrors.Is(err, jetstream.ErrConsumerDeleted), stderrors.Is(err, jetstream.ErrConsumerNotFound):
		go q.lost(err)
	case stderrors.Is(err, jetstream.ErrNoHeartbeat):
		// Only a consumer that is really gone closes the queue.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, infoErr := q.consumer.Info(ctx); stderrors.Is(infoErr, jetstream.ErrConsumerNotFound) {
				q.lost(infoErr)
			}
		}()
	default:
		q.logger.Debug("Consume error", "error", err)
	}
}

func (q *jsQueue) lost(err error) {
	if q.closed.Load() {
		return
	}
	q.stop()
	q.exchange.forget(q.name)
	q.logger.Warn("Response queue removed by broker", "error", err)
	q.handler.OnQueueClosed(errors.WrapFatal(errors.ErrQueueClosed, "JetStream", "consume", "consume "+q.name))
}
