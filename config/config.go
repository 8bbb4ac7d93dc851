package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ActiveStack/gateway/bridge"
	"github.com/ActiveStack/gateway/cluster"
	"github.com/ActiveStack/gateway/control"
	"github.com/ActiveStack/gateway/gateway"
	"github.com/ActiveStack/gateway/natsclient"
	"github.com/ActiveStack/gateway/pkg/retry"
	"github.com/ActiveStack/gateway/pkg/security"
	"github.com/ActiveStack/gateway/pkg/tlsutil"
	"github.com/ActiveStack/gateway/session"
	"github.com/ActiveStack/gateway/worker"
)

const redacted = "********"

// Config represents the complete gateway configuration
type Config struct {
	Version  string          `json:"version,omitempty"`
	Frontend FrontendConfig  `json:"frontend"`
	Session  SessionConfig   `json:"session"`
	Cluster  ClusterConfig   `json:"cluster"`
	NATS     NATSConfig      `json:"nats"`
	Exchange ExchangeConfig  `json:"exchange"`
	Redis    RedisConfig     `json:"redis"`
	Metrics  MetricsConfig   `json:"metrics"`
	Security security.Config `json:"security,omitempty"` // TLS for the listener, metrics and outbound connections
}

// Duration is a time.Duration written as a string ("7500ms", "2s", "14d").
// Bare numbers are read as milliseconds.
type Duration time.Duration

// D returns the value as a time.Duration
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case nil:
		*d = 0
	case float64:
		*d = Duration(time.Duration(value * float64(time.Millisecond)))
	case string:
		parsed, err := parseDurationWithDays(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}

// parseDurationWithDays parses durations that may include days (e.g., "14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// FrontendConfig is the client-facing websocket listener
type FrontendConfig struct {
	Host           string   `json:"host,omitempty"`
	Port           int      `json:"port"`
	Path           string   `json:"path,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	AcceptRate     float64  `json:"accept_rate,omitempty"`
	AcceptBurst    int      `json:"accept_burst,omitempty"`
	MaxMessageSize int64    `json:"max_message_size,omitempty"`
	SendBuffer     int      `json:"send_buffer,omitempty"`
	PingInterval   Duration `json:"ping_interval,omitempty"`
	PongTimeout    Duration `json:"pong_timeout,omitempty"`
	WriteTimeout   Duration `json:"write_timeout,omitempty"`
	RequestTimeout Duration `json:"request_timeout,omitempty"`
}

// SessionConfig controls session token signing
type SessionConfig struct {
	Secret string   `json:"secret,omitempty"`
	Codec  string   `json:"codec,omitempty"` // "json" or "msgpack"
	MaxAge Duration `json:"max_age,omitempty"`
}

// ClusterConfig controls the supervisor and the per-worker runtime
type ClusterConfig struct {
	// Workers is the number of worker processes. Zero means NumCPU/2+1 and
	// one runs the gateway in a single process without a supervisor.
	Workers           int      `json:"workers,omitempty"`
	WorkerTimeout     Duration `json:"worker_timeout,omitempty"`
	WatchdogInterval  Duration `json:"watchdog_interval,omitempty"`
	RestartDelay      Duration `json:"restart_delay,omitempty"`
	MaxRestartBackoff int      `json:"max_restart_backoff,omitempty"`
	ShutdownTimeout   Duration `json:"shutdown_timeout,omitempty"`
	ShutdownCode      string   `json:"shutdown_code,omitempty"`

	HeartbeatInterval   Duration `json:"heartbeat_interval,omitempty"`
	MemoryCheckInterval Duration `json:"memory_check_interval,omitempty"`
	// MemoryLimits and MemoryWarnings are in MB keyed by heapAlloc, heapSys,
	// sys or stackInuse
	MemoryLimits   map[string]uint64 `json:"memory_limits,omitempty"`
	MemoryWarnings map[string]uint64 `json:"memory_warnings,omitempty"`

	LogLevel                    string   `json:"log_level,omitempty"`
	ClientMessageResendInterval Duration `json:"client_message_resend_interval,omitempty"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	Name          string        `json:"name,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait Duration      `json:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
	TLS           NATSTLSConfig `json:"tls,omitempty"`
}

// NATSTLSConfig for secure NATS connections
type NATSTLSConfig struct {
	Enabled  bool   `json:"enabled"`
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty"`
}

// ExchangeConfig describes the JetStream exchange and per-client queues
type ExchangeConfig struct {
	Stream            string   `json:"stream,omitempty"`
	SubjectPrefix     string   `json:"subject_prefix,omitempty"`
	Durable           bool     `json:"durable"`
	Replicas          int      `json:"replicas,omitempty"`
	MaxAge            Duration `json:"max_age,omitempty"`
	Prefetch          int      `json:"prefetch,omitempty"`
	InactiveThreshold Duration `json:"inactive_threshold,omitempty"`
	PublishTimeout    Duration `json:"publish_timeout,omitempty"`
}

// RedisConfig is the control channel connection
type RedisConfig struct {
	Addr           string   `json:"addr,omitempty"`
	Username       string   `json:"username,omitempty"`
	Password       string   `json:"password,omitempty"`
	DB             int      `json:"db,omitempty"`
	ControlChannel string   `json:"control_channel,omitempty"`
	DialTimeout    Duration `json:"dial_timeout,omitempty"`
	TLS            bool     `json:"tls,omitempty"` // uses security.tls.client
}

// MetricsConfig controls the Prometheus and health endpoint. Workers listen
// on Port plus their worker id.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host,omitempty"`
	Port    int    `json:"port,omitempty"`
	Path    string `json:"path,omitempty"`
}

// Default returns the built-in configuration every file layer merges into
func Default() *Config {
	fe := gateway.DefaultConfig()
	cl := cluster.DefaultConfig()
	wk := worker.DefaultConfig()
	ex := bridge.DefaultConfig()
	rd := control.DefaultConfig()

	return &Config{
		Frontend: FrontendConfig{
			Port:           fe.Port,
			Path:           fe.Path,
			AcceptRate:     fe.AcceptRate,
			AcceptBurst:    fe.AcceptBurst,
			MaxMessageSize: fe.MaxMessageSize,
			SendBuffer:     fe.SendBuffer,
			PingInterval:   Duration(fe.PingInterval),
			PongTimeout:    Duration(fe.PongTimeout),
			WriteTimeout:   Duration(fe.WriteTimeout),
			RequestTimeout: Duration(fe.RequestTimeout),
		},
		Session: SessionConfig{
			Secret: session.DefaultSecret,
			Codec:  session.CodecNameJSON,
			MaxAge: Duration(session.DefaultMaxAge),
		},
		Cluster: ClusterConfig{
			WorkerTimeout:               Duration(cl.WorkerTimeout),
			WatchdogInterval:            Duration(cl.WatchdogInterval),
			RestartDelay:                Duration(cl.RestartDelay),
			MaxRestartBackoff:           cl.MaxRestartBackoff,
			ShutdownTimeout:             Duration(cl.ShutdownTimeout),
			HeartbeatInterval:           Duration(wk.HeartbeatInterval),
			MemoryCheckInterval:         Duration(wk.MemoryCheckInterval),
			LogLevel:                    cl.LogLevel,
			ClientMessageResendInterval: Duration(wk.ResendInterval),
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			Name:          "gateway",
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
		},
		Exchange: ExchangeConfig{
			Stream:            ex.StreamName,
			SubjectPrefix:     ex.SubjectPrefix,
			Durable:           ex.Durable,
			Replicas:          ex.Replicas,
			MaxAge:            Duration(ex.MaxAge),
			Prefetch:          ex.Prefetch,
			InactiveThreshold: Duration(ex.InactiveThreshold),
			PublishTimeout:    Duration(ex.PublishTimeout),
		},
		Redis: RedisConfig{
			Addr:           rd.Addr,
			ControlChannel: rd.Channel,
			DialTimeout:    Duration(rd.DialTimeout),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// Validate checks the configuration. It does not modify c.
func (c *Config) Validate() error {
	if len(c.NATS.URLs) == 0 {
		return errors.New("nats.urls is required")
	}
	for i, u := range c.NATS.URLs {
		if strings.TrimSpace(u) == "" {
			return fmt.Errorf("nats.urls[%d] is empty", i)
		}
	}

	fe := c.GatewayConfig()
	if err := fe.Validate(); err != nil {
		return fmt.Errorf("frontend: %w", err)
	}

	switch c.Session.Codec {
	case "", session.CodecNameJSON, session.CodecNameMsgpack:
	default:
		return fmt.Errorf("session.codec %q must be %q or %q",
			c.Session.Codec, session.CodecNameJSON, session.CodecNameMsgpack)
	}

	if err := c.validateCluster(); err != nil {
		return fmt.Errorf("cluster: %w", err)
	}

	if c.Exchange.SubjectPrefix != "" && !isValidNATSSubjectPart(c.Exchange.SubjectPrefix) {
		return fmt.Errorf("exchange.subject_prefix %q is not valid for NATS subjects", c.Exchange.SubjectPrefix)
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port %d is out of range", c.Metrics.Port)
	}

	if err := c.validateSecurity(); err != nil {
		return fmt.Errorf("security configuration: %w", err)
	}
	return nil
}

func (c *Config) validateCluster() error {
	cl := c.Cluster
	if cl.Workers < 0 {
		return fmt.Errorf("workers cannot be negative: %d", cl.Workers)
	}
	if cl.MaxRestartBackoff < 0 || cl.MaxRestartBackoff > 30 {
		return fmt.Errorf("max_restart_backoff must be between 0 and 30: %d", cl.MaxRestartBackoff)
	}
	if cl.LogLevel != "" {
		if _, err := worker.ParseLevel(cl.LogLevel); err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
	}
	for _, limits := range []map[string]uint64{cl.MemoryLimits, cl.MemoryWarnings} {
		for key := range limits {
			switch key {
			case worker.MemHeapAlloc, worker.MemHeapSys, worker.MemSys, worker.MemStackInuse:
			default:
				return fmt.Errorf("unknown memory type %q", key)
			}
		}
	}
	return nil
}

// isValidNATSSubjectPart checks if a string is valid for use in NATS subjects.
// Valid characters are alphanumeric, dots, dashes, and underscores.
func isValidNATSSubjectPart(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, r := range s {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !isAlnum && r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

// validateSecurity validates the security configuration
func (c *Config) validateSecurity() error {
	srv := c.Security.TLS.Server
	if srv.Enabled {
		if srv.CertFile == "" {
			return errors.New("tls.server.cert_file is required when TLS is enabled")
		}
		if srv.KeyFile == "" {
			return errors.New("tls.server.key_file is required when TLS is enabled")
		}
		if _, err := os.Stat(srv.CertFile); err != nil {
			return fmt.Errorf("tls.server.cert_file: %w", err)
		}
		if _, err := os.Stat(srv.KeyFile); err != nil {
			return fmt.Errorf("tls.server.key_file: %w", err)
		}
		if srv.MinVersion != "" {
			if err := validateTLSVersion(srv.MinVersion); err != nil {
				return fmt.Errorf("tls.server.min_version: %w", err)
			}
		}
		if srv.MTLS.Enabled && len(srv.MTLS.ClientCAFiles) == 0 {
			return errors.New("tls.server.mtls.client_ca_files is required when mTLS is enabled")
		}
	}

	for i, caFile := range c.Security.TLS.Client.CAFiles {
		if _, err := os.Stat(caFile); err != nil {
			return fmt.Errorf("tls.client.ca_files[%d]: %w", i, err)
		}
	}

	if c.Security.TLS.Client.InsecureSkipVerify {
		_, _ = fmt.Fprintf(
			os.Stderr,
			"WARNING: TLS certificate verification is disabled (insecure_skip_verify=true). This should only be used in development/testing!\n",
		)
	}

	if c.Security.TLS.Client.MinVersion != "" {
		if err := validateTLSVersion(c.Security.TLS.Client.MinVersion); err != nil {
			return fmt.Errorf("tls.client.min_version: %w", err)
		}
	}
	return nil
}

// validateTLSVersion checks if a TLS version string is valid
func validateTLSVersion(version string) error {
	switch version {
	case "1.2", "1.3":
		return nil
	default:
		return fmt.Errorf("invalid TLS version %q (must be \"1.2\" or \"1.3\")", version)
	}
}

// GatewayConfig maps the frontend section to the websocket server settings
func (c *Config) GatewayConfig() gateway.Config {
	f := c.Frontend
	return gateway.Config{
		Host:           f.Host,
		Port:           f.Port,
		Path:           f.Path,
		AllowedOrigins: f.AllowedOrigins,
		AcceptRate:     f.AcceptRate,
		AcceptBurst:    f.AcceptBurst,
		MaxMessageSize: f.MaxMessageSize,
		SendBuffer:     f.SendBuffer,
		PingInterval:   f.PingInterval.D(),
		PongTimeout:    f.PongTimeout.D(),
		WriteTimeout:   f.WriteTimeout.D(),
		RequestTimeout: f.RequestTimeout.D(),
		TLS:            c.Security.TLS.Server,
	}
}

// ClusterConfig maps the cluster section to the supervisor settings
func (c *Config) ClusterConfig() cluster.Config {
	cl := c.Cluster
	return cluster.Config{
		Workers:           cl.Workers,
		WorkerTimeout:     cl.WorkerTimeout.D(),
		WatchdogInterval:  cl.WatchdogInterval.D(),
		RestartDelay:      cl.RestartDelay.D(),
		MaxRestartBackoff: cl.MaxRestartBackoff,
		MemoryLimits:      cl.MemoryLimits,
		MemoryWarnings:    cl.MemoryWarnings,
		ShutdownCode:      cl.ShutdownCode,
		LogLevel:          cl.LogLevel,
		ResendInterval:    cl.ClientMessageResendInterval.D(),
		ShutdownTimeout:   cl.ShutdownTimeout.D(),
	}
}

// WorkerConfig maps the cluster section to the worker runtime settings
func (c *Config) WorkerConfig() worker.Config {
	cl := c.Cluster
	return worker.Config{
		HeartbeatInterval:   cl.HeartbeatInterval.D(),
		MemoryCheckInterval: cl.MemoryCheckInterval.D(),
		MemoryLimits:        cl.MemoryLimits,
		MemoryWarnings:      cl.MemoryWarnings,
		ResendInterval:      cl.ClientMessageResendInterval.D(),
	}
}

// BridgeConfig maps the exchange section to the JetStream exchange settings
func (c *Config) BridgeConfig() bridge.Config {
	e := c.Exchange
	return bridge.Config{
		StreamName:        e.Stream,
		SubjectPrefix:     e.SubjectPrefix,
		Durable:           e.Durable,
		Replicas:          e.Replicas,
		MaxAge:            e.MaxAge.D(),
		Prefetch:          e.Prefetch,
		InactiveThreshold: e.InactiveThreshold.D(),
		PublishTimeout:    e.PublishTimeout.D(),
	}
}

// ControlConfig maps the redis section to the control channel settings
func (c *Config) ControlConfig() (control.Config, error) {
	r := c.Redis
	cfg := control.Config{
		Addr:        r.Addr,
		Username:    r.Username,
		Password:    r.Password,
		DB:          r.DB,
		Channel:     r.ControlChannel,
		DialTimeout: r.DialTimeout.D(),
		Backoff:     retry.Persistent(),
	}
	if r.TLS {
		clientTLS := c.Security.TLS.Client
		clientTLS.Enabled = true
		tlsConfig, err := tlsutil.LoadClientTLSConfig(clientTLS)
		if err != nil {
			return control.Config{}, fmt.Errorf("redis tls: %w", err)
		}
		cfg.TLS = tlsConfig
	}
	return cfg, nil
}

// NATSURL joins the configured servers into a single connect URL
func (c *Config) NATSURL() string {
	return strings.Join(c.NATS.URLs, ",")
}

// NATSOptions maps the nats section to client options
func (c *Config) NATSOptions() []natsclient.ClientOption {
	n := c.NATS
	opts := []natsclient.ClientOption{
		natsclient.WithMaxReconnects(n.MaxReconnects),
	}
	if n.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(n.ReconnectWait.D()))
	}
	if n.Name != "" {
		opts = append(opts, natsclient.WithName(n.Name))
	}
	if n.Username != "" {
		opts = append(opts, natsclient.WithCredentials(n.Username, n.Password))
	}
	if n.Token != "" {
		opts = append(opts, natsclient.WithToken(n.Token))
	}
	if n.TLS.Enabled {
		opts = append(opts, natsclient.WithTLS(n.TLS.CertFile, n.TLS.KeyFile, n.TLS.CAFile))
	}
	return opts
}

// Signer builds the session token signer
func (c *Config) Signer() *session.Signer {
	return session.NewSigner(c.Session.Secret,
		session.WithCodec(session.GetCodec(c.Session.Codec)),
		session.WithMaxAge(c.Session.MaxAge.D()))
}

// MetricsAddr is the metrics listen address for workerID (0 for the
// supervisor or a single process)
func (c *Config) MetricsAddr(workerID int) string {
	return fmt.Sprintf("%s:%d", c.Metrics.Host, c.Metrics.Port+workerID)
}

// Redacted returns a copy with secrets masked
func (c *Config) Redacted() *Config {
	clone := c.Clone()
	for _, s := range []*string{
		&clone.Session.Secret,
		&clone.Cluster.ShutdownCode,
		&clone.NATS.Password,
		&clone.NATS.Token,
		&clone.Redis.Password,
	} {
		if *s != "" {
			*s = redacted
		}
	}
	return clone
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return string(data)
}

// SaveToFile saves the configuration as JSON or YAML by file extension
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if isYAML(path) {
		if data, err = jsonToYAML(data); err != nil {
			return err
		}
	}
	return writeConfigFile(path, data)
}
