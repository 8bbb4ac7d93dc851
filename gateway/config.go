package gateway

import (
	"fmt"
	"time"

	"github.com/ActiveStack/gateway/errors"
	"github.com/ActiveStack/gateway/pkg/security"
)

// Config holds the websocket listener settings
type Config struct {
	Host string `json:"host,omitempty" yaml:"host,omitempty"`
	Port int    `json:"port" yaml:"port"`
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// AllowedOrigins limits the Origin header of upgrade requests. Empty
	// accepts any origin.
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`

	// AcceptRate and AcceptBurst bound new connections per second
	AcceptRate  float64 `json:"accept_rate,omitempty" yaml:"accept_rate,omitempty"`
	AcceptBurst int     `json:"accept_burst,omitempty" yaml:"accept_burst,omitempty"`

	// MaxMessageSize limits inbound frames in bytes
	MaxMessageSize int64 `json:"max_message_size,omitempty" yaml:"max_message_size,omitempty"`
	// SendBuffer is the per-connection outbound queue length. A client that
	// falls this far behind is disconnected.
	SendBuffer int `json:"send_buffer,omitempty" yaml:"send_buffer,omitempty"`

	PingInterval time.Duration `json:"ping_interval,omitempty" yaml:"ping_interval,omitempty"`
	PongTimeout  time.Duration `json:"pong_timeout,omitempty" yaml:"pong_timeout,omitempty"`
	WriteTimeout time.Duration `json:"write_timeout,omitempty" yaml:"write_timeout,omitempty"`

	// RequestTimeout bounds each broker call made for a client
	RequestTimeout time.Duration `json:"request_timeout,omitempty" yaml:"request_timeout,omitempty"`

	TLS security.ServerTLSConfig `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// DefaultConfig returns the listener defaults
func DefaultConfig() Config {
	return Config{
		Port:           8081,
		Path:           "/",
		AcceptRate:     200,
		AcceptBurst:    400,
		MaxMessageSize: 1024 * 1024, // 1MB
		SendBuffer:     256,
		PingInterval:   25 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		RequestTimeout: 5 * time.Second,
	}
}

// Validate checks the listener configuration and fills unset values
func (c *Config) Validate() error {
	d := DefaultConfig()

	if c.Port < 0 || c.Port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("invalid port: %d", c.Port))
	}
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.AcceptRate < 0 || c.AcceptBurst < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"accept_rate and accept_burst cannot be negative")
	}
	if c.AcceptRate == 0 {
		c.AcceptRate = d.AcceptRate
	}
	if c.AcceptBurst == 0 {
		c.AcceptBurst = d.AcceptBurst
	}

	if c.MaxMessageSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"max_message_size cannot be negative")
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.MaxMessageSize > 100*1024*1024 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"max_message_size cannot exceed 100MB")
	}

	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = d.PongTimeout
	}
	if c.PongTimeout <= c.PingInterval {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"pong_timeout must exceed ping_interval")
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}

	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"tls requires cert_file and key_file")
	}
	return nil
}

// Addr returns the listen address
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
