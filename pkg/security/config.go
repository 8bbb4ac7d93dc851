// Package security holds the TLS settings shared by the websocket listener,
// the metrics server and the outbound broker/control connections.
package security

// Config holds platform-wide security configuration
type Config struct {
	TLS TLSConfig `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// TLSConfig holds TLS configuration for servers and clients
type TLSConfig struct {
	Server ServerTLSConfig `json:"server,omitempty" yaml:"server,omitempty"`
	Client ClientTLSConfig `json:"client,omitempty" yaml:"client,omitempty"`
}

// ServerMTLSConfig holds client certificate validation settings for servers
type ServerMTLSConfig struct {
	Enabled       bool     `json:"enabled" yaml:"enabled"`
	ClientCAFiles []string `json:"client_ca_files,omitempty" yaml:"client_ca_files,omitempty"`
	// RequireClientCert defaults to true once mTLS is enabled. Set it to
	// false explicitly to accept clients without a certificate.
	RequireClientCert *bool    `json:"require_client_cert,omitempty" yaml:"require_client_cert,omitempty"`
	AllowedClientCNs  []string `json:"allowed_client_cns,omitempty" yaml:"allowed_client_cns,omitempty"`
}

// RequiresClientCert resolves the require_client_cert default
func (m ServerMTLSConfig) RequiresClientCert() bool {
	if m.RequireClientCert == nil {
		return true
	}
	return *m.RequireClientCert
}

// ServerTLSConfig holds TLS configuration for HTTP/WebSocket servers
type ServerTLSConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	CertFile   string `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile    string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	MinVersion string `json:"min_version,omitempty" yaml:"min_version,omitempty"` // "1.2" or "1.3"

	MTLS ServerMTLSConfig `json:"mtls,omitempty" yaml:"mtls,omitempty"`
}

// ClientMTLSConfig holds the certificate a client presents
type ClientMTLSConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	CertFile string `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
}

// ClientTLSConfig holds TLS configuration for outbound connections.
// CAFiles are trusted in addition to the system pool.
type ClientTLSConfig struct {
	Enabled            bool     `json:"enabled" yaml:"enabled"`
	CAFiles            []string `json:"ca_files,omitempty" yaml:"ca_files,omitempty"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify,omitempty" yaml:"insecure_skip_verify,omitempty"` // DEV/TEST ONLY
	MinVersion         string   `json:"min_version,omitempty" yaml:"min_version,omitempty"`

	MTLS ClientMTLSConfig `json:"mtls,omitempty" yaml:"mtls,omitempty"`
}
