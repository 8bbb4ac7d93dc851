// Package tlsutil builds crypto/tls configurations from security.Config.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/ActiveStack/gateway/errors"
	"github.com/ActiveStack/gateway/pkg/security"
)

// LoadServerTLSConfig creates a server tls.Config, including client
// certificate validation when cfg.MTLS is enabled. Returns nil when TLS is off.
func LoadServerTLSConfig(cfg security.ServerTLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadServerTLSConfig", "load certificate")
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   parseTLSVersion(cfg.MinVersion),
	}

	if cfg.MTLS.Enabled {
		if err := applyMTLSConfig(tlsConfig, cfg.MTLS); err != nil {
			return nil, err
		}
	}

	return tlsConfig, nil
}

// LoadClientTLSConfig creates a client tls.Config. The system pool is always
// trusted and cfg.CAFiles are added to it.
func LoadClientTLSConfig(cfg security.ClientTLSConfig) (*tls.Config, error) {
	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	if err := appendPEMFiles(rootCAs, cfg.CAFiles, "LoadClientTLSConfig"); err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		MinVersion:         parseTLSVersion(cfg.MinVersion),
		RootCAs:            rootCAs,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec
	}

	if cfg.MTLS.Enabled {
		cert, err := tls.LoadX509KeyPair(cfg.MTLS.CertFile, cfg.MTLS.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientTLSConfig", "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func applyMTLSConfig(tlsConfig *tls.Config, mtlsCfg security.ServerMTLSConfig) error {
	clientCAs := x509.NewCertPool()
	if err := appendPEMFiles(clientCAs, mtlsCfg.ClientCAFiles, "applyMTLSConfig"); err != nil {
		return err
	}

	tlsConfig.ClientCAs = clientCAs
	if mtlsCfg.RequiresClientCert() {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}

	if len(mtlsCfg.AllowedClientCNs) > 0 {
		allowed := mtlsCfg.AllowedClientCNs
		tlsConfig.VerifyPeerCertificate = func(_ [][]byte, verifiedChains [][]*x509.Certificate) error {
			// Optional client certs produce no chains; nothing to check.
			if len(verifiedChains) == 0 && !mtlsCfg.RequiresClientCert() {
				return nil
			}
			return verifyAllowedClientCN(verifiedChains, allowed)
		}
	}

	return nil
}

func appendPEMFiles(pool *x509.CertPool, files []string, op string) error {
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return errors.WrapFatal(err, "tlsutil", op, fmt.Sprintf("read CA file %s", file))
		}
		if !pool.AppendCertsFromPEM(data) {
			return errors.WrapFatal(fmt.Errorf("invalid PEM data"), "tlsutil", op,
				fmt.Sprintf("parse CA certificate from %s", file))
		}
	}
	return nil
}

// verifyAllowedClientCN checks the leaf certificate CN against the allow list
func verifyAllowedClientCN(chains [][]*x509.Certificate, allowedCNs []string) error {
	if len(chains) == 0 || len(chains[0]) == 0 {
		return fmt.Errorf("no verified certificate chains")
	}

	cn := chains[0][0].Subject.CommonName
	for _, allowed := range allowedCNs {
		if cn == allowed {
			return nil
		}
	}
	return fmt.Errorf("client certificate CN '%s' not in allowed list", cn)
}

// parseTLSVersion maps "1.2"/"1.3" to crypto/tls constants, defaulting to 1.2
func parseTLSVersion(version string) uint16 {
	if version == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}
