package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ActiveStack/gateway/pkg/security"
)

type certFiles struct {
	cert string
	key  string
}

// writeSelfSigned creates a self-signed cert usable as server cert, client
// cert and CA at once.
func writeSelfSigned(t *testing.T, cn string) certFiles {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	files := certFiles{cert: filepath.Join(dir, cn+".pem"), key: filepath.Join(dir, cn+"-key.pem")}
	require.NoError(t, os.WriteFile(files.cert, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644))
	require.NoError(t, os.WriteFile(files.key, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return files
}

func boolPtr(b bool) *bool { return &b }

// TestLoadServerTLSConfig tests server config loading and mTLS defaults
func TestLoadServerTLSConfig(t *testing.T) {
	server := writeSelfSigned(t, "localhost")
	ca := writeSelfSigned(t, "client-ca")

	tests := []struct {
		name           string
		cfg            security.ServerTLSConfig
		wantNil        bool
		wantErr        bool
		wantClientAuth tls.ClientAuthType
		wantMinVersion uint16
	}{
		{
			name:    "disabled",
			cfg:     security.ServerTLSConfig{Enabled: false},
			wantNil: true,
		},
		{
			name:           "tls 1.3 without mtls",
			cfg:            security.ServerTLSConfig{Enabled: true, CertFile: server.cert, KeyFile: server.key, MinVersion: "1.3"},
			wantClientAuth: tls.NoClientCert,
			wantMinVersion: tls.VersionTLS13,
		},
		{
			name: "mtls requires client cert by default",
			cfg: security.ServerTLSConfig{
				Enabled: true, CertFile: server.cert, KeyFile: server.key,
				MTLS: security.ServerMTLSConfig{Enabled: true, ClientCAFiles: []string{ca.cert}},
			},
			wantClientAuth: tls.RequireAndVerifyClientCert,
			wantMinVersion: tls.VersionTLS12,
		},
		{
			name: "mtls optional when explicitly disabled",
			cfg: security.ServerTLSConfig{
				Enabled: true, CertFile: server.cert, KeyFile: server.key,
				MTLS: security.ServerMTLSConfig{Enabled: true, ClientCAFiles: []string{ca.cert}, RequireClientCert: boolPtr(false)},
			},
			wantClientAuth: tls.VerifyClientCertIfGiven,
			wantMinVersion: tls.VersionTLS12,
		},
		{
			name:    "missing cert",
			cfg:     security.ServerTLSConfig{Enabled: true, CertFile: "/nonexistent.pem", KeyFile: server.key},
			wantErr: true,
		},
		{
			name: "missing client ca",
			cfg: security.ServerTLSConfig{
				Enabled: true, CertFile: server.cert, KeyFile: server.key,
				MTLS: security.ServerMTLSConfig{Enabled: true, ClientCAFiles: []string{"/nonexistent/ca.pem"}},
			},
			wantErr: true,
		},
		{
			name: "ca file is not pem",
			cfg: security.ServerTLSConfig{
				Enabled: true, CertFile: server.cert, KeyFile: server.key,
				MTLS: security.ServerMTLSConfig{Enabled: true, ClientCAFiles: []string{server.key}},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadServerTLSConfig(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, cfg)
				return
			}
			require.NotNil(t, cfg)
			assert.Equal(t, tt.wantClientAuth, cfg.ClientAuth)
			assert.Equal(t, tt.wantMinVersion, cfg.MinVersion)
		})
	}
}

// TestLoadClientTLSConfig tests CA and client certificate loading
func TestLoadClientTLSConfig(t *testing.T) {
	ca := writeSelfSigned(t, "ca")

	cfg, err := LoadClientTLSConfig(security.ClientTLSConfig{CAFiles: []string{ca.cert}, MinVersion: "1.3"})
	require.NoError(t, err)
	assert.NotNil(t, cfg.RootCAs)
	assert.Empty(t, cfg.Certificates)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)

	cfg, err = LoadClientTLSConfig(security.ClientTLSConfig{
		MTLS: security.ClientMTLSConfig{Enabled: true, CertFile: ca.cert, KeyFile: ca.key},
	})
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)

	_, err = LoadClientTLSConfig(security.ClientTLSConfig{
		MTLS: security.ClientMTLSConfig{Enabled: true, CertFile: ca.cert, KeyFile: "/missing"},
	})
	assert.Error(t, err)

	_, err = LoadClientTLSConfig(security.ClientTLSConfig{CAFiles: []string{"/missing"}})
	assert.Error(t, err)
}

// TestVerifyAllowedClientCN tests the CN allow list
func TestVerifyAllowedClientCN(t *testing.T) {
	files := writeSelfSigned(t, "allowed-client")
	data, err := os.ReadFile(files.cert)
	require.NoError(t, err)
	block, _ := pem.Decode(data)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)

	chains := [][]*x509.Certificate{{cert}}
	assert.NoError(t, verifyAllowedClientCN(chains, []string{"other", "allowed-client"}))
	assert.Error(t, verifyAllowedClientCN(chains, []string{"other"}))
	assert.Error(t, verifyAllowedClientCN(nil, []string{"allowed-client"}))
}

// TestMTLSHandshake tests a real handshake with and without a client certificate
func TestMTLSHandshake(t *testing.T) {
	server := writeSelfSigned(t, "localhost")
	client := writeSelfSigned(t, "gateway-client")

	serverCfg, err := LoadServerTLSConfig(security.ServerTLSConfig{
		Enabled: true, CertFile: server.cert, KeyFile: server.key,
		MTLS: security.ServerMTLSConfig{
			Enabled:          true,
			ClientCAFiles:    []string{client.cert},
			AllowedClientCNs: []string{"gateway-client"},
		},
	})
	require.NoError(t, err)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				_ = c.(*tls.Conn).Handshake()
				_, _ = c.Write([]byte("ok"))
			}(conn)
		}
	}()

	dial := func(withCert bool) error {
		cc := security.ClientTLSConfig{CAFiles: []string{server.cert}}
		if withCert {
			cc.MTLS = security.ClientMTLSConfig{Enabled: true, CertFile: client.cert, KeyFile: client.key}
		}
		clientCfg, err := LoadClientTLSConfig(cc)
		require.NoError(t, err)
		clientCfg.ServerName = "localhost"

		conn, err := tls.Dial("tcp", ln.Addr().String(), clientCfg)
		if err != nil {
			return err
		}
		defer conn.Close()
		buf := make([]byte, 2)
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, err = conn.Read(buf)
		return err
	}

	assert.NoError(t, dial(true))
	assert.Error(t, dial(false))
}

// TestParseTLSVersion tests version mapping
func TestParseTLSVersion(t *testing.T) {
	assert.Equal(t, uint16(tls.VersionTLS13), parseTLSVersion("1.3"))
	assert.Equal(t, uint16(tls.VersionTLS12), parseTLSVersion("1.2"))
	assert.Equal(t, uint16(tls.VersionTLS12), parseTLSVersion(""))
}
