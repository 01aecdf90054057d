package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// AgentsConfig holds the orchestrator's settings for talking to agents.
type AgentsConfig struct {
	TLS AgentTLSConfig `yaml:"tls" toml:"tls"`
}

// AgentTLSConfig is the client side of agents served over TLS or mTLS.
// CAFile verifies agent certificates; CertFile and KeyFile are presented to
// agents that require client certificates.
type AgentTLSConfig struct {
	CAFile   string `yaml:"ca_file" toml:"ca_file"`
	CertFile string `yaml:"cert_file" toml:"cert_file"`
	KeyFile  string `yaml:"key_file" toml:"key_file"`
}

// ClientTLSConfig builds the TLS config for outbound agent calls. It returns
// nil when nothing is configured, leaving the system roots in effect.
func (c AgentTLSConfig) ClientTLSConfig() (*tls.Config, error) {
	if c.CAFile == "" && c.CertFile == "" && c.KeyFile == "" {
		return nil, nil
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return nil, errors.New("agents.tls: cert_file and key_file must be set together")
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read agent CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("agent CA %s: no certificates found", c.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	if c.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
