// Package tls builds the TLS configuration a passive peer serves with,
// generating a self-signed certificate that replicators can pin when no
// certificate is supplied.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"
)

// Config holds TLS configuration options
type Config struct {
	CertFile string `yaml:"cert_file"` // PEM certificate
	KeyFile  string `yaml:"key_file"`  // PEM private key
	CAFile   string `yaml:"ca_file"`   // CA for verifying client certificates

	// AutoGenerate creates a self-signed certificate when CertFile and
	// KeyFile do not exist yet, and writes it there.
	AutoGenerate bool          `yaml:"auto_generate"`
	Hosts        []string      `yaml:"hosts"`
	Organization string        `yaml:"organization"`
	ValidFor     time.Duration `yaml:"valid_for"`

	MinVersion uint16
	ClientAuth tls.ClientAuthType
}

// DefaultConfig returns a configuration that generates a certificate for
// localhost on first use.
func DefaultConfig() *Config {
	return &Config{
		AutoGenerate: true,
		Hosts:        []string{"localhost", "127.0.0.1"},
		Organization: "cluso-sync",
		ValidFor:     365 * 24 * time.Hour,
		MinVersion:   tls.VersionTLS12,
		ClientAuth:   tls.NoClientCert,
	}
}

// ServerConfig loads the configured certificate, generating and saving
// one first if allowed.
func ServerConfig(cfg *Config) (*tls.Config, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, errors.New("tls: cert_file and key_file are required")
	}

	if cfg.AutoGenerate && !exists(cfg.CertFile) && !exists(cfg.KeyFile) {
		certPEM, keyPEM, err := GenerateSelfSigned(cfg)
		if err != nil {
			return nil, err
		}
		if err := SaveCertificate(certPEM, keyPEM, cfg.CertFile, cfg.KeyFile); err != nil {
			return nil, err
		}
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   cfg.MinVersion,
		ClientAuth:   cfg.ClientAuth,
	}
	if tlsConfig.MinVersion == 0 {
		tlsConfig.MinVersion = tls.VersionTLS12
	}

	if cfg.CAFile != "" {
		pool, err := LoadCAPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.ClientCAs = pool
		if cfg.ClientAuth == tls.NoClientCert {
			tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
		}
	}
	return tlsConfig, nil
}

// LoadCAPool loads a CA certificate pool from a file
func LoadCAPool(caFile string) (*x509.CertPool, error) {
	data, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("failed to parse CA certificate %s", caFile)
	}
	return pool, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
