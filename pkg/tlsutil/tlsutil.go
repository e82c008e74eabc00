// Package tlsutil builds tls.Config values for the NATS connection and the
// metrics listener.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/c360/querycache/errors"
)

// ClientConfig holds TLS settings for connecting to NATS. System roots are
// always trusted; CAFiles are additional trusted CAs.
type ClientConfig struct {
	Enabled            bool     `json:"enabled"`
	CAFiles            []string `json:"ca_files,omitempty"`
	CertFile           string   `json:"cert_file,omitempty"` // Client certificate for mTLS
	KeyFile            string   `json:"key_file,omitempty"`
	ServerName         string   `json:"server_name,omitempty"`
	MinVersion         string   `json:"min_version,omitempty"`          // "1.2" or "1.3"
	InsecureSkipVerify bool     `json:"insecure_skip_verify,omitempty"` // DEV/TEST ONLY
}

// ServerConfig holds TLS settings for the metrics and health listener
type ServerConfig struct {
	Enabled           bool     `json:"enabled"`
	CertFile          string   `json:"cert_file,omitempty"`
	KeyFile           string   `json:"key_file,omitempty"`
	MinVersion        string   `json:"min_version,omitempty"`
	ClientCAFiles     []string `json:"client_ca_files,omitempty"`     // Enables mTLS
	RequireClientCert bool     `json:"require_client_cert,omitempty"` // false = verify if given
}

// Validate checks the settings without touching the filesystem
func (c ClientConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return invalid("ClientConfig.Validate", "cert_file and key_file must be set together")
	}
	return validateVersion("ClientConfig.Validate", c.MinVersion)
}

// Validate checks the settings without touching the filesystem
func (c ServerConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return invalid("ServerConfig.Validate", "cert_file and key_file are required")
	}
	if c.RequireClientCert && len(c.ClientCAFiles) == 0 {
		return invalid("ServerConfig.Validate", "require_client_cert needs client_ca_files")
	}
	return validateVersion("ServerConfig.Validate", c.MinVersion)
}

// LoadClientConfig returns nil when TLS is disabled
func LoadClientConfig(cfg ClientConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	if err := appendCAs(rootCAs, cfg.CAFiles, "LoadClientConfig"); err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		RootCAs:            rootCAs,
		ServerName:         cfg.ServerName,
		MinVersion:         parseTLSVersion(cfg.MinVersion),
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // operator opt-in
	}

	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientConfig", "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// LoadServerConfig returns nil when TLS is disabled
func LoadServerConfig(cfg ServerConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadServerConfig", "load certificate")
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   parseTLSVersion(cfg.MinVersion),
	}

	if len(cfg.ClientCAFiles) == 0 {
		return tlsConfig, nil
	}
	clientCAs := x509.NewCertPool()
	if err := appendCAs(clientCAs, cfg.ClientCAFiles, "LoadServerConfig"); err != nil {
		return nil, err
	}
	tlsConfig.ClientCAs = clientCAs
	if cfg.RequireClientCert {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return tlsConfig, nil
}

func appendCAs(pool *x509.CertPool, files []string, method string) error {
	for _, file := range files {
		caPEM, err := os.ReadFile(file)
		if err != nil {
			return errors.WrapFatal(err, "tlsutil", method, fmt.Sprintf("read CA file %s", file))
		}
		if !pool.AppendCertsFromPEM(caPEM) {
			return errors.WrapFatal(errors.ErrInvalidData, "tlsutil", method,
				fmt.Sprintf("parse CA certificate from %s", file))
		}
	}
	return nil
}

func validateVersion(method, version string) error {
	switch version {
	case "", "1.2", "1.3":
		return nil
	default:
		return invalid(method, fmt.Sprintf("min_version must be 1.2 or 1.3, got %q", version))
	}
}

// parseTLSVersion returns tls.VersionTLS12 unless version is "1.3"
func parseTLSVersion(version string) uint16 {
	if version == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

func invalid(method, msg string) error {
	return errors.WrapInvalid(errors.ErrInvalidConfig, "tlsutil", method, msg)
}
