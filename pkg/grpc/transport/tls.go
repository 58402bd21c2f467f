package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// TLSConfig names the PEM files used to secure a connection
type TLSConfig struct {
	CertFile   string
	KeyFile    string
	CAFile     string
	SkipVerify bool
}

// ServerConfig builds the server side configuration. A key pair is required;
// a CA file turns on client certificate verification.
func (c TLSConfig) ServerConfig() (*tls.Config, error) {
	if c.CertFile == "" || c.KeyFile == "" {
		return nil, errors.New("both certificate and key files must be provided")
	}
	certs, err := c.keyPair()
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{Certificates: certs, MinVersion: tls.VersionTLS12}
	if c.CAFile == "" {
		return cfg, nil
	}

	if cfg.ClientCAs, err = c.certPool(); err != nil {
		return nil, err
	}
	cfg.ClientAuth = tls.RequireAndVerifyClientCert
	return cfg, nil
}

// ClientConfig builds the client side configuration. The key pair is only
// loaded when both files are set.
func (c TLSConfig) ClientConfig() (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: c.SkipVerify}

	var err error
	if c.CertFile != "" && c.KeyFile != "" {
		if cfg.Certificates, err = c.keyPair(); err != nil {
			return nil, err
		}
	}
	if c.CAFile != "" {
		if cfg.RootCAs, err = c.certPool(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (c TLSConfig) keyPair() ([]tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load key pair %s: %w", c.CertFile, err)
	}
	return []tls.Certificate{cert}, nil
}

func (c TLSConfig) certPool() (*x509.CertPool, error) {
	pem, err := os.ReadFile(c.CAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", c.CAFile)
	}
	return pool, nil
}
