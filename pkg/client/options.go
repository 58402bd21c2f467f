package client

import (
	"context"
	"fmt"
	"net"
	"time"
)

// CompressionType names the compressor applied to requests
type CompressionType string

// Compression options
const (
	CompressionNone   CompressionType = "none"
	CompressionGzip   CompressionType = "gzip"
	CompressionSnappy CompressionType = "snappy"
)

// ClientOptions configures a kvs client
type ClientOptions struct {
	// Connection options
	Endpoint       string        // Server address
	ConnectTimeout time.Duration // Timeout for connection attempts
	RequestTimeout time.Duration // Default timeout for requests

	// Dialer replaces the TCP dialer, mainly for in-process servers
	Dialer func(ctx context.Context, addr string) (net.Conn, error)

	// Security options
	TLSEnabled bool   // Enable TLS
	CertFile   string // Client certificate file
	KeyFile    string // Client key file
	CAFile     string // CA certificate file
	SkipVerify bool   // Skip server certificate verification

	// Retry options, applied to Get, Set and Stats
	MaxRetries     int           // Maximum number of retries
	InitialBackoff time.Duration // Initial retry backoff
	MaxBackoff     time.Duration // Maximum retry backoff
	BackoffFactor  float64       // Backoff multiplier
	RetryJitter    float64       // Random jitter factor

	// Performance options
	Compression    CompressionType // Compression algorithm
	MaxMessageSize int             // Maximum message size
}

// DefaultClientOptions returns sensible default client options
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		Endpoint:       "localhost:50051",
		ConnectTimeout: time.Second * 5,
		RequestTimeout: time.Second * 10,
		TLSEnabled:     false,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond * 100,
		MaxBackoff:     time.Second * 2,
		BackoffFactor:  1.5,
		RetryJitter:    0.2,
		Compression:    CompressionNone,
		MaxMessageSize: 16 * 1024 * 1024, // 16MB
	}
}

// Validate checks the options for values the client cannot work with
func (o ClientOptions) Validate() error {
	if o.Endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidOptions)
	}
	if o.ConnectTimeout <= 0 || o.RequestTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidOptions)
	}
	if o.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must not be negative", ErrInvalidOptions)
	}
	if o.MaxRetries > 0 && o.BackoffFactor < 1 {
		return fmt.Errorf("%w: backoff factor must be at least 1", ErrInvalidOptions)
	}
	switch o.Compression {
	case "", CompressionNone, CompressionGzip, CompressionSnappy:
	default:
		return fmt.Errorf("%w: unknown compression %q", ErrInvalidOptions, o.Compression)
	}
	return nil
}

func (o ClientOptions) retryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     o.MaxRetries,
		InitialBackoff: o.InitialBackoff,
		MaxBackoff:     o.MaxBackoff,
		BackoffFactor:  o.BackoffFactor,
		Jitter:         o.RetryJitter,
	}
}
