package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/KevoDB/kvs/pkg/grpc/transport"
	pb "github.com/KevoDB/kvs/proto/kvs"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	_ "google.golang.org/grpc/encoding/gzip"
	"google.golang.org/grpc/status"
)

// Stats is a summary of a server's store
type Stats struct {
	LiveKeys         uint64
	SegmentCount     uint64
	DiskBytes        uint64
	UncompactedBytes uint64
	Compactions      uint64
	State            string
}

// Client represents a connection to a kvs server
type Client struct {
	options ClientOptions

	mu   sync.RWMutex
	conn *grpc.ClientConn
	kv   pb.KeyValueClient
}

// NewClient creates a new client with the given options. It does not
// connect until Connect is called.
func NewClient(options ClientOptions) (*Client, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}
	return &Client{options: options}, nil
}

// Connect establishes a connection to the server, waiting up to
// ConnectTimeout for it to become ready
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	dialOpts, err := c.dialOptions()
	if err != nil {
		return err
	}

	conn, err := grpc.NewClient(c.options.Endpoint, dialOpts...)
	if err != nil {
		return fmt.Errorf("failed to create connection to %s: %w", c.options.Endpoint, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.options.ConnectTimeout)
	defer cancel()

	conn.Connect()
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			break
		}
		if !conn.WaitForStateChange(ctx, state) {
			conn.Close()
			return fmt.Errorf("failed to connect to %s: %w", c.options.Endpoint, ctx.Err())
		}
	}

	c.conn = conn
	c.kv = pb.NewKeyValueClient(conn)
	return nil
}

func (c *Client) dialOptions() ([]grpc.DialOption, error) {
	var opts []grpc.DialOption

	if c.options.TLSEnabled {
		tlsConfig, err := transport.TLSConfig{
			CertFile:   c.options.CertFile,
			KeyFile:    c.options.KeyFile,
			CAFile:     c.options.CAFile,
			SkipVerify: c.options.SkipVerify,
		}.ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS configuration: %w", err)
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	if c.options.Dialer != nil {
		opts = append(opts, grpc.WithContextDialer(c.options.Dialer))
	}

	var callOpts []grpc.CallOption
	if c.options.MaxMessageSize > 0 {
		callOpts = append(callOpts,
			grpc.MaxCallRecvMsgSize(c.options.MaxMessageSize),
			grpc.MaxCallSendMsgSize(c.options.MaxMessageSize),
		)
	}
	switch c.options.Compression {
	case CompressionGzip, CompressionSnappy:
		callOpts = append(callOpts, grpc.UseCompressor(string(c.options.Compression)))
	}
	if len(callOpts) > 0 {
		opts = append(opts, grpc.WithDefaultCallOptions(callOpts...))
	}

	return opts, nil
}

// Close closes the connection to the server
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.kv = nil
	return err
}

// IsConnected returns whether the client is connected to the server
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && c.conn.GetState() != connectivity.Shutdown
}

func (c *Client) stub() (pb.KeyValueClient, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.kv == nil {
		return nil, ErrNotConnected
	}
	return c.kv, nil
}

// call runs fn with the request timeout applied to each attempt, retrying
// transient failures when retry is set
func (c *Client) call(ctx context.Context, retry bool, fn func(ctx context.Context, kv pb.KeyValueClient) error) error {
	kv, err := c.stub()
	if err != nil {
		return err
	}

	attempt := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.options.RequestTimeout)
		defer cancel()
		return fn(ctx, kv)
	}

	if !retry {
		return attempt(ctx)
	}
	return WithRetry(ctx, c.options.retryPolicy(), attempt)
}

// Get retrieves a value by key. found is false if the key does not exist.
func (c *Client) Get(ctx context.Context, key []byte) (value []byte, found bool, err error) {
	err = c.call(ctx, true, func(ctx context.Context, kv pb.KeyValueClient) error {
		resp, err := kv.Get(ctx, &pb.GetRequest{Key: key})
		if err != nil {
			return err
		}
		value, found = resp.Value, resp.Found
		return nil
	})
	return value, found, err
}

// Set stores a key-value pair
func (c *Client) Set(ctx context.Context, key, value []byte) error {
	return c.call(ctx, true, func(ctx context.Context, kv pb.KeyValueClient) error {
		_, err := kv.Set(ctx, &pb.SetRequest{Key: key, Value: value})
		return err
	})
}

// Remove deletes a key. It returns ErrKeyNotFound if the key does not exist.
// Remove is not retried, since a retry after a lost response would report
// the key as missing.
func (c *Client) Remove(ctx context.Context, key []byte) error {
	err := c.call(ctx, false, func(ctx context.Context, kv pb.KeyValueClient) error {
		_, err := kv.Remove(ctx, &pb.RemoveRequest{Key: key})
		return err
	})
	if status.Code(err) == codes.NotFound {
		return ErrKeyNotFound
	}
	return err
}

// Compact asks the server to compact its store and returns the disk usage
// afterwards
func (c *Client) Compact(ctx context.Context) (uint64, error) {
	var diskBytes uint64
	err := c.call(ctx, false, func(ctx context.Context, kv pb.KeyValueClient) error {
		resp, err := kv.Compact(ctx, &pb.CompactRequest{})
		if err != nil {
			return err
		}
		diskBytes = resp.DiskBytes
		return nil
	})
	return diskBytes, err
}

// GetStats retrieves a summary of the server's store
func (c *Client) GetStats(ctx context.Context) (*Stats, error) {
	var stats *Stats
	err := c.call(ctx, true, func(ctx context.Context, kv pb.KeyValueClient) error {
		resp, err := kv.Stats(ctx, &pb.StatsRequest{})
		if err != nil {
			return err
		}
		stats = &Stats{
			LiveKeys:         resp.LiveKeys,
			SegmentCount:     resp.SegmentCount,
			DiskBytes:        resp.DiskBytes,
			UncompactedBytes: resp.UncompactedBytes,
			Compactions:      resp.Compactions,
			State:            resp.State,
		}
		return nil
	})
	return stats, err
}
