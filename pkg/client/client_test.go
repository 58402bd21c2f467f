package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/KevoDB/kvs/pkg/common/log"
	"github.com/KevoDB/kvs/pkg/config"
	"github.com/KevoDB/kvs/pkg/engine"
	"github.com/KevoDB/kvs/pkg/grpc/transport"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func connectTestClient(t *testing.T, compression CompressionType) *Client {
	t.Helper()

	cfg := config.NewDefaultConfig(t.TempDir())
	cfg.SyncMode = config.SyncNone
	e, err := engine.OpenWithConfig(cfg, engine.WithLogger(log.NewNop()))
	if err != nil {
		t.Fatalf("Failed to open engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })

	lis := bufconn.Listen(1024 * 1024)
	srv := transport.NewServer(e, transport.DefaultServerOptions(), log.NewNop(), nil)
	if err := srv.StartWithListener(lis); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	go srv.Serve()
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	options := DefaultClientOptions()
	options.Endpoint = "passthrough:///bufnet"
	options.Compression = compression
	options.Dialer = func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}

	c, err := NewClient(options)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_Operations(t *testing.T) {
	for _, compression := range []CompressionType{CompressionNone, CompressionGzip, CompressionSnappy} {
		t.Run(string(compression), func(t *testing.T) {
			c := connectTestClient(t, compression)
			ctx := context.Background()

			if !c.IsConnected() {
				t.Fatal("Expected client to be connected")
			}

			if err := c.Set(ctx, []byte("a"), []byte("1")); err != nil {
				t.Fatalf("Failed to set: %v", err)
			}
			value, found, err := c.Get(ctx, []byte("a"))
			if err != nil {
				t.Fatalf("Failed to get: %v", err)
			}
			if !found || string(value) != "1" {
				t.Errorf("Expected value 1, got %q (found=%v)", value, found)
			}

			if err := c.Remove(ctx, []byte("a")); err != nil {
				t.Fatalf("Failed to remove: %v", err)
			}
			if _, found, err := c.Get(ctx, []byte("a")); err != nil || found {
				t.Errorf("Expected removed key to be missing, got found=%v err=%v", found, err)
			}
			if err := c.Remove(ctx, []byte("a")); !errors.Is(err, ErrKeyNotFound) {
				t.Errorf("Expected ErrKeyNotFound, got %v", err)
			}
		})
	}
}

func TestClient_CompactAndStats(t *testing.T) {
	c := connectTestClient(t, CompressionNone)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := c.Set(ctx, []byte("key"), []byte("value")); err != nil {
			t.Fatalf("Failed to set: %v", err)
		}
	}

	if _, err := c.Compact(ctx); err != nil {
		t.Fatalf("Failed to compact: %v", err)
	}

	stats, err := c.GetStats(ctx)
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	if stats.LiveKeys != 1 {
		t.Errorf("Expected 1 live key, got %d", stats.LiveKeys)
	}
	if stats.Compactions != 1 {
		t.Errorf("Expected 1 compaction, got %d", stats.Compactions)
	}
}

func TestClient_InvalidArgument(t *testing.T) {
	c := connectTestClient(t, CompressionNone)

	err := c.Set(context.Background(), nil, []byte("v"))
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("Expected InvalidArgument, got %v", err)
	}
}

func TestClient_NotConnected(t *testing.T) {
	c, err := NewClient(DefaultClientOptions())
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	if c.IsConnected() {
		t.Error("Expected a new client to be disconnected")
	}
	if _, _, err := c.Get(context.Background(), []byte("a")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Closing a disconnected client failed: %v", err)
	}
}

func TestClient_ConnectTimeout(t *testing.T) {
	options := DefaultClientOptions()
	options.Endpoint = "passthrough:///unreachable"
	options.ConnectTimeout = 200 * time.Millisecond
	options.Dialer = func(ctx context.Context, _ string) (net.Conn, error) {
		return nil, errors.New("refused")
	}

	c, err := NewClient(options)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	if err := c.Connect(context.Background()); err == nil {
		t.Error("Expected connect to an unreachable server to fail")
	}
}

func TestWithRetry(t *testing.T) {
	policy := RetryPolicy{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2,
		Jitter:         0.1,
	}
	unavailable := status.Error(codes.Unavailable, "down")

	tests := []struct {
		name      string
		failures  int
		failWith  error
		wantCalls int
		wantErr   bool
	}{
		{"succeeds first time", 0, nil, 1, false},
		{"recovers after transient failures", 2, unavailable, 3, false},
		{"gives up after max retries", 10, unavailable, 4, true},
		{"permanent errors are not retried", 10, status.Error(codes.InvalidArgument, "bad"), 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := WithRetry(context.Background(), policy, func(ctx context.Context) error {
				calls++
				if calls <= tt.failures {
					return tt.failWith
				}
				return nil
			})
			if (err != nil) != tt.wantErr {
				t.Errorf("Unexpected error result: %v", err)
			}
			if calls != tt.wantCalls {
				t.Errorf("Expected %d calls, got %d", tt.wantCalls, calls)
			}
		})
	}
}

func TestWithRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxRetries: 5, InitialBackoff: time.Second, MaxBackoff: time.Second, BackoffFactor: 1}

	err := WithRetry(ctx, policy, func(ctx context.Context) error {
		cancel()
		return status.Error(codes.Unavailable, "down")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	policy := RetryPolicy{
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		BackoffFactor:  2,
	}

	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 50 * time.Millisecond}
	for attempt, expected := range want {
		if got := policy.delay(attempt); got != expected {
			t.Errorf("Attempt %d: expected delay %v, got %v", attempt, expected, got)
		}
	}

	policy.Jitter = 0.5
	for attempt := 0; attempt < 3; attempt++ {
		base := want[attempt]
		got := policy.delay(attempt)
		if got < base || got > base+base/2 {
			t.Errorf("Attempt %d: jittered delay %v outside [%v, %v]", attempt, got, base, base+base/2)
		}
	}
}
