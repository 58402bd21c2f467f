package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/KevoDB/kvs/pkg/common/log"
	"github.com/KevoDB/kvs/pkg/config"
	"github.com/KevoDB/kvs/pkg/engine"
	pb "github.com/KevoDB/kvs/proto/kvs"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1024 * 1024

func startTestServer(t *testing.T, store Store) pb.KeyValueClient {
	t.Helper()

	lis := bufconn.Listen(bufSize)
	server := grpc.NewServer()
	pb.RegisterKeyValueServer(server, NewKeyValueServer(store, Options{
		MaxKeySize:   64,
		MaxValueSize: 1024,
		Logger:       log.NewNop(),
	}))
	go server.Serve(lis)
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("Failed to dial bufnet: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return pb.NewKeyValueClient(conn)
}

func openTestEngine(t *testing.T) *engine.Engine {
	t.Helper()

	cfg := config.NewDefaultConfig(t.TempDir())
	cfg.SyncMode = config.SyncNone
	e, err := engine.OpenWithConfig(cfg, engine.WithLogger(log.NewNop()))
	if err != nil {
		t.Fatalf("Failed to open engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestKeyValueServer_Operations(t *testing.T) {
	e := openTestEngine(t)
	client := startTestServer(t, e)
	ctx := context.Background()

	if _, err := client.Set(ctx, &pb.SetRequest{Key: []byte("a"), Value: []byte("1")}); err != nil {
		t.Fatalf("Failed to set: %v", err)
	}

	resp, err := client.Get(ctx, &pb.GetRequest{Key: []byte("a")})
	if err != nil {
		t.Fatalf("Failed to get: %v", err)
	}
	if !resp.Found || string(resp.Value) != "1" {
		t.Errorf("Expected found value 1, got %+v", resp)
	}

	resp, err = client.Get(ctx, &pb.GetRequest{Key: []byte("missing")})
	if err != nil {
		t.Fatalf("Get of a missing key failed: %v", err)
	}
	if resp.Found {
		t.Error("Expected missing key to be reported as not found")
	}

	if _, err := client.Remove(ctx, &pb.RemoveRequest{Key: []byte("a")}); err != nil {
		t.Fatalf("Failed to remove: %v", err)
	}
	_, err = client.Remove(ctx, &pb.RemoveRequest{Key: []byte("a")})
	if status.Code(err) != codes.NotFound {
		t.Errorf("Expected NotFound removing a missing key, got %v", err)
	}
}

func TestKeyValueServer_InvalidArguments(t *testing.T) {
	client := startTestServer(t, openTestEngine(t))
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"empty key", func() error {
			_, err := client.Get(ctx, &pb.GetRequest{})
			return err
		}},
		{"key too large", func() error {
			_, err := client.Set(ctx, &pb.SetRequest{Key: make([]byte, 65), Value: []byte("v")})
			return err
		}},
		{"value too large", func() error {
			_, err := client.Set(ctx, &pb.SetRequest{Key: []byte("k"), Value: make([]byte, 1025)})
			return err
		}},
		{"remove empty key", func() error {
			_, err := client.Remove(ctx, &pb.RemoveRequest{})
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := status.Code(tt.call()); code != codes.InvalidArgument {
				t.Errorf("Expected InvalidArgument, got %v", code)
			}
		})
	}
}

func TestKeyValueServer_CompactAndStats(t *testing.T) {
	e := openTestEngine(t)
	client := startTestServer(t, e)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("key%d", i%5))
		if _, err := client.Set(ctx, &pb.SetRequest{Key: key, Value: []byte("value")}); err != nil {
			t.Fatalf("Failed to set: %v", err)
		}
	}

	before, err := client.Stats(ctx, &pb.StatsRequest{})
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	if before.LiveKeys != 5 {
		t.Errorf("Expected 5 live keys, got %d", before.LiveKeys)
	}
	if before.State != "ready" {
		t.Errorf("Expected state ready, got %q", before.State)
	}

	resp, err := client.Compact(ctx, &pb.CompactRequest{})
	if err != nil {
		t.Fatalf("Failed to compact: %v", err)
	}
	if resp.DiskBytes >= before.DiskBytes {
		t.Errorf("Expected compaction to shrink disk usage below %d, got %d", before.DiskBytes, resp.DiskBytes)
	}

	after, err := client.Stats(ctx, &pb.StatsRequest{})
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	if after.Compactions != before.Compactions+1 {
		t.Errorf("Expected one more compaction, got %d -> %d", before.Compactions, after.Compactions)
	}
	if after.UncompactedBytes != 0 {
		t.Errorf("Expected no uncompacted bytes, got %d", after.UncompactedBytes)
	}
}

func TestKeyValueServer_ClosedEngine(t *testing.T) {
	e := openTestEngine(t)
	client := startTestServer(t, e)
	if err := e.Close(); err != nil {
		t.Fatalf("Failed to close engine: %v", err)
	}

	_, err := client.Get(context.Background(), &pb.GetRequest{Key: []byte("a")})
	if status.Code(err) != codes.Unavailable {
		t.Errorf("Expected Unavailable, got %v", err)
	}
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{engine.ErrKeyNotFound, codes.NotFound},
		{fmt.Errorf("%w: empty key", engine.ErrInvalidKey), codes.InvalidArgument},
		{engine.ErrValueTooLarge, codes.InvalidArgument},
		{fmt.Errorf("read: %w", engine.ErrCorruptRecord), codes.DataLoss},
		{engine.ErrEngineClosed, codes.Unavailable},
		{fmt.Errorf("append: %w", engine.ErrIO), codes.Internal},
		{errors.New("boom"), codes.Internal},
		{status.Error(codes.Canceled, "gone"), codes.Canceled},
	}

	for _, tt := range tests {
		if got := status.Code(toStatus(tt.err)); got != tt.want {
			t.Errorf("toStatus(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
	if toStatus(nil) != nil {
		t.Error("Expected nil for a nil error")
	}
}
