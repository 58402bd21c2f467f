package service

import (
	"context"
	"time"

	"github.com/KevoDB/kvs/pkg/common/log"
	"github.com/KevoDB/kvs/pkg/telemetry"
	pb "github.com/KevoDB/kvs/proto/kvs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/grpc/status"
)

// Store is the part of the engine the service exposes.
type Store interface {
	Get(key []byte) ([]byte, bool, error)
	Set(key, value []byte) error
	Remove(key []byte) error
	Compact() error
	GetStats() map[string]interface{}
}

// Options configures a KeyValueServer.
type Options struct {
	MaxKeySize   int
	MaxValueSize int
	Logger       log.Logger
	Telemetry    telemetry.Telemetry
}

// KeyValueServer implements the gRPC KeyValue service over a Store.
type KeyValueServer struct {
	pb.UnimplementedKeyValueServer
	store         Store
	logger        log.Logger
	tel           telemetry.Telemetry
	compactionSem chan struct{} // one RPC-triggered compaction at a time
	maxKeySize    int
	maxValueSize  int
}

// NewKeyValueServer creates a KeyValueServer. Zero limits fall back to 4KB
// keys and 10MB values.
func NewKeyValueServer(store Store, opts Options) *KeyValueServer {
	s := &KeyValueServer{
		store:         store,
		logger:        opts.Logger,
		tel:           opts.Telemetry,
		compactionSem: make(chan struct{}, 1),
		maxKeySize:    opts.MaxKeySize,
		maxValueSize:  opts.MaxValueSize,
	}
	if s.logger == nil {
		s.logger = log.GetDefaultLogger()
	}
	s.logger = s.logger.WithField("component", "service")
	if s.tel == nil {
		s.tel = telemetry.NewNoop()
	}
	if s.maxKeySize <= 0 {
		s.maxKeySize = 4096
	}
	if s.maxValueSize <= 0 {
		s.maxValueSize = 10 * 1024 * 1024
	}
	return s
}

// Get retrieves the value for a key. A missing key is not an error.
func (s *KeyValueServer) Get(ctx context.Context, req *pb.GetRequest) (resp *pb.GetResponse, err error) {
	_, done := s.observe(ctx, "Get")
	defer func() { done(err) }()

	if err := s.checkKey(req.Key); err != nil {
		return nil, err
	}

	value, found, err := s.store.Get(req.Key)
	if err != nil {
		return nil, toStatus(err)
	}
	return &pb.GetResponse{Value: value, Found: found}, nil
}

// Set stores a key-value pair.
func (s *KeyValueServer) Set(ctx context.Context, req *pb.SetRequest) (resp *pb.SetResponse, err error) {
	_, done := s.observe(ctx, "Set")
	defer func() { done(err) }()

	if err := s.checkKey(req.Key); err != nil {
		return nil, err
	}
	if len(req.Value) > s.maxValueSize {
		return nil, invalidArgument("value is %d bytes, limit %d", len(req.Value), s.maxValueSize)
	}

	if err := s.store.Set(req.Key, req.Value); err != nil {
		return nil, toStatus(err)
	}
	return &pb.SetResponse{}, nil
}

// Remove deletes a key, failing with NotFound if it does not exist.
func (s *KeyValueServer) Remove(ctx context.Context, req *pb.RemoveRequest) (resp *pb.RemoveResponse, err error) {
	_, done := s.observe(ctx, "Remove")
	defer func() { done(err) }()

	if err := s.checkKey(req.Key); err != nil {
		return nil, err
	}

	if err := s.store.Remove(req.Key); err != nil {
		return nil, toStatus(err)
	}
	return &pb.RemoveResponse{}, nil
}

// Compact runs a compaction pass and reports the resulting disk usage.
func (s *KeyValueServer) Compact(ctx context.Context, req *pb.CompactRequest) (resp *pb.CompactResponse, err error) {
	_, done := s.observe(ctx, "Compact")
	defer func() { done(err) }()

	select {
	case s.compactionSem <- struct{}{}:
		defer func() { <-s.compactionSem }()
	default:
		return nil, errCompactionInProgress
	}

	start := time.Now()
	if err := s.store.Compact(); err != nil {
		s.logger.Error("Compaction requested over RPC failed: %v", err)
		return nil, toStatus(err)
	}

	st := s.store.GetStats()
	s.logger.Info("Compaction requested over RPC finished in %v", time.Since(start))
	return &pb.CompactResponse{DiskBytes: statUint(st, "disk_bytes")}, nil
}

// Stats reports the shape of the store.
func (s *KeyValueServer) Stats(ctx context.Context, req *pb.StatsRequest) (resp *pb.StatsResponse, err error) {
	_, done := s.observe(ctx, "Stats")
	defer func() { done(err) }()

	st := s.store.GetStats()
	resp = &pb.StatsResponse{
		LiveKeys:         statUint(st, "live_keys"),
		SegmentCount:     statUint(st, "segments"),
		DiskBytes:        statUint(st, "disk_bytes"),
		UncompactedBytes: statUint(st, "uncompacted_bytes"),
		Compactions:      statUint(st, "compactions"),
	}
	if state, ok := st["state"].(string); ok {
		resp.State = state
	}
	return resp, nil
}

func (s *KeyValueServer) checkKey(key []byte) error {
	if len(key) == 0 {
		return invalidArgument("key must not be empty")
	}
	if len(key) > s.maxKeySize {
		return invalidArgument("key is %d bytes, limit %d", len(key), s.maxKeySize)
	}
	return nil
}

// observe starts a span and returns a function that ends it and records the
// call's outcome.
func (s *KeyValueServer) observe(ctx context.Context, method string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := s.tel.StartSpan(ctx, "kvs.server."+method,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentServer),
		attribute.String(telemetry.AttrRPCMethod, method))

	return ctx, func(err error) {
		code := status.Code(err)
		attrs := []attribute.KeyValue{
			attribute.String(telemetry.AttrRPCMethod, method),
			attribute.String(telemetry.AttrStatus, code.String()),
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		telemetry.RecordDuration(ctx, s.tel, "kvs.server.request.duration", start, attrs...)
		s.tel.RecordCounter(ctx, "kvs.server.requests.total", 1, attrs...)
		span.End()
	}
}

// statUint reads a numeric statistic regardless of its integer type.
func statUint(st map[string]interface{}, key string) uint64 {
	switch v := st[key].(type) {
	case int:
		return uint64(v)
	case int64:
		return uint64(v)
	case uint64:
		return v
	case uint32:
		return uint64(v)
	default:
		return 0
	}
}
