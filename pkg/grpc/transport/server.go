package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/KevoDB/kvs/pkg/common/log"
	"github.com/KevoDB/kvs/pkg/grpc/service"
	"github.com/KevoDB/kvs/pkg/telemetry"
	pb "github.com/KevoDB/kvs/proto/kvs"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"
)

// ServerOptions configures the gRPC server
type ServerOptions struct {
	Address        string
	TLSEnabled     bool
	TLS            TLSConfig
	MaxMessageSize int
	MaxKeySize     int
	MaxValueSize   int

	Keepalive       keepalive.ServerParameters
	KeepalivePolicy keepalive.EnforcementPolicy
}

// DefaultServerOptions returns the options used by the kvs server
func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		Address:        "localhost:50051",
		MaxMessageSize: 16 * 1024 * 1024,
		Keepalive: keepalive.ServerParameters{
			MaxConnectionIdle:     60 * time.Second,
			MaxConnectionAge:      5 * time.Minute,
			MaxConnectionAgeGrace: 5 * time.Second,
			Time:                  15 * time.Second,
			Timeout:               5 * time.Second,
		},
		KeepalivePolicy: keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		},
	}
}

// Server serves the KeyValue service over gRPC
type Server struct {
	opts     ServerOptions
	store    service.Store
	logger   log.Logger
	tel      telemetry.Telemetry
	server   *grpc.Server
	listener net.Listener
	mu       sync.Mutex
	started  bool
}

// NewServer creates a server for store. It does not listen until Start.
func NewServer(store service.Store, opts ServerOptions, logger log.Logger, tel telemetry.Telemetry) *Server {
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	if tel == nil {
		tel = telemetry.NewNoop()
	}
	return &Server{
		opts:   opts,
		store:  store,
		logger: logger.WithField("component", "server"),
		tel:    tel,
	}
}

// Start listens on the configured address and prepares the gRPC server
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.opts.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Address, err)
	}
	if err := s.StartWithListener(lis); err != nil {
		lis.Close()
		return err
	}
	return nil
}

// StartWithListener prepares the gRPC server to serve on lis
func (s *Server) StartWithListener(lis net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("server already started")
	}

	serverOpts, err := s.serverOptions()
	if err != nil {
		return err
	}

	s.server = grpc.NewServer(serverOpts...)
	pb.RegisterKeyValueServer(s.server, service.NewKeyValueServer(s.store, service.Options{
		MaxKeySize:   s.opts.MaxKeySize,
		MaxValueSize: s.opts.MaxValueSize,
		Logger:       s.logger,
		Telemetry:    s.tel,
	}))
	s.listener = lis
	s.started = true

	s.logger.Info("Listening on %s", lis.Addr())
	return nil
}

func (s *Server) serverOptions() ([]grpc.ServerOption, error) {
	var serverOpts []grpc.ServerOption

	if s.opts.TLSEnabled {
		tlsConfig, err := s.opts.TLS.ServerConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS configuration: %w", err)
		}
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}

	if s.opts.MaxMessageSize > 0 {
		serverOpts = append(serverOpts,
			grpc.MaxRecvMsgSize(s.opts.MaxMessageSize),
			grpc.MaxSendMsgSize(s.opts.MaxMessageSize),
		)
	}

	serverOpts = append(serverOpts,
		grpc.KeepaliveParams(s.opts.Keepalive),
		grpc.KeepaliveEnforcementPolicy(s.opts.KeepalivePolicy),
	)
	return serverOpts, nil
}

// Addr returns the address the server listens on, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve serves requests until the server is shut down (blocking)
func (s *Server) Serve() error {
	s.mu.Lock()
	server, lis := s.server, s.listener
	s.mu.Unlock()

	if server == nil {
		return fmt.Errorf("server not initialized, call Start() first")
	}
	return server.Serve(lis)
}

// Shutdown stops the server gracefully, forcing it to stop if ctx ends
// before in-flight requests complete
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()

	if server == nil {
		return nil
	}

	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		s.logger.Info("gRPC server stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("Shutdown deadline exceeded, forcing server stop")
		server.Stop()
		<-stopped
	}
	return nil
}
