// Package health serves the standard gRPC health checking protocol. The
// serving status follows a periodic store ping, matching the HTTP
// readiness probe.
package health

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/oriys/kvcache/internal/logging"
)

// Service is the name reported alongside the overall ("") status.
const Service = "kvcache.Cache"

// Pinger reports whether the backing store answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds configuration for the health server
type Config struct {
	Pinger   Pinger
	Interval time.Duration // default 10s
	Timeout  time.Duration // per ping, default 2s
}

// Server manages the gRPC health service
type Server struct {
	cfg        Config
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener

	stopOnce sync.Once
	stop     chan struct{}
}

// NewServer creates a gRPC server with the health service registered. The
// initial status is NOT_SERVING until the first ping succeeds.
func NewServer(cfg Config) *Server {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(loggingInterceptor),
	)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(Service, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	// Enable reflection for debugging
	reflection.Register(grpcServer)

	return &Server{
		cfg:        cfg,
		grpcServer: grpcServer,
		health:     healthServer,
		stop:       make(chan struct{}),
	}
}

// Listen binds address. Serve must be called afterwards.
func (s *Server) Listen(address string) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = lis
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve runs the status loop and serves on the listener until Stop.
func (s *Server) Serve() error {
	return s.ServeListener(s.listener)
}

// ServeListener is Serve on an explicit listener.
func (s *Server) ServeListener(lis net.Listener) error {
	go s.watch()
	logging.Op().Info("gRPC health server started", "address", lis.Addr().String())
	if err := s.grpcServer.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("gRPC health server: %w", err)
	}
	return nil
}

// Stop marks every service NOT_SERVING and gracefully stops the server.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.health.Shutdown()
		logging.Op().Info("stopping gRPC health server")
		s.grpcServer.GracefulStop()
	})
}

// Check pings once and updates the serving status.
func (s *Server) Check(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	status := grpc_health_v1.HealthCheckResponse_SERVING
	if err := s.cfg.Pinger.Ping(ctx); err != nil {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		logging.Op().Debug("health ping failed", logging.Err(err))
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(Service, status)
}

func (s *Server) watch() {
	s.Check(context.Background())

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Check(context.Background())
		}
	}
}

// loggingInterceptor logs failed unary calls
func loggingInterceptor(
	ctx context.Context,
	req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		logging.Op().Warn("gRPC request failed",
			"method", info.FullMethod,
			"duration", time.Since(start),
			"error", err,
		)
	}
	return resp, err
}
