package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server wraps the gRPC server hosting the EventHub and the standard health
// service.
type Server struct {
	GRPC     *grpc.Server
	Hub      *EventHub
	Health   *health.Server
	Listener net.Listener
	Logger   *slog.Logger
}

// NewServer listens on addr and registers the hub. Pass ":0" for an
// ephemeral port.
func NewServer(addr string, opts Options) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return NewServerWithListener(lis, opts), nil
}

func NewServerWithListener(lis net.Listener, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)

	eventHub := NewEventHub(opts)
	RegisterEventHubServer(grpcServer, eventHub)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	return &Server{
		GRPC:     grpcServer,
		Hub:      eventHub,
		Health:   healthServer,
		Listener: lis,
		Logger:   logger,
	}
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	return s.Listener.Addr().String()
}

// Start serves until ctx is done, then stops gracefully.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.Shutdown()
	}()

	s.Logger.Info("Cauldron event hub listening", slog.String("address", s.Addr()))
	if err := s.GRPC.Serve(s.Listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (s *Server) Shutdown() {
	s.Health.Shutdown()
	s.GRPC.GracefulStop()
}
