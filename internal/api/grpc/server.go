// Package grpc exposes the standard gRPC health service for wfsearch.
//
// The overall service ("") reports whether the process accepts work. Every run started by
// this process gets its own service name, wfsearch.run/<id>, which is SERVING while the run
// is in progress and NOT_SERVING once it has finished.
package grpc

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/saltfish/wfsearch/internal/domain"
)

// RunServicePrefix prefixes the health service name of a run.
const RunServicePrefix = "wfsearch.run/"

// RunServiceName returns the health service name of a run.
func RunServiceName(run *domain.Run) string {
	return RunServicePrefix + run.ID.String()
}

// Server implements the gRPC health server.
type Server struct {
	health *health.Server
	logger *zap.Logger

	grpcServer *grpc.Server
}

// NewServer creates a new gRPC server.
func NewServer(logger *zap.Logger) *Server {
	return &Server{
		health: health.NewServer(),
		logger: logger,
	}
}

// Health returns the health service, for use in-process.
func (s *Server) Health() healthpb.HealthServer {
	return s.health
}

// Start starts the gRPC server.
func (s *Server) Start(address string) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.loggingInterceptor))
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	reflection.Register(s.grpcServer)

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	s.logger.Info("gRPC server starting", zap.String("address", address))
	return s.grpcServer.Serve(lis)
}

// Stop gracefully stops the gRPC server. Watchers are told every service is going away.
func (s *Server) Stop() {
	s.health.Shutdown()
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
}

// SetServing sets the overall serving status.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
}

// RunStarted marks the run's service as serving.
func (s *Server) RunStarted(run *domain.Run) {
	s.health.SetServingStatus(RunServiceName(run), healthpb.HealthCheckResponse_SERVING)
}

// RunFinished marks the run's service as not serving.
func (s *Server) RunFinished(run *domain.Run) {
	s.health.SetServingStatus(RunServiceName(run), healthpb.HealthCheckResponse_NOT_SERVING)
}

func (s *Server) loggingInterceptor(
	ctx context.Context,
	req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)

	fields := []zap.Field{
		zap.String("method", info.FullMethod),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		s.logger.Warn("gRPC request failed", append(fields, zap.Error(err))...)
	} else {
		s.logger.Debug("gRPC request", fields...)
	}
	return resp, err
}
