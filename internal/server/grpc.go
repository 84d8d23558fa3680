package server

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"PerpClient/internal/observability"
)

// ServiceName is the health-checked service of the gRPC listener.
const ServiceName = "perpclient.v1.Client"

// newGRPCServer carries the standard health and reflection services. Serving
// status follows the readiness of the HealthChecker.
func newGRPCServer(checker *observability.HealthChecker) (*grpc.Server, *health.Server) {
	srv := grpc.NewServer()

	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	setServing(hs, checker.IsReady())
	checker.OnChange(func(ready bool) { setServing(hs, ready) })

	// Reflection for grpcurl / grpcui
	reflection.Register(srv)
	return srv, hs
}

func setServing(hs *health.Server, ready bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		st = healthpb.HealthCheckResponse_SERVING
	}
	hs.SetServingStatus("", st)
	hs.SetServingStatus(ServiceName, st)
}

// ServeGRPC serves until ctx is done, then stops gracefully.
func (s *Server) ServeGRPC(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.serveGRPC(ctx, lis)
}

func (s *Server) serveGRPC(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthSrv.Shutdown()
		s.grpc.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	if err := s.grpc.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}
