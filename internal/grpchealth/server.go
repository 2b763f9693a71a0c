// Package grpchealth runs the standard grpc.health.v1.Health service on its
// own listener so orchestrators can probe the server without HTTP.
package grpchealth

import (
	"context"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is reported alongside the overall ("") status.
const ServiceName = "keyman.v1.Keyman"

type Server struct {
	grpc   *grpc.Server
	health *health.Server
	log    *zap.Logger
}

// New returns a server whose status starts as NOT_SERVING.
func New(log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		log:    log,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// SetServing marks the server ready.  Call it once the stores are open.
func (s *Server) SetServing() {
	s.setStatus(healthpb.HealthCheckResponse_SERVING)
}

// SetNotServing is called at the start of shutdown.
func (s *Server) SetNotServing() {
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
}

func (s *Server) setStatus(st healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
	s.log.Debug("grpc health status", zap.String("status", st.String()))
}

// Serve blocks until the listener fails or Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("grpc health listening", zap.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// Stop drains in-flight RPCs, falling back to a hard stop when ctx ends
// first.
func (s *Server) Stop(ctx context.Context) {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpc.Stop()
		<-done
	}
}
