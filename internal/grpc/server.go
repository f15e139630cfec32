package grpc

import (
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/weiawesome/duo-chat/pkg/log"
)

// ServiceName is the health-check service name reported by chat-server.
const ServiceName = "duo-chat"

// NewServer builds the ops gRPC server with the logging interceptors and a
// health service that starts out SERVING.
func NewServer(logger zerolog.Logger) (*grpc.Server, *health.Server) {
	s := grpc.NewServer(log.ServerOptions(logger)...)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)

	return s, hs
}

func StartGRPCServer(addr string, logger zerolog.Logger) (*grpc.Server, *health.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s, hs := NewServer(logger)

	go func() {
		l := log.L()
		l.Info().Str("address", addr).Msg("ops grpc server listening")
		if err := s.Serve(lis); err != nil {
			l.Error().Err(err).Msg("grpc server error")
		}
	}()

	return s, hs, nil
}
