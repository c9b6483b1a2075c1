package admin

import (
	"net"

	"github.com/xiaonanln/pulsejob/util/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// HealthService exposes the standard gRPC health protocol. The empty service
// name reports the admin itself; each executor name reports whether it has a
// registered instance.
type HealthService struct {
	server *grpc.Server
	health *health.Server
	logger *logger.Logger
}

func NewHealthService() *HealthService {
	hs := health.NewServer()
	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	reflection.Register(s)
	return &HealthService{server: s, health: hs, logger: logger.NewLogger("Health")}
}

// SetServing updates the status reported for service.
func (h *HealthService) SetServing(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(service, status)
}

// Serve blocks serving lis until Stop.
func (h *HealthService) Serve(lis net.Listener) error {
	h.logger.Infof("gRPC health service listening on %s", lis.Addr())
	return h.server.Serve(lis)
}

// Stop marks every service NOT_SERVING and stops the gRPC server.
func (h *HealthService) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}
