package bridge

import (
	"net"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the service name reported by the gRPC health server
const HealthService = "rayz.bridge"

// HealthServer answers standard gRPC health checks for supervisors
type HealthServer struct {
	grpc   *grpc.Server
	health *health.Server
	log    *logrus.Entry
}

// NewHealthServer creates a health server reporting NOT_SERVING until
// SetServing is called
func NewHealthServer(log *logrus.Entry) *HealthServer {
	if log == nil {
		log = logrus.WithField("component", "health")
	}
	h := &HealthServer{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		log:    log,
	}
	h.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(h.grpc, h.health)
	return h
}

// SetServing flips the overall and bridge service status
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(HealthService, status)
}

// Serve blocks serving health checks on lis
func (h *HealthServer) Serve(lis net.Listener) error {
	h.log.WithField("addr", lis.Addr().String()).Info("gRPC health listening")
	return h.grpc.Serve(lis)
}

// Stop marks every service NOT_SERVING and stops the server
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.grpc.GracefulStop()
}
