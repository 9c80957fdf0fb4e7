package httpapi

import (
	"context"

	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"indytrack.org/internal/obs"
)

// GRPCHealth implements the standard gRPC health service on top of the
// readiness probe. The empty service name and serviceName are known.
type GRPCHealth struct {
	healthpb.UnimplementedHealthServer

	readiness readinessChecker
}

// NewGRPCHealth creates the gRPC health service.
func NewGRPCHealth(r readinessChecker) *GRPCHealth {
	if r == nil {
		r = ReadyProbe{}
	}
	return &GRPCHealth{readiness: r}
}

// Check evaluates readiness. Unknown services yield NotFound.
func (s *GRPCHealth) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if svc := req.GetService(); svc != "" && svc != serviceName {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", svc)
	}
	if err := s.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
	}
	obs.SetReady(true)
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}
