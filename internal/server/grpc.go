// Package server assembles the gRPC server that fronts the session gateway.
package server

import (
	"context"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"session-gateway/backend/internal/platform/rbac"
	"session-gateway/backend/internal/server/interceptors"
	"session-gateway/backend/internal/telemetry"
)

// HealthChecker reports readiness of a dependency (e.g. the policy engine).
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies of the gRPC server.
type Deps struct {
	// Core authorizes sessions for protected RPCs. Required.
	Core interceptors.Authorizer
	// Health is polled by UpdateHealth. If nil, the server always reports SERVING.
	Health HealthChecker
	// Emitter receives one grpc.request event per RPC. If nil, no events are emitted.
	Emitter telemetry.EventEmitter
	// Logger writes audit lines. If nil, auditing is disabled.
	Logger *zap.Logger
	// MethodPermissions maps full method names to the permission they require.
	MethodPermissions map[string]string
	// PublicMethods are served without a session in addition to the health service.
	PublicMethods map[string]bool
	// StepUp decides MFA step-up for StepUpMethods. If nil, no step-up is enforced.
	StepUp rbac.MFAChecker
	// StepUpMethods require the session to have no pending MFA step-up.
	StepUpMethods map[string]bool
}

// healthMethods are always public and never audited or emitted.
var healthMethods = map[string]bool{
	healthpb.Health_Check_FullMethodName: true,
	healthpb.Health_Watch_FullMethodName: true,
}

// NewServer returns a gRPC server with OTel instrumentation, the session, audit and telemetry
// interceptors, and the standard health service registered. The returned health server starts NOT_SERVING.
func NewServer(deps Deps, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	public := make(map[string]bool, len(deps.PublicMethods)+len(healthMethods))
	for m := range healthMethods {
		public[m] = true
	}
	for m, ok := range deps.PublicMethods {
		public[m] = ok
	}

	opts = append(opts,
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.SessionUnary(deps.Core, deps.MethodPermissions, public),
			stepUpUnary(deps.StepUp, deps.StepUpMethods),
			interceptors.AuditUnary(deps.Logger, healthMethods),
			interceptors.TelemetryUnary(deps.Emitter, healthMethods),
		),
	)
	s := grpc.NewServer(opts...)
	hs := health.NewServer()
	RegisterServices(s, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return s, hs
}

// stepUpUnary rejects calls to methods whose session still owes MFA step-up.
func stepUpUnary(checker rbac.MFAChecker, methods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if checker == nil || !methods[info.FullMethod] {
			return handler(ctx, req)
		}
		if _, _, err := rbac.RequireStepUp(ctx, checker); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// RegisterServices registers the gRPC services with the given server.
func RegisterServices(s grpc.ServiceRegistrar, hs healthpb.HealthServer) {
	healthpb.RegisterHealthServer(s, hs)
}

// UpdateHealth sets the overall serving status from checker. A nil checker means SERVING.
func UpdateHealth(ctx context.Context, hs *health.Server, checker HealthChecker, logger *zap.Logger) {
	st := healthpb.HealthCheckResponse_SERVING
	if checker != nil {
		if err := checker.HealthCheck(ctx); err != nil {
			st = healthpb.HealthCheckResponse_NOT_SERVING
			if logger != nil {
				logger.Warn("health check failed", zap.Error(err))
			}
		}
	}
	hs.SetServingStatus("", st)
}
