package interceptors

import (
	"context"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"session-gateway/backend/internal/telemetry"
)

// TelemetryUnary returns a unary server interceptor that emits a grpc.request event after each RPC.
// Best-effort: failures are logged and do not fail the RPC. If emitter is nil, the interceptor no-ops.
// skipMethods is the set of full method names to not emit (e.g. the health check).
func TelemetryUnary(emitter telemetry.EventEmitter, skipMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if emitter == nil || skipMethods[info.FullMethod] {
			return resp, err
		}
		e := telemetry.NewEvent(telemetry.EventGRPCRequest)
		e.Source = "grpc_interceptor"
		e.UserID, _ = GetUserID(ctx)
		e.SessionID, _ = GetSessionID(ctx)
		e.Attributes["full_method"] = info.FullMethod
		e.Attributes["status_code"] = status.Code(err).String()
		e.Attributes["duration_ms"] = strconv.FormatInt(time.Since(start).Milliseconds(), 10)
		e.Attributes["client_ip"] = ClientIP(ctx)
		telemetry.EmitAsync(emitter, ctx, e)
		return resp, err
	}
}
