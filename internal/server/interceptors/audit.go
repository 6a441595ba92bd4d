package interceptors

import (
	"context"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// AuditUnary returns a unary server interceptor that writes one structured audit line per RPC made
// with an authenticated session. skipMethods is the set of full method names to not audit.
// Unauthenticated calls are not audited.
func AuditUnary(logger *zap.Logger, skipMethods map[string]bool) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if skipMethods[info.FullMethod] {
			return resp, err
		}
		sessionID, _ := GetSessionID(ctx)
		if sessionID == "" {
			return resp, err
		}
		userID, _ := GetUserID(ctx)
		workspaceID, _ := GetWorkspaceID(ctx)
		service, method := ParseFullMethod(info.FullMethod)
		logger.Info("audit",
			zap.String("service", service),
			zap.String("method", method),
			zap.String("code", status.Code(err).String()),
			zap.String("user_id", userID),
			zap.String("workspace_id", workspaceID),
			zap.String("session_id", sessionID),
			zap.String("client_ip", ClientIP(ctx)),
			zap.Duration("duration", time.Since(start)),
		)
		return resp, err
	}
}

// ParseFullMethod splits "/pkg.Service/Method" into ("pkg.Service", "Method").
// Malformed names return ("unknown", fullMethod).
func ParseFullMethod(fullMethod string) (service, method string) {
	s := strings.TrimPrefix(fullMethod, "/")
	i := strings.LastIndex(s, "/")
	if i <= 0 || i == len(s)-1 {
		return "unknown", fullMethod
	}
	return s[:i], s[i+1:]
}

// ClientIP returns the client IP from gRPC metadata (x-forwarded-for, x-real-ip) or peer, or "unknown".
func ClientIP(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get("x-forwarded-for"); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				if i := strings.Index(s, ","); i > 0 {
					s = strings.TrimSpace(s[:i])
				}
				return s
			}
		}
		if vals := md.Get("x-real-ip"); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				return s
			}
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
			return host
		}
		return p.Addr.String()
	}
	return "unknown"
}
