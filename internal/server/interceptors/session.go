package interceptors

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"session-gateway/backend/internal/platform/apperr"
	sessiondomain "session-gateway/backend/internal/session/domain"
)

// SessionHeader is the metadata key carrying the session id.
const SessionHeader = "x-session-id"

// Authorizer validates a session and checks a permission. *gateway.Core implements it.
type Authorizer interface {
	Authorize(ctx context.Context, sessionID, permission string) (*sessiondomain.Session, error)
}

// SessionUnary returns a unary server interceptor that authorizes every protected RPC against the
// session named in the x-session-id metadata and sets user_id, workspace_id, session_id in context.
// methodPermissions maps full method names to the permission they require; methods absent from it
// only need a valid session. publicMethods skip authorization, but still get identity when a valid
// session is presented. Failures are returned as translated gRPC statuses.
func SessionUnary(core Authorizer, methodPermissions map[string]string, publicMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		sessionID := extractSessionID(ctx)
		public := publicMethods[info.FullMethod]

		if sessionID == "" {
			if public {
				return handler(ctx, req)
			}
			return nil, apperr.GRPCStatus(apperr.New(apperr.AuthenticationFailed, info.FullMethod, "missing session")).Err()
		}

		perm := ""
		if !public {
			perm = methodPermissions[info.FullMethod]
		}
		sess, err := core.Authorize(ctx, sessionID, perm)
		if err != nil {
			if public {
				return handler(ctx, req)
			}
			return nil, apperr.GRPCStatus(err).Err()
		}

		ctx = WithIdentity(ctx, sess.UserID, sess.WorkspaceID, sess.ID)
		return handler(ctx, req)
	}
}

// extractSessionID returns the session id from ctx metadata, or "" if missing.
func extractSessionID(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get(SessionHeader)
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0])
}
