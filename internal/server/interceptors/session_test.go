package interceptors

import (
	"context"
	"testing"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"session-gateway/backend/internal/platform/apperr"
	sessiondomain "session-gateway/backend/internal/session/domain"
)

// mockAuthorizer grants "session-1" the read:files permission and knows no other session.
type mockAuthorizer struct {
	calls    int
	lastPerm string
}

func (m *mockAuthorizer) Authorize(ctx context.Context, sessionID, permission string) (*sessiondomain.Session, error) {
	m.calls++
	m.lastPerm = permission
	switch sessionID {
	case "session-1":
		s := &sessiondomain.Session{ID: sessionID, UserID: "user-1", WorkspaceID: "ws-1", Permissions: []string{"read:files"}}
		if permission != "" && !s.HasPermission(permission) {
			return nil, apperr.New(apperr.AuthorizationFailed, "test", "missing permission")
		}
		return s, nil
	case "expired":
		return nil, apperr.New(apperr.SessionExpired, "test", "session expired")
	case "locked":
		return nil, apperr.New(apperr.SessionLocked, "test", "session locked")
	default:
		return nil, apperr.New(apperr.SessionNotFound, "test", "session not found")
	}
}

func withSession(id string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs(SessionHeader, id))
}

func identityHandler(ctx context.Context, req interface{}) (interface{}, error) {
	userID, _ := GetUserID(ctx)
	return userID, nil
}

func TestSessionUnary(t *testing.T) {
	perms := map[string]string{
		"/files.v1.Files/Read":  "read:files",
		"/files.v1.Files/Write": "write:files",
	}
	public := map[string]bool{"/grpc.health.v1.Health/Check": true}

	tests := []struct {
		name       string
		ctx        context.Context
		method     string
		wantCode   codes.Code
		wantReason string
		wantUser   string
	}{
		{"public without session", context.Background(), "/grpc.health.v1.Health/Check", codes.OK, "", ""},
		{"public with valid session", withSession("session-1"), "/grpc.health.v1.Health/Check", codes.OK, "", "user-1"},
		{"public with bad session", withSession("nope"), "/grpc.health.v1.Health/Check", codes.OK, "", ""},
		{"missing session", context.Background(), "/files.v1.Files/Read", codes.Unauthenticated, "AUTHENTICATION_FAILED", ""},
		{"unknown session", withSession("nope"), "/files.v1.Files/Read", codes.Unauthenticated, "AUTHENTICATION_FAILED", ""},
		{"expired session", withSession("expired"), "/files.v1.Files/Read", codes.Unauthenticated, "SESSION_EXPIRED", ""},
		{"locked session", withSession("locked"), "/files.v1.Files/Read", codes.Aborted, "SESSION_LOCKED", ""},
		{"missing permission", withSession("session-1"), "/files.v1.Files/Write", codes.PermissionDenied, "AUTHORIZATION_FAILED", ""},
		{"granted permission", withSession("session-1"), "/files.v1.Files/Read", codes.OK, "", "user-1"},
		{"no permission mapped", withSession(" session-1 "), "/files.v1.Files/List", codes.OK, "", "user-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			interceptor := SessionUnary(&mockAuthorizer{}, perms, public)
			resp, err := interceptor(tt.ctx, "request", &grpc.UnaryServerInfo{FullMethod: tt.method}, identityHandler)
			if tt.wantCode == codes.OK {
				if err != nil {
					t.Fatalf("interceptor: %v", err)
				}
				if resp != tt.wantUser {
					t.Errorf("user in handler = %v, want %q", resp, tt.wantUser)
				}
				return
			}
			st, ok := status.FromError(err)
			if !ok {
				t.Fatalf("error is not a gRPC status: %v", err)
			}
			if st.Code() != tt.wantCode {
				t.Errorf("status code = %v, want %v", st.Code(), tt.wantCode)
			}
			var reason string
			for _, d := range st.Details() {
				if info, ok := d.(*errdetails.ErrorInfo); ok {
					reason = info.Reason
				}
			}
			if reason != tt.wantReason {
				t.Errorf("ErrorInfo reason = %q, want %q", reason, tt.wantReason)
			}
		})
	}
}

func TestSessionUnary_PublicMethodSkipsPermission(t *testing.T) {
	auth := &mockAuthorizer{}
	interceptor := SessionUnary(auth, map[string]string{"/a.B/C": "admin"}, map[string]bool{"/a.B/C": true})
	if _, err := interceptor(withSession("session-1"), "request", &grpc.UnaryServerInfo{FullMethod: "/a.B/C"}, identityHandler); err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	if auth.lastPerm != "" {
		t.Errorf("permission checked = %q, want none", auth.lastPerm)
	}
}

func TestExtractSessionID(t *testing.T) {
	if got := extractSessionID(context.Background()); got != "" {
		t.Errorf("no metadata: got %q, want empty", got)
	}
	if got := extractSessionID(withSession("  abc  ")); got != "abc" {
		t.Errorf("got %q, want %q", got, "abc")
	}
	md := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer x"))
	if got := extractSessionID(md); got != "" {
		t.Errorf("other header: got %q, want empty", got)
	}
}
