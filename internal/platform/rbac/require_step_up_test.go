package rbac

import (
	"context"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"session-gateway/backend/internal/platform/apperr"
	"session-gateway/backend/internal/server/interceptors"
)

// mockMFAChecker answers from a fixed map; unknown sessions are SessionNotFound.
type mockMFAChecker struct {
	required map[string]bool
}

func (m *mockMFAChecker) RequiresMFA(ctx context.Context, sessionID string) (bool, error) {
	r, ok := m.required[sessionID]
	if !ok {
		return false, apperr.New(apperr.SessionNotFound, "test", "session not found")
	}
	return r, nil
}

func TestRequireStepUp(t *testing.T) {
	checker := &mockMFAChecker{required: map[string]bool{"verified": false, "pending": true}}
	tests := []struct {
		name     string
		ctx      context.Context
		wantCode codes.Code
	}{
		{"no identity", context.Background(), codes.Unauthenticated},
		{"empty user", interceptors.WithIdentity(context.Background(), "", "ws-1", "verified"), codes.Unauthenticated},
		{"unknown session", interceptors.WithIdentity(context.Background(), "user-1", "ws-1", "gone"), codes.Unauthenticated},
		{"step-up pending", interceptors.WithIdentity(context.Background(), "user-1", "ws-1", "pending"), codes.PermissionDenied},
		{"verified", interceptors.WithIdentity(context.Background(), "user-1", "ws-1", "verified"), codes.OK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			userID, sessionID, err := RequireStepUp(tt.ctx, checker)
			if got := status.Code(err); got != tt.wantCode {
				t.Fatalf("code = %v, want %v (err %v)", got, tt.wantCode, err)
			}
			if tt.wantCode == codes.OK && (userID != "user-1" || sessionID != "verified") {
				t.Errorf("identity = %q/%q, want user-1/verified", userID, sessionID)
			}
		})
	}
}
