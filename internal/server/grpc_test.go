package server

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"session-gateway/backend/internal/server/interceptors"
	sessiondomain "session-gateway/backend/internal/session/domain"
)

// mockServiceRegistrar implements grpc.ServiceRegistrar for testing.
type mockServiceRegistrar struct {
	services []string
}

func (m *mockServiceRegistrar) RegisterService(desc *grpc.ServiceDesc, impl interface{}) {
	m.services = append(m.services, desc.ServiceName)
}

type nopAuthorizer struct{}

func (nopAuthorizer) Authorize(ctx context.Context, sessionID, permission string) (*sessiondomain.Session, error) {
	return &sessiondomain.Session{ID: sessionID}, nil
}

type stubChecker struct{ err error }

func (c stubChecker) HealthCheck(ctx context.Context) error { return c.err }

func TestRegisterServices_Health(t *testing.T) {
	reg := &mockServiceRegistrar{}
	RegisterServices(reg, health.NewServer())
	if len(reg.services) != 1 || reg.services[0] != "grpc.health.v1.Health" {
		t.Errorf("services = %v, want [grpc.health.v1.Health]", reg.services)
	}
}

func TestNewServer_RegistersHealth(t *testing.T) {
	s, hs := NewServer(Deps{Core: nopAuthorizer{}})
	defer s.Stop()

	if _, ok := s.GetServiceInfo()["grpc.health.v1.Health"]; !ok {
		t.Error("health service not registered")
	}
	resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("initial status = %v, want NOT_SERVING", resp.GetStatus())
	}
}

func TestUpdateHealth(t *testing.T) {
	tests := []struct {
		name    string
		checker HealthChecker
		want    healthpb.HealthCheckResponse_ServingStatus
	}{
		{"nil checker", nil, healthpb.HealthCheckResponse_SERVING},
		{"healthy", stubChecker{}, healthpb.HealthCheckResponse_SERVING},
		{"unhealthy", stubChecker{err: errors.New("policy not compiled")}, healthpb.HealthCheckResponse_NOT_SERVING},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := health.NewServer()
			UpdateHealth(context.Background(), hs, tt.checker, nil)
			resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{})
			if err != nil {
				t.Fatalf("Check: %v", err)
			}
			if resp.GetStatus() != tt.want {
				t.Errorf("status = %v, want %v", resp.GetStatus(), tt.want)
			}
		})
	}
}

type fixedMFA bool

func (f fixedMFA) RequiresMFA(ctx context.Context, sessionID string) (bool, error) { return bool(f), nil }

func TestStepUpUnary(t *testing.T) {
	ctx := interceptors.WithIdentity(context.Background(), "user-1", "ws-1", "session-1")
	handler := func(ctx context.Context, req interface{}) (interface{}, error) { return "ok", nil }
	methods := map[string]bool{"/admin.v1.Admin/Rotate": true}

	tests := []struct {
		name     string
		checker  fixedMFA
		method   string
		wantCode codes.Code
	}{
		{"pending step-up on guarded method", true, "/admin.v1.Admin/Rotate", codes.PermissionDenied},
		{"pending step-up on other method", true, "/files.v1.Files/Read", codes.OK},
		{"step-up complete", false, "/admin.v1.Admin/Rotate", codes.OK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := stepUpUnary(tt.checker, methods)(ctx, "req", &grpc.UnaryServerInfo{FullMethod: tt.method}, handler)
			if got := status.Code(err); got != tt.wantCode {
				t.Errorf("code = %v, want %v", got, tt.wantCode)
			}
		})
	}

	if _, err := stepUpUnary(nil, methods)(ctx, "req", &grpc.UnaryServerInfo{FullMethod: "/admin.v1.Admin/Rotate"}, handler); err != nil {
		t.Errorf("nil checker: %v", err)
	}
}
