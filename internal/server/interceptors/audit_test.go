package interceptors

import (
	"context"
	"errors"
	"net"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

func okHandler(ctx context.Context, req interface{}) (interface{}, error) {
	return "success", nil
}

func TestAuditUnary(t *testing.T) {
	tests := []struct {
		name      string
		ctx       context.Context
		method    string
		skip      map[string]bool
		handler   grpc.UnaryHandler
		wantLines int
		wantCode  string
	}{
		{
			name:      "authenticated request",
			ctx:       WithIdentity(context.Background(), "user-1", "ws-1", "session-1"),
			method:    "/test.Service/SomeMethod",
			handler:   okHandler,
			wantLines: 1,
			wantCode:  "OK",
		},
		{
			name:      "unauthenticated request",
			ctx:       context.Background(),
			method:    "/test.Service/SomeMethod",
			handler:   okHandler,
			wantLines: 0,
		},
		{
			name:      "skipped method",
			ctx:       WithIdentity(context.Background(), "user-1", "ws-1", "session-1"),
			method:    "/grpc.health.v1.Health/Check",
			skip:      map[string]bool{"/grpc.health.v1.Health/Check": true},
			handler:   okHandler,
			wantLines: 0,
		},
		{
			name:   "handler error",
			ctx:    WithIdentity(context.Background(), "user-1", "ws-1", "session-1"),
			method: "/test.Service/SomeMethod",
			handler: func(ctx context.Context, req interface{}) (interface{}, error) {
				return nil, status.Error(codes.PermissionDenied, "denied")
			},
			wantLines: 1,
			wantCode:  "PermissionDenied",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.InfoLevel)
			interceptor := AuditUnary(zap.New(core), tt.skip)

			_, _ = interceptor(tt.ctx, "request", &grpc.UnaryServerInfo{FullMethod: tt.method}, tt.handler)
			if logs.Len() != tt.wantLines {
				t.Fatalf("audit lines = %d, want %d", logs.Len(), tt.wantLines)
			}
			if tt.wantLines == 0 {
				return
			}
			fields := logs.All()[0].ContextMap()
			if fields["code"] != tt.wantCode {
				t.Errorf("code = %v, want %q", fields["code"], tt.wantCode)
			}
			if fields["service"] != "test.Service" || fields["method"] != "SomeMethod" {
				t.Errorf("service/method = %v/%v", fields["service"], fields["method"])
			}
			if fields["session_id"] != "session-1" || fields["user_id"] != "user-1" {
				t.Errorf("identity fields = %v", fields)
			}
		})
	}
}

func TestAuditUnary_PassesThroughResult(t *testing.T) {
	interceptor := AuditUnary(nil, nil)
	wantErr := errors.New("handler failed")
	_, err := interceptor(context.Background(), "request", &grpc.UnaryServerInfo{FullMethod: "/a.B/C"},
		func(ctx context.Context, req interface{}) (interface{}, error) { return nil, wantErr })
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
}

func TestParseFullMethod(t *testing.T) {
	tests := []struct {
		in, service, method string
	}{
		{"/gateway.v1.SessionService/Validate", "gateway.v1.SessionService", "Validate"},
		{"/a.B/C", "a.B", "C"},
		{"bogus", "unknown", "bogus"},
		{"/a.B/", "unknown", "/a.B/"},
	}
	for _, tt := range tests {
		service, method := ParseFullMethod(tt.in)
		if service != tt.service || method != tt.method {
			t.Errorf("ParseFullMethod(%q) = %q, %q; want %q, %q", tt.in, service, method, tt.service, tt.method)
		}
	}
}

func TestClientIP(t *testing.T) {
	withMD := func(kv map[string]string) context.Context {
		return metadata.NewIncomingContext(context.Background(), metadata.New(kv))
	}
	tests := []struct {
		name string
		ctx  context.Context
		want string
	}{
		{"x-forwarded-for", withMD(map[string]string{"x-forwarded-for": "192.168.1.1"}), "192.168.1.1"},
		{"x-forwarded-for list", withMD(map[string]string{"x-forwarded-for": "192.168.1.1, 10.0.0.1"}), "192.168.1.1"},
		{"x-real-ip", withMD(map[string]string{"x-real-ip": "192.168.1.2"}), "192.168.1.2"},
		{"forwarded wins", withMD(map[string]string{"x-forwarded-for": "192.168.1.1", "x-real-ip": "192.168.1.2"}), "192.168.1.1"},
		{"whitespace", withMD(map[string]string{"x-forwarded-for": "  192.168.1.1  "}), "192.168.1.1"},
		{"peer", peer.NewContext(context.Background(), &peer.Peer{Addr: &net.TCPAddr{IP: net.ParseIP("192.168.1.3"), Port: 12345}}), "192.168.1.3"},
		{"unknown", context.Background(), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClientIP(tt.ctx); got != tt.want {
				t.Errorf("ip = %q, want %q", got, tt.want)
			}
		})
	}
}
