package interceptors

import (
	"context"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"session-gateway/backend/internal/telemetry"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []*telemetry.Event
}

func (c *captureEmitter) Emit(ctx context.Context, e *telemetry.Event) error {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	return nil
}

func (c *captureEmitter) wait(t *testing.T, n int) []*telemetry.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.events) >= n {
			out := append([]*telemetry.Event(nil), c.events...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events", n)
	return nil
}

func TestTelemetryUnary_EmitsRequestEvent(t *testing.T) {
	em := &captureEmitter{}
	interceptor := TelemetryUnary(em, nil)
	ctx := WithIdentity(context.Background(), "user-1", "ws-1", "session-1")

	_, err := interceptor(ctx, "request", &grpc.UnaryServerInfo{FullMethod: "/files.v1.Files/Read"},
		func(ctx context.Context, req interface{}) (interface{}, error) {
			return nil, status.Error(codes.NotFound, "missing")
		})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("err = %v, want NotFound passed through", err)
	}

	e := em.wait(t, 1)[0]
	if e.Type != telemetry.EventGRPCRequest {
		t.Errorf("Type = %q, want %q", e.Type, telemetry.EventGRPCRequest)
	}
	if e.UserID != "user-1" || e.SessionID != "session-1" {
		t.Errorf("identity = %q/%q", e.UserID, e.SessionID)
	}
	if e.Attributes["full_method"] != "/files.v1.Files/Read" {
		t.Errorf("full_method = %q", e.Attributes["full_method"])
	}
	if e.Attributes["status_code"] != "NotFound" {
		t.Errorf("status_code = %q, want NotFound", e.Attributes["status_code"])
	}
}

func TestTelemetryUnary_SkipAndNil(t *testing.T) {
	em := &captureEmitter{}
	skip := map[string]bool{"/grpc.health.v1.Health/Check": true}
	interceptor := TelemetryUnary(em, skip)
	resp, err := interceptor(context.Background(), "request", &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}, okHandler)
	if err != nil || resp != "success" {
		t.Fatalf("resp, err = %v, %v", resp, err)
	}

	nilInterceptor := TelemetryUnary(nil, nil)
	if _, err := nilInterceptor(context.Background(), "request", &grpc.UnaryServerInfo{FullMethod: "/a.B/C"}, okHandler); err != nil {
		t.Fatalf("nil emitter: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	em.mu.Lock()
	defer em.mu.Unlock()
	if len(em.events) != 0 {
		t.Errorf("events = %d, want 0", len(em.events))
	}
}
