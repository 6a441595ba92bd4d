package otel

import (
	"context"
	"testing"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"session-gateway/backend/internal/telemetry"
)

func TestNewEventEmitter_NilProviderFallsBackToNoop(t *testing.T) {
	em := NewEventEmitter(nil)
	if em == nil {
		t.Fatal("NewEventEmitter(nil) returned nil")
	}
	if err := em.Emit(context.Background(), nil); err != nil {
		t.Errorf("noop Emit(ctx, nil): %v", err)
	}
	if err := em.Emit(context.Background(), telemetry.NewEvent(telemetry.EventSessionCreated)); err != nil {
		t.Errorf("noop Emit(ctx, event): %v", err)
	}
}

func TestEmit_NilEventIsNoop(t *testing.T) {
	provider := sdklog.NewLoggerProvider()
	defer func() { _ = provider.Shutdown(context.Background()) }()
	em := NewEventEmitter(provider)
	if err := em.Emit(context.Background(), nil); err != nil {
		t.Errorf("Emit(ctx, nil): %v", err)
	}
}

// recordCapture keeps the most recent record handed to Emit.
type recordCapture struct {
	rec otellog.Record
}

func (r *recordCapture) Emit(ctx context.Context, rec otellog.Record) {
	r.rec = rec
}

func attributes(rec otellog.Record) map[string]string {
	attrs := make(map[string]string)
	rec.WalkAttributes(func(kv otellog.KeyValue) bool {
		attrs[kv.Key] = kv.Value.AsString()
		return true
	})
	return attrs
}

func TestEmit_MapsEventToRecord(t *testing.T) {
	cap := &recordCapture{}
	em := NewEventEmitterWithLogger(cap)
	event := telemetry.NewEvent(telemetry.EventSessionTerminated)
	event.SessionID = "sess1"
	event.UserID = "user1"
	event.Attributes["reason"] = "logout"

	if err := em.Emit(context.Background(), event); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	rec := cap.rec
	if got := rec.Body().AsString(); got != telemetry.EventSessionTerminated {
		t.Errorf("body = %q, want %q", got, telemetry.EventSessionTerminated)
	}
	attrs := attributes(rec)
	want := map[string]string{
		"session_id": "sess1", "user_id": "user1", "reason": "logout",
		"event_type": telemetry.EventSessionTerminated, "source": "session-gateway",
	}
	for k, v := range want {
		if attrs[k] != v {
			t.Errorf("attr %q = %q, want %q", k, attrs[k], v)
		}
	}
	if _, ok := attrs["lock_id"]; ok {
		t.Error("empty lock_id should not be emitted")
	}
}

func TestEmit_StampsMissingTime(t *testing.T) {
	cap := &recordCapture{}
	em := NewEventEmitterWithLogger(cap)
	event := &telemetry.Event{Type: "test"}
	before := time.Now().UTC()
	if err := em.Emit(context.Background(), event); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	after := time.Now().UTC()
	ts := cap.rec.Timestamp()
	if ts.Before(before) || ts.After(after) {
		t.Errorf("timestamp = %v, should be between %v and %v", ts, before, after)
	}
}

func TestEmit_KeepsEventTimestamp(t *testing.T) {
	cap := &recordCapture{}
	em := NewEventEmitterWithLogger(cap)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := em.Emit(context.Background(), &telemetry.Event{Type: "test", At: at}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if !cap.rec.Timestamp().Equal(at) {
		t.Errorf("timestamp = %v, want %v", cap.rec.Timestamp(), at)
	}
}
