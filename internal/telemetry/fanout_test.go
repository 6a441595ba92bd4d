package telemetry

import (
	"context"
	"errors"
	"testing"
)

func TestFanout(t *testing.T) {
	a := &mockEventEmitter{}
	failing := &mockEventEmitter{emitErr: errors.New("sink down")}
	b := &mockEventEmitter{}

	err := Fanout(a, nil, failing, b).Emit(context.Background(), NewEvent(EventSessionCreated))
	if err == nil || err.Error() != "sink down" {
		t.Errorf("err = %v, want sink down", err)
	}
	if len(a.getEvents()) != 1 || len(b.getEvents()) != 1 {
		t.Errorf("events a=%d b=%d, want 1 each", len(a.getEvents()), len(b.getEvents()))
	}

	if err := Fanout().Emit(context.Background(), NewEvent(EventSessionCreated)); err != nil {
		t.Errorf("empty fanout: %v", err)
	}
}
