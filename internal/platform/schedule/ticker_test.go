package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestTicker_RunsUntilStopped(t *testing.T) {
	var tk Ticker
	var n atomic.Int32
	tk.Start(context.Background(), 5*time.Millisecond, func() { n.Add(1) })
	if !tk.Running() {
		t.Fatal("Running should be true after Start")
	}

	deadline := time.Now().Add(2 * time.Second)
	for n.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	tk.Stop()
	if n.Load() < 2 {
		t.Fatalf("fn ran %d times, want at least 2", n.Load())
	}
	if tk.Running() {
		t.Error("Running should be false after Stop")
	}

	after := n.Load()
	time.Sleep(20 * time.Millisecond)
	if n.Load() != after {
		t.Errorf("fn ran after Stop: %d -> %d", after, n.Load())
	}
}

func TestTicker_ZeroIntervalIsNoop(t *testing.T) {
	var tk Ticker
	tk.Start(context.Background(), 0, func() {})
	if tk.Running() {
		t.Error("zero interval should not start the loop")
	}
	tk.Stop() // safe without Start
}

func TestTicker_ContextCancelStopsLoop(t *testing.T) {
	var tk Ticker
	ctx, cancel := context.WithCancel(context.Background())
	var n atomic.Int32
	tk.Start(ctx, time.Millisecond, func() { n.Add(1) })
	cancel()
	tk.Stop()
	after := n.Load()
	time.Sleep(10 * time.Millisecond)
	if n.Load() != after {
		t.Errorf("fn ran after cancel: %d -> %d", after, n.Load())
	}
}

func TestTicker_DoubleStartIsNoop(t *testing.T) {
	var tk Ticker
	tk.Start(context.Background(), time.Hour, func() {})
	tk.Start(context.Background(), time.Hour, func() {})
	tk.Stop()
	tk.Stop()
}
