// Package schedule runs a component's periodic background task (cleanup sweeps, key rotation)
// bound to the component's own lifecycle.
package schedule

import (
	"context"
	"sync"
	"time"
)

// Ticker runs fn every interval until Stop is called or the start context is cancelled.
// The zero value is ready to use. Start and Stop are safe to call more than once.
type Ticker struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Start launches the background loop. It is a no-op when already running or when interval <= 0.
func (t *Ticker) Start(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 || fn == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.cancel = cancel
	t.done = done

	go func() {
		defer close(done)
		tk := time.NewTicker(interval)
		defer tk.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tk.C:
				fn()
			}
		}
	}()
}

// Stop cancels the loop and waits for an in-flight fn to return.
func (t *Ticker) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the loop is active.
func (t *Ticker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}
