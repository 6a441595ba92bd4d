package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// asyncEmitTimeout bounds one background emit.
const asyncEmitTimeout = 5 * time.Second

// ShutdownDrainDuration is the pause between server stop and exporter shutdown that lets
// background emits finish. It is never shorter than asyncEmitTimeout.
const ShutdownDrainDuration = asyncEmitTimeout

// EmitAsync hands event to emitter on its own goroutine and returns at once. A nil emitter or
// event is a no-op. The emit keeps ctx values but not its deadline or cancellation, so events
// raised on a finished request still go out. Failures are logged to the global logger.
func EmitAsync(emitter EventEmitter, ctx context.Context, event *Event) {
	if emitter == nil || event == nil {
		return
	}
	detached := context.WithoutCancel(ctx)
	go func() {
		emitCtx, cancel := context.WithTimeout(detached, asyncEmitTimeout)
		defer cancel()
		if err := emitter.Emit(emitCtx, event); err != nil {
			zap.L().Warn("async event emit failed",
				zap.String("event_type", event.Type),
				zap.String("session_id", event.SessionID),
				zap.Error(err),
			)
		}
	}()
}
