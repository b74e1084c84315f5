package session

import (
	"context"
	"time"

	"goa.design/cascade/runtime/telemetry"
)

// DefaultHeartbeatInterval matches spec §4.2/§5: a per-runner daemon writes
// heartbeat_at every 30s while the session is running.
const DefaultHeartbeatInterval = 30 * time.Second

// Heartbeat starts a goroutine that calls Store.Heartbeat on interval until
// ctx is cancelled, matching the teacher's try/finally heartbeat-daemon
// pattern via a deferred stop channel close. The returned func must be
// called (typically deferred) to stop the goroutine promptly.
func Heartbeat(ctx context.Context, store Store, sessionID string, interval time.Duration, log telemetry.Logger) (stop func()) {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if err := store.Heartbeat(ctx, sessionID); err != nil {
					log.Warn(ctx, "heartbeat write failed", "session_id", sessionID, "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}
