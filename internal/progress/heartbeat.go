package progress

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	heartbeatCeiling = 90.0
	heartbeatFactor  = 0.15
)

// Heartbeat advances a unit's progress toward a ceiling while a backend call
// is in flight, so subscribers see movement during long calls.
type Heartbeat struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Heartbeat starts a background worker ticking every interval. Each tick
// closes a fixed fraction of the gap to 90%. The caller must Stop it.
func (r *Reporter) Heartbeat(ctx context.Context, index int, interval time.Duration) *Heartbeat {
	ctx, cancel := context.WithCancel(ctx)
	hb := &Heartbeat{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(hb.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		pct := 0.0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pct += (heartbeatCeiling - pct) * heartbeatFactor
				if err := r.AdvanceUnit(ctx, index, pct, ""); err != nil {
					r.logger.Debug("heartbeat stopped", zap.Int("unit", index), zap.Error(err))
					return
				}
			}
		}
	}()

	return hb
}

// Stop cancels the worker and waits for it to exit. Safe to call twice.
func (h *Heartbeat) Stop() {
	h.once.Do(h.cancel)
	<-h.done
}
