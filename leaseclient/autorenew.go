package leaseclient

import (
	"context"
	"log"
	"time"
)

// StartAutoRenew begins a background goroutine that calls Renew every
// interval until StopAutoRenew is called or the lease is lost. It mirrors
// the leader-election renew loop's shape: a ticker plus a stop channel,
// with all state transitions guarded by the handle's own mutex so a renew
// firing at the same moment as a Release can never leave the handle in an
// inconsistent state (spec §4.F, §9).
//
// Calling StartAutoRenew on a handle that already has one running is a
// no-op; call StopAutoRenew first to restart with a new interval.
func (h *Handle) StartAutoRenew(ctx context.Context, interval time.Duration) {
	h.mu.Lock()
	if h.stop != nil {
		h.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	h.stop = stop
	h.done = done
	h.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := h.Renew(ctx); err != nil {
					log.Printf("leaseclient: auto-renew failed for %s/%s: %v", h.Resource, h.Holder, err)
					if h.Lost() {
						return
					}
				}
			}
		}
	}()
}

// StopAutoRenew stops the background renewal goroutine, if any, and waits
// for it to exit. Safe to call even if no renewal loop is running.
func (h *Handle) StopAutoRenew() {
	h.mu.Lock()
	stop := h.stop
	done := h.done
	h.stop = nil
	h.done = nil
	h.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}
