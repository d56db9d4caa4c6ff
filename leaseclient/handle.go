// Package leaseclient implements the worker-side lease-holding handle of
// spec §4.E: a stateful handle over acquire/renew/release with a
// cooperative auto-renewal loop. The handle is generic over what those
// three operations actually do on the wire — see httpwire.go for the
// literal Lease Manager HTTP contract, and package taskclient for the
// Task Dispatcher heartbeat wiring used by the worker loop (SPEC_FULL.md
// §2 OQ-3).
package leaseclient

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Grant is the outcome of a successful acquire or renew.
type Grant struct {
	ID        int64
	ExpiresAt time.Time
}

// AcquireFunc obtains a new lease for the handle's resource/holder.
type AcquireFunc func(ctx context.Context) (Grant, error)

// RenewFunc extends the currently held lease.
type RenewFunc func(ctx context.Context) (Grant, error)

// ReleaseFunc terminates the currently held lease. Idempotent.
type ReleaseFunc func(ctx context.Context) error

// ErrLeaseLost is returned by Renew (and delivered to the Lost channel) when
// the server reports the lease is no longer held by this handle — a
// terminal condition for the handle (spec §4.E).
var ErrLeaseLost = errors.New("lease lost")

// Handle is a stateful, single-owner lease handle. A handle must not be
// used from multiple goroutines except via StartAutoRenew/StopAutoRenew;
// the local mutex serializes acquire/renew/release against the
// auto-renewer so a late renewal response can never race a user-initiated
// release (spec §9 "auto-renewer serialization").
type Handle struct {
	Resource string
	Holder   string

	acquire AcquireFunc
	renew   RenewFunc
	release ReleaseFunc

	mu        sync.Mutex
	id        int64
	expiresAt time.Time
	held      bool
	lost      bool

	stop chan struct{}
	done chan struct{}
}

// New constructs a Handle over the given wire operations.
func New(resource, holder string, acquire AcquireFunc, renew RenewFunc, release ReleaseFunc) *Handle {
	return &Handle{
		Resource: resource,
		Holder:   holder,
		acquire:  acquire,
		renew:    renew,
		release:  release,
	}
}

// Acquire obtains the lease. It must not be called while the auto-renewer
// is running.
func (h *Handle) Acquire(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	grant, err := h.acquire(ctx)
	if err != nil {
		return err
	}
	h.id = grant.ID
	h.expiresAt = grant.ExpiresAt
	h.held = true
	h.lost = false
	return nil
}

// Renew extends the lease once. Only a server-observed conflict or
// not-found is terminal (spec §4.E, P7 "never loses its lease absent a
// server-observed conflict"); any other error — a transient network or
// server failure — is left for the next auto-renew tick to retry, since
// LEASE_TTL/2 worth of attempts typically remain.
func (h *Handle) Renew(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lost {
		return ErrLeaseLost
	}
	grant, err := h.renew(ctx)
	if err != nil {
		if isTerminalLossError(err) {
			h.lost = true
			h.held = false
		}
		return err
	}
	h.expiresAt = grant.ExpiresAt
	return nil
}

// isTerminalLossError reports whether err reflects the server telling us
// the lease is no longer ours, as opposed to a transient failure to reach
// it at all.
func isTerminalLossError(err error) bool {
	if errors.Is(err, ErrLeaseLost) {
		return true
	}
	var conflict ConflictError
	var notFound NotFoundError
	return errors.As(err, &conflict) || errors.As(err, &notFound)
}

// Release terminates the lease. Idempotent: releasing a handle that is not
// held, or has already been released, is a no-op.
func (h *Handle) Release(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.held {
		return nil
	}
	err := h.release(ctx)
	h.held = false
	return err
}

// ExpiresAt returns the last known expiry.
func (h *Handle) ExpiresAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.expiresAt
}

// Lost reports whether the handle has observed a terminal lease loss.
func (h *Handle) Lost() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lost
}
