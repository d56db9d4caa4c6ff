package leaseclient

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestHandleAcquireThenRelease(t *testing.T) {
	var acquired, released int32
	h := New("printer-1", "worker-a",
		func(ctx context.Context) (Grant, error) {
			atomic.AddInt32(&acquired, 1)
			return Grant{ID: 1, ExpiresAt: time.Now().Add(time.Minute)}, nil
		},
		func(ctx context.Context) (Grant, error) {
			return Grant{}, nil
		},
		func(ctx context.Context) error {
			atomic.AddInt32(&released, 1)
			return nil
		},
	)

	if err := h.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if atomic.LoadInt32(&acquired) != 1 {
		t.Fatalf("expected acquire func called once")
	}
	if err := h.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if atomic.LoadInt32(&released) != 1 {
		t.Fatalf("expected release func called once")
	}

	// Idempotent: releasing again must not call release again.
	if err := h.Release(context.Background()); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if atomic.LoadInt32(&released) != 1 {
		t.Fatalf("expected release func still called exactly once, got %d", released)
	}
}

func TestHandleRenewAfterLossIsTerminal(t *testing.T) {
	h := New("printer-1", "worker-a",
		func(ctx context.Context) (Grant, error) { return Grant{ID: 1}, nil },
		func(ctx context.Context) (Grant, error) { return Grant{}, ErrLeaseLost },
		func(ctx context.Context) error { return nil },
	)
	if err := h.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := h.Renew(context.Background()); err == nil {
		t.Fatalf("expected first Renew to fail")
	}
	if !h.Lost() {
		t.Fatalf("expected handle to be marked lost")
	}
	if err := h.Renew(context.Background()); err != ErrLeaseLost {
		t.Fatalf("expected ErrLeaseLost on subsequent Renew, got %v", err)
	}
}

// TestHandleRenewTransientErrorIsNotTerminal is the regression test for
// the review finding that Renew used to mark the handle lost on any error:
// a transient failure must leave the handle renewable on the next tick
// (spec P7, "never loses its lease absent a server-observed conflict").
func TestHandleRenewTransientErrorIsNotTerminal(t *testing.T) {
	transient := errors.New("dial tcp: connection refused")
	fail := true
	h := New("printer-1", "worker-a",
		func(ctx context.Context) (Grant, error) { return Grant{ID: 1}, nil },
		func(ctx context.Context) (Grant, error) {
			if fail {
				return Grant{}, transient
			}
			return Grant{ID: 1, ExpiresAt: time.Now().Add(time.Minute)}, nil
		},
		func(ctx context.Context) error { return nil },
	)
	if err := h.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if err := h.Renew(context.Background()); !errors.Is(err, transient) {
		t.Fatalf("expected the transient error to propagate, got %v", err)
	}
	if h.Lost() {
		t.Fatalf("expected a transient renew error to leave the handle renewable")
	}

	fail = false
	if err := h.Renew(context.Background()); err != nil {
		t.Fatalf("expected the next tick to succeed, got %v", err)
	}
}

func TestAutoRenewStopsCleanly(t *testing.T) {
	var renews int32
	h := New("printer-1", "worker-a",
		func(ctx context.Context) (Grant, error) { return Grant{ID: 1}, nil },
		func(ctx context.Context) (Grant, error) {
			atomic.AddInt32(&renews, 1)
			return Grant{ID: 1, ExpiresAt: time.Now().Add(time.Minute)}, nil
		},
		func(ctx context.Context) error { return nil },
	)
	if err := h.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	h.StartAutoRenew(context.Background(), 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	h.StopAutoRenew()

	if atomic.LoadInt32(&renews) == 0 {
		t.Fatalf("expected at least one auto-renew tick")
	}

	// StartAutoRenew again after stop must work (not a permanent no-op).
	renews = 0
	h.StartAutoRenew(context.Background(), 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	h.StopAutoRenew()
	if atomic.LoadInt32(&renews) == 0 {
		t.Fatalf("expected renewal after restart")
	}
}
