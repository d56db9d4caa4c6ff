package lease

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Manager is the service layer over the Lease Store: acquire, renew,
// release, and list-by-state, per spec §4.B. It owns the expiry rule —
// callers never compute expires_at themselves.
type Manager struct {
	store   *sqlStore
	metrics *Metrics
}

// NewManager constructs a Manager backed by db. ttl is the lease lifetime
// granted by Acquire/Renew; ttl <= 0 falls back to DefaultTTL. All expiry
// comparisons and writes run off the storage engine's own clock, never the
// caller's wall clock (spec §9).
func NewManager(db *sql.DB, ttl time.Duration) (*Manager, error) {
	store, err := newSQLStore(db, ttl)
	if err != nil {
		return nil, err
	}
	return &Manager{store: store}, nil
}

// SetMetrics assigns a metrics registry to the manager.
func (m *Manager) SetMetrics(metrics *Metrics) {
	if m == nil {
		return
	}
	m.metrics = metrics
}

// Acquire grants a new lease on resource to holder, failing with
// ConflictError if an active lease already exists (spec §4.B, I1).
func (m *Manager) Acquire(ctx context.Context, resource, holder string) (Lease, error) {
	granted, err := m.store.acquire(ctx, resource, holder)
	if err != nil {
		var conflict ConflictError
		if errors.As(err, &conflict) {
			if m.metrics != nil {
				m.metrics.ObserveAcquireConflict()
			}
			return Lease{}, err
		}
		return Lease{}, err
	}
	if m.metrics != nil {
		m.metrics.ObserveAcquired()
	}
	return granted, nil
}

// Renew extends an active lease's expiry, failing with ConflictError if the
// caller no longer holds it and NotFoundError if the resource is unknown.
func (m *Manager) Renew(ctx context.Context, resource, holder string) (Lease, error) {
	renewed, err := m.store.renew(ctx, resource, holder)
	if err != nil {
		if m.metrics != nil {
			var conflict ConflictError
			if errors.As(err, &conflict) {
				m.metrics.ObserveRenewConflict()
			}
		}
		return Lease{}, err
	}
	if m.metrics != nil {
		m.metrics.ObserveRenewed()
	}
	return renewed, nil
}

// Release idempotently terminates a lease by id (spec P5).
func (m *Manager) Release(ctx context.Context, id int64) (Lease, error) {
	released, err := m.store.release(ctx, id)
	if err != nil {
		return Lease{}, err
	}
	if m.metrics != nil {
		m.metrics.ObserveReleased()
	}
	return released, nil
}

// ListByState returns every lease row whose derived state matches state.
func (m *Manager) ListByState(ctx context.Context, state State) ([]Lease, error) {
	return m.store.listByState(ctx, state)
}

// ActiveFor returns the currently active lease for resource, if any.
func (m *Manager) ActiveFor(ctx context.Context, resource string) (*Lease, error) {
	return m.store.readActive(ctx, resource)
}
