package lease

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestManagerAcquireRejectsConcurrentHolder(t *testing.T) {
	db := newTestDB(t)
	manager, err := NewManager(db, 0)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ctx := context.Background()

	granted, err := manager.Acquire(ctx, "printer-1", "worker-a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if granted.ID == 0 {
		t.Fatalf("expected non-zero lease id")
	}

	_, err = manager.Acquire(ctx, "printer-1", "worker-b")
	var conflict ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestManagerReacquireAfterReleasePreservesHistory(t *testing.T) {
	db := newTestDB(t)
	manager, err := NewManager(db, 0)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ctx := context.Background()

	first, err := manager.Acquire(ctx, "printer-1", "worker-a")
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if _, err := manager.Release(ctx, first.ID); err != nil {
		t.Fatalf("Release: %v", err)
	}

	second, err := manager.Acquire(ctx, "printer-1", "worker-b")
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if second.ID == first.ID {
		t.Fatalf("expected a new row on re-acquire, got the same id")
	}

	all, err := manager.ListByState(ctx, "all")
	if err != nil {
		t.Fatalf("ListByState: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 history rows, got %d", len(all))
	}
}

func TestManagerRenewByNonHolderIsConflict(t *testing.T) {
	db := newTestDB(t)
	manager, err := NewManager(db, 0)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ctx := context.Background()

	if _, err := manager.Acquire(ctx, "printer-1", "worker-a"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	_, err = manager.Renew(ctx, "printer-1", "worker-b")
	var conflict ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestManagerRenewUnknownResourceIsNotFound(t *testing.T) {
	db := newTestDB(t)
	manager, err := NewManager(db, 0)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	_, err = manager.Renew(context.Background(), "printer-404", "worker-a")
	var notFound NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestManagerReleaseIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	manager, err := NewManager(db, 0)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ctx := context.Background()

	granted, err := manager.Acquire(ctx, "printer-1", "worker-a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	first, err := manager.Release(ctx, granted.ID)
	if err != nil {
		t.Fatalf("first Release: %v", err)
	}
	second, err := manager.Release(ctx, granted.ID)
	if err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if first.ReleasedAt == nil || second.ReleasedAt == nil {
		t.Fatalf("expected released_at set on both calls")
	}
	if !first.ReleasedAt.Equal(*second.ReleasedAt) {
		t.Fatalf("expected second release to return the original released_at, not overwrite it")
	}
}

func TestManagerListByStateFiltersDerivedState(t *testing.T) {
	db := newTestDB(t)
	manager, err := NewManager(db, 0)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ctx := context.Background()

	active, err := manager.Acquire(ctx, "printer-active", "worker-a")
	if err != nil {
		t.Fatalf("Acquire active: %v", err)
	}

	released, err := manager.Acquire(ctx, "printer-released", "worker-b")
	if err != nil {
		t.Fatalf("Acquire released: %v", err)
	}
	if _, err := manager.Release(ctx, released.ID); err != nil {
		t.Fatalf("Release: %v", err)
	}

	activeRows, err := manager.ListByState(ctx, StateActive)
	if err != nil {
		t.Fatalf("ListByState active: %v", err)
	}
	if len(activeRows) != 1 || activeRows[0].ID != active.ID {
		t.Fatalf("expected exactly the active row, got %+v", activeRows)
	}

	releasedRows, err := manager.ListByState(ctx, StateReleased)
	if err != nil {
		t.Fatalf("ListByState released: %v", err)
	}
	if len(releasedRows) != 1 || releasedRows[0].ID != released.ID {
		t.Fatalf("expected exactly the released row, got %+v", releasedRows)
	}
}

// TestManagerRenewAfterExpiryIsConflict exercises scenario 4 (lost-lease
// heartbeat) and OQ-1's resolution: a holder that lets its lease lapse and
// then tries to renew gets Conflict, not a silent re-grant, even though it
// is still the most recent holder on record.
func TestManagerRenewAfterExpiryIsConflict(t *testing.T) {
	db := newTestDB(t)
	manager, err := NewManager(db, time.Second)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ctx := context.Background()

	if _, err := manager.Acquire(ctx, "printer-1", "worker-a"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if _, err := db.ExecContext(ctx,
		`UPDATE dbo.leases SET expires_at = DATEADD(SECOND, -1, SYSUTCDATETIME()) WHERE resource = @p1`,
		"printer-1",
	); err != nil {
		t.Fatalf("backdate expires_at: %v", err)
	}

	_, err = manager.Renew(ctx, "printer-1", "worker-a")
	var conflict ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError on renew past expiry, got %v", err)
	}
}

// TestManagerAcquireAfterExpiryReclaimsResource exercises P4 (reclamation):
// once the held lease's ttl has elapsed, a different caller can acquire the
// same resource without waiting for a release.
func TestManagerAcquireAfterExpiryReclaimsResource(t *testing.T) {
	db := newTestDB(t)
	manager, err := NewManager(db, time.Second)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ctx := context.Background()

	first, err := manager.Acquire(ctx, "printer-1", "worker-a")
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	if _, err := db.ExecContext(ctx,
		`UPDATE dbo.leases SET expires_at = DATEADD(SECOND, -1, SYSUTCDATETIME()) WHERE resource = @p1`,
		"printer-1",
	); err != nil {
		t.Fatalf("backdate expires_at: %v", err)
	}

	second, err := manager.Acquire(ctx, "printer-1", "worker-b")
	if err != nil {
		t.Fatalf("expected reclamation after expiry, got %v", err)
	}
	if second.ID == first.ID {
		t.Fatalf("expected a new row on reclamation, got the same id")
	}
}

func TestLeaseStatePredicates(t *testing.T) {
	now := time.Now().UTC()
	future := now.Add(time.Minute)
	past := now.Add(-time.Minute)

	active := Lease{ExpiresAt: future}
	if !active.IsActive(now) || active.IsExpired(now) || active.IsReleased() {
		t.Fatalf("expected an unreleased, unexpired lease to be active")
	}

	expired := Lease{ExpiresAt: past}
	if expired.IsActive(now) || !expired.IsExpired(now) {
		t.Fatalf("expected a lease past its expiry to be expired")
	}

	releasedAt := now
	released := Lease{ExpiresAt: future, ReleasedAt: &releasedAt}
	if released.IsActive(now) || !released.IsReleased() {
		t.Fatalf("expected a released lease to never be active")
	}
}
