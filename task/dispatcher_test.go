package task

import (
	"context"
	"errors"
	"sync"
	"testing"

	"leaseworks/leaseclient"
)

// fakeLeaseCaller stands in for the Lease Manager HTTP contract so
// Dispatcher tests exercise real Task Store transactions without a live
// Lease Manager process (grounded on submissionmanager/manager_test.go's
// stubExecutor injection idiom).
type fakeLeaseCaller struct {
	mu          sync.Mutex
	active      map[string]int64
	nextID      int64
	conflicts   map[string]bool
	renewErrors map[string]error
}

func newFakeLeaseCaller() *fakeLeaseCaller {
	return &fakeLeaseCaller{active: map[string]int64{}, conflicts: map[string]bool{}, renewErrors: map[string]error{}}
}

func (f *fakeLeaseCaller) Acquire(ctx context.Context, resource, holder string) (leaseclient.Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conflicts[resource] {
		return leaseclient.Grant{}, leaseclient.ConflictError{Resource: resource, Reason: "forced test conflict"}
	}
	if _, held := f.active[resource]; held {
		return leaseclient.Grant{}, leaseclient.ConflictError{Resource: resource, Reason: "already held"}
	}
	f.nextID++
	f.active[resource] = f.nextID
	return leaseclient.Grant{ID: f.nextID}, nil
}

func (f *fakeLeaseCaller) Renew(ctx context.Context, resource, holder string) (leaseclient.Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.renewErrors[resource]; err != nil {
		return leaseclient.Grant{}, err
	}
	id, held := f.active[resource]
	if !held {
		return leaseclient.Grant{}, leaseclient.ConflictError{Resource: resource, Reason: "not held"}
	}
	return leaseclient.Grant{ID: id}, nil
}

func (f *fakeLeaseCaller) Release(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for resource, activeID := range f.active {
		if activeID == id {
			delete(f.active, resource)
		}
	}
	return nil
}

func (f *fakeLeaseCaller) ActiveLeaseID(ctx context.Context, resource string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[resource], nil
}

func (f *fakeLeaseCaller) setConflict(resource string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conflicts[resource] = true
}

func (f *fakeLeaseCaller) setRenewError(resource string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewErrors[resource] = err
}

func TestDispatcherClaimHeartbeatComplete(t *testing.T) {
	db := newTestDB(t)
	leases := newFakeLeaseCaller()
	dispatcher, err := NewDispatcher(db, leases, 0)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	ctx := context.Background()

	scheduled, err := dispatcher.Schedule(ctx, []byte(`{"n":42}`))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	claimed, err := dispatcher.ClaimNext(ctx, "w-A")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if claimed == nil || claimed.ID != scheduled.ID {
		t.Fatalf("expected to claim the scheduled task, got %+v", claimed)
	}
	if claimed.Processor != "w-A" {
		t.Fatalf("expected processor w-A, got %s", claimed.Processor)
	}

	// A second claim_next while the first is held should find nothing.
	none, err := dispatcher.ClaimNext(ctx, "w-B")
	if err != nil {
		t.Fatalf("second ClaimNext: %v", err)
	}
	if none != nil {
		t.Fatalf("expected no claimable task, got %+v", none)
	}

	if _, err := dispatcher.Heartbeat(ctx, claimed.ID, "w-A"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	// Heartbeat from the wrong processor is a conflict.
	_, err = dispatcher.Heartbeat(ctx, claimed.ID, "w-B")
	var conflict ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError for wrong processor, got %v", err)
	}

	completed, err := dispatcher.Complete(ctx, claimed.ID, "w-A", []byte(`{"squared":1764}`))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if completed.ProcessedAt == nil {
		t.Fatalf("expected processed_at to be set")
	}

	leaseID, _ := leases.ActiveLeaseID(ctx, ResourceName(claimed.ID))
	if leaseID != 0 {
		t.Fatalf("expected lease released on completion, still active as %d", leaseID)
	}
}

func TestDispatcherClaimConflictRollsBackTaskTx(t *testing.T) {
	db := newTestDB(t)
	leases := newFakeLeaseCaller()
	dispatcher, err := NewDispatcher(db, leases, 0)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	ctx := context.Background()

	scheduled, err := dispatcher.Schedule(ctx, []byte(`{"n":1}`))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	leases.setConflict(ResourceName(scheduled.ID))

	_, err = dispatcher.ClaimNext(ctx, "w-A")
	var conflict ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}

	// Rollback must leave the task claimable again for the next poll.
	leases.mu.Lock()
	delete(leases.conflicts, ResourceName(scheduled.ID))
	leases.mu.Unlock()

	retried, err := dispatcher.ClaimNext(ctx, "w-B")
	if err != nil {
		t.Fatalf("retried ClaimNext: %v", err)
	}
	if retried == nil || retried.ID != scheduled.ID {
		t.Fatalf("expected the task to still be claimable after rollback, got %+v", retried)
	}
}

// TestDispatcherCompleteTwiceIsConflict is the regression test for the P6
// invariant: processed_at transitions nullable -> set exactly once, so a
// second complete by the same still-leased processor must return Conflict
// rather than silently overwriting task_output.
func TestDispatcherCompleteTwiceIsConflict(t *testing.T) {
	db := newTestDB(t)
	leases := newFakeLeaseCaller()
	dispatcher, err := NewDispatcher(db, leases, 0)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	ctx := context.Background()

	scheduled, err := dispatcher.Schedule(ctx, []byte(`{"n":7}`))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	claimed, err := dispatcher.ClaimNext(ctx, "w-A")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if claimed == nil || claimed.ID != scheduled.ID {
		t.Fatalf("expected to claim the scheduled task, got %+v", claimed)
	}

	first, err := dispatcher.Complete(ctx, claimed.ID, "w-A", []byte(`{"squared":49}`))
	if err != nil {
		t.Fatalf("first Complete: %v", err)
	}

	_, err = dispatcher.Complete(ctx, claimed.ID, "w-A", []byte(`{"squared":0}`))
	var conflict ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError on second complete, got %v", err)
	}

	unchanged, err := dispatcher.ReadByID(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("ReadByID: %v", err)
	}
	if string(unchanged.Output) != string(first.Output) {
		t.Fatalf("expected task_output from the second call to be rejected, got %s", unchanged.Output)
	}
}

// TestDispatcherClaimNextReclaimsAbandonedTask exercises P4 (reclamation)
// and scenario 2 (crash recovery): a task whose heartbeat deadline has
// lapsed becomes claimable by a different processor without anyone calling
// Abandon. The deadline is backdated directly in SQL (grounded on
// submissionmanager/leader_runner_test.go's TestLeaderStopsOnLeaseLoss)
// rather than by advancing a fake clock, since claimTx now judges
// claimability by SYSUTCDATETIME(), not an injected Go time.
func TestDispatcherClaimNextReclaimsAbandonedTask(t *testing.T) {
	db := newTestDB(t)
	leases := newFakeLeaseCaller()
	dispatcher, err := NewDispatcher(db, leases, 0)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	ctx := context.Background()

	scheduled, err := dispatcher.Schedule(ctx, []byte(`{"n":3}`))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	crashed, err := dispatcher.ClaimNext(ctx, "w-crashed")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if crashed == nil || crashed.ID != scheduled.ID {
		t.Fatalf("expected to claim the scheduled task, got %+v", crashed)
	}

	// w-crashed never heartbeats again; let its deadline lapse.
	if _, err := db.ExecContext(ctx,
		`UPDATE dbo.tasks SET must_heartbeat_before = DATEADD(SECOND, -1, SYSUTCDATETIME()) WHERE id = @p1`,
		scheduled.ID,
	); err != nil {
		t.Fatalf("backdate must_heartbeat_before: %v", err)
	}
	leases.mu.Lock()
	delete(leases.active, ResourceName(scheduled.ID))
	leases.mu.Unlock()

	reclaimed, err := dispatcher.ClaimNext(ctx, "w-replacement")
	if err != nil {
		t.Fatalf("reclaiming ClaimNext: %v", err)
	}
	if reclaimed == nil || reclaimed.ID != scheduled.ID {
		t.Fatalf("expected the abandoned task to be reclaimable, got %+v", reclaimed)
	}
	if reclaimed.Processor != "w-replacement" {
		t.Fatalf("expected processor w-replacement, got %s", reclaimed.Processor)
	}
}

// TestDispatcherCompleteAfterExpiryIsConflict exercises scenario 5
// (completion after expiry): once the heartbeat deadline has lapsed,
// complete by the original processor is rejected even though no one else
// has claimed the task yet.
func TestDispatcherCompleteAfterExpiryIsConflict(t *testing.T) {
	db := newTestDB(t)
	leases := newFakeLeaseCaller()
	dispatcher, err := NewDispatcher(db, leases, 0)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	ctx := context.Background()

	scheduled, err := dispatcher.Schedule(ctx, []byte(`{"n":9}`))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	claimed, err := dispatcher.ClaimNext(ctx, "w-A")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if claimed == nil || claimed.ID != scheduled.ID {
		t.Fatalf("expected to claim the scheduled task, got %+v", claimed)
	}

	if _, err := db.ExecContext(ctx,
		`UPDATE dbo.tasks SET must_heartbeat_before = DATEADD(SECOND, -1, SYSUTCDATETIME()) WHERE id = @p1`,
		claimed.ID,
	); err != nil {
		t.Fatalf("backdate must_heartbeat_before: %v", err)
	}

	_, err = dispatcher.Complete(ctx, claimed.ID, "w-A", []byte(`{"squared":81}`))
	var conflict ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError on complete past the heartbeat deadline, got %v", err)
	}
}

// TestDispatcherHeartbeatPropagatesTransientLeaseError is the regression
// test for the review finding that Heartbeat used to fold any Lease
// Manager error into ConflictError: a transient/500 error must reach the
// caller unchanged rather than telling the worker it lost a lease it still
// owns (spec §7: the Dispatcher mirrors Lease Manager conflicts without
// reinterpretation).
func TestDispatcherHeartbeatPropagatesTransientLeaseError(t *testing.T) {
	db := newTestDB(t)
	leases := newFakeLeaseCaller()
	dispatcher, err := NewDispatcher(db, leases, 0)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	ctx := context.Background()

	_, err = dispatcher.Schedule(ctx, []byte(`{"n":5}`))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	claimed, err := dispatcher.ClaimNext(ctx, "w-A")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	transient := errors.New("lease manager unavailable")
	leases.setRenewError(ResourceName(claimed.ID), transient)

	_, err = dispatcher.Heartbeat(ctx, claimed.ID, "w-A")
	var conflict ConflictError
	if errors.As(err, &conflict) {
		t.Fatalf("expected the transient error to propagate unchanged, got ConflictError: %v", err)
	}
	if !errors.Is(err, transient) {
		t.Fatalf("expected the underlying transient error to propagate, got %v", err)
	}

	// The task must still be heartbeat-able once the Lease Manager recovers.
	leases.setRenewError(ResourceName(claimed.ID), nil)
	if _, err := dispatcher.Heartbeat(ctx, claimed.ID, "w-A"); err != nil {
		t.Fatalf("Heartbeat after recovery: %v", err)
	}
}
