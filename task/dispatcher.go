package task

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"leaseworks/leaseclient"
)

// leaseCaller is the subset of leaseclient.ManagerClient the Dispatcher
// needs; isolated as an interface so tests can substitute a fake without
// standing up an HTTP server (grounded on submissionmanager's
// AttemptExecutor/WebhookSender function-injection idiom).
type leaseCaller interface {
	Acquire(ctx context.Context, resource, holder string) (leaseclient.Grant, error)
	Renew(ctx context.Context, resource, holder string) (leaseclient.Grant, error)
	Release(ctx context.Context, id int64) error
	ActiveLeaseID(ctx context.Context, resource string) (int64, error)
}

// Dispatcher implements claim_next/heartbeat/complete/abandon (spec §4.D),
// coordinating the Task Store transaction with the Lease Manager via
// claim-then-lease-then-confirm.
type Dispatcher struct {
	store   *sqlStore
	leases  leaseCaller
	metrics *Metrics
}

// NewDispatcher constructs a Dispatcher backed by db and a Lease Manager
// reachable through leases. ttl is the heartbeat deadline window granted
// by ClaimNext/Heartbeat; ttl <= 0 falls back to DefaultLeaseTTL. Operators
// must set this to the same value as the Lease Manager's own ttl so
// must_heartbeat_before tracks the lease's actual expiry. All deadline
// comparisons run off the storage engine's clock (spec §9), so the Task
// Store and the Lease Manager — separate processes — never disagree on
// what "now" was.
func NewDispatcher(db *sql.DB, leases leaseCaller, ttl time.Duration) (*Dispatcher, error) {
	store, err := newSQLStore(db, ttl)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{store: store, leases: leases}, nil
}

// SetMetrics assigns a metrics registry to the dispatcher.
func (d *Dispatcher) SetMetrics(metrics *Metrics) {
	if d == nil {
		return
	}
	d.metrics = metrics
}

// ClaimNext selects the lowest-id claimable task, tentatively marks it
// started, and confirms ownership by acquiring a lease on its resource.
// Returns (nil, nil) when no claimable task exists.
func (d *Dispatcher) ClaimNext(ctx context.Context, processor string) (*Task, error) {
	tx, t, err := d.store.claimTx(ctx, processor)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, nil
	}

	_, err = d.leases.Acquire(ctx, ResourceName(t.ID), processor)
	if err != nil {
		_ = tx.Rollback()
		var conflict leaseclient.ConflictError
		if errors.As(err, &conflict) {
			if d.metrics != nil {
				d.metrics.ObserveClaimConflict()
			}
			return nil, ConflictError{TaskID: t.ID, Reason: "lease already held; concurrent reclamation"}
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if d.metrics != nil {
		d.metrics.ObserveClaimed()
	}
	return t, nil
}

// Heartbeat renews a task's heartbeat deadline and its underlying lease.
func (d *Dispatcher) Heartbeat(ctx context.Context, taskID int64, processor string) (*Task, error) {
	tx, t, err := d.store.heartbeatTx(ctx, taskID, processor)
	if err != nil {
		if d.metrics != nil {
			var conflict ConflictError
			if errors.As(err, &conflict) {
				d.metrics.ObserveHeartbeatConflict()
			}
		}
		return nil, err
	}

	_, err = d.leases.Renew(ctx, ResourceName(taskID), processor)
	if err != nil {
		_ = tx.Rollback()
		var conflict leaseclient.ConflictError
		var notFound leaseclient.NotFoundError
		if errors.As(err, &conflict) || errors.As(err, &notFound) {
			if d.metrics != nil {
				d.metrics.ObserveHeartbeatConflict()
			}
			return nil, ConflictError{TaskID: taskID, Reason: "lease renew failed: " + err.Error()}
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if d.metrics != nil {
		d.metrics.ObserveHeartbeat()
	}
	return t, nil
}

// Complete marks a task processed and releases its lease. The lease
// release is best-effort: once the Task Store commit succeeds the task is
// terminal regardless of the Lease Manager's reachability (spec §4.D).
func (d *Dispatcher) Complete(ctx context.Context, taskID int64, processor string, output []byte) (*Task, error) {
	tx, t, err := d.store.completeTx(ctx, taskID, processor, output)
	if err != nil {
		if d.metrics != nil {
			var conflict ConflictError
			if errors.As(err, &conflict) {
				d.metrics.ObserveCompleteConflict()
			}
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	d.releaseBestEffort(ctx, taskID)

	if d.metrics != nil {
		d.metrics.ObserveCompleted()
	}
	return t, nil
}

// Abandon releases a task's lease and clears its processor ownership so
// the row becomes reclaimable by the next ClaimNext.
func (d *Dispatcher) Abandon(ctx context.Context, taskID int64, processor string) (*Task, error) {
	t, err := d.store.abandon(ctx, taskID, processor)
	if err != nil {
		return nil, err
	}
	d.releaseBestEffort(ctx, taskID)
	if d.metrics != nil {
		d.metrics.ObserveAbandoned()
	}
	return t, nil
}

// Schedule creates a new task with the given opaque data, ready to be
// picked up by the next ClaimNext.
func (d *Dispatcher) Schedule(ctx context.Context, data []byte) (*Task, error) {
	return d.store.schedule(ctx, data)
}

// ReadByID returns a single task by id.
func (d *Dispatcher) ReadByID(ctx context.Context, taskID int64) (*Task, error) {
	return d.store.readByID(ctx, taskID)
}

// ListByState returns every task whose derived state matches state.
func (d *Dispatcher) ListByState(ctx context.Context, state State) ([]Task, error) {
	return d.store.listByState(ctx, state)
}

func (d *Dispatcher) releaseBestEffort(ctx context.Context, taskID int64) {
	resource := ResourceName(taskID)
	leaseID, err := d.leases.ActiveLeaseID(ctx, resource)
	if err != nil {
		log.Printf("task: could not look up lease for %s: %v", resource, err)
		return
	}
	if leaseID == 0 {
		return
	}
	if err := d.leases.Release(ctx, leaseID); err != nil {
		log.Printf("task: best-effort lease release failed for %s: %v", resource, err)
	}
}
