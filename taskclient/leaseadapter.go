package taskclient

import (
	"context"
	"strconv"

	"leaseworks/leaseclient"
)

// ForDispatcher builds a leaseclient.Handle whose renew operation is a
// heartbeat against the Task Dispatcher rather than a direct call to the
// Lease Manager (SPEC_FULL.md §2 OQ-3): the Worker Loop drives its
// auto-renewer against this handle so the Task Store stays the
// authoritative source of must_heartbeat_before (spec T2) and the worker
// never needs to know the Lease Manager's address.
//
// Acquire delegates to ClaimNext is intentionally not offered here —
// claiming is a distinct, non-idempotent operation the worker loop drives
// explicitly; this handle is constructed only after a task has already
// been claimed, with acquire() as a no-op returning the already-known
// grant.
func ForDispatcher(client *Client, taskID int64, processor string) *leaseclient.Handle {
	adapter := &dispatcherWire{client: client, taskID: taskID, processor: processor}
	return leaseclient.New(ResourceName(taskID), processor, adapter.acquire, adapter.renew, adapter.release)
}

// ResourceName mirrors task.ResourceName without importing package task,
// which would create an import cycle (task depends on leaseclient).
func ResourceName(taskID int64) string {
	return "task:" + strconv.FormatInt(taskID, 10)
}

type dispatcherWire struct {
	client    *Client
	taskID    int64
	processor string
}

func (d *dispatcherWire) acquire(ctx context.Context) (leaseclient.Grant, error) {
	// The worker loop already holds the task via ClaimNext by the time it
	// constructs this handle; acquire() is never called in practice, but
	// is wired for interface completeness and tests.
	return leaseclient.Grant{}, nil
}

// renew heartbeats the task through the Dispatcher and translates its HTTP
// contract into the same domain errors leaseclient.Handle.Renew recognizes
// as terminal (leaseclient.ConflictError/NotFoundError), so the handle
// behaves identically whether it renews via the Lease Manager directly
// (httpwire.go) or, as here, via the Task Dispatcher's heartbeat route.
// Anything else — a transport failure, a 5xx — passes through unchanged
// for the caller's next tick to retry.
func (d *dispatcherWire) renew(ctx context.Context) (leaseclient.Grant, error) {
	deadline, err := d.client.Heartbeat(ctx, d.taskID, d.processor)
	if err != nil {
		if IsConflict(err) {
			return leaseclient.Grant{}, leaseclient.ConflictError{Resource: ResourceName(d.taskID), Reason: err.Error()}
		}
		if IsNotFound(err) {
			return leaseclient.Grant{}, leaseclient.NotFoundError{Resource: ResourceName(d.taskID)}
		}
		return leaseclient.Grant{}, err
	}
	return leaseclient.Grant{ExpiresAt: deadline}, nil
}

func (d *dispatcherWire) release(ctx context.Context) error {
	// Release of the underlying lease happens server-side as part of
	// Complete/Abandon; the worker loop calls those directly rather than
	// through this handle's Release.
	return nil
}
