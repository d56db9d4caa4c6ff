// Package task implements the Task Store and Task Dispatcher: atomic
// claim-then-lease-then-confirm selection of work, heartbeat renewal, and
// completion/abandonment, coordinated with the Lease Manager via
// leaseclient.
package task

import (
	"strconv"
	"time"
)

// DefaultLeaseTTL and DefaultHeartbeatInterval are applied when a caller
// does not override them. The dispatcher's ttl must match the Lease
// Manager's so that must_heartbeat_before tracks the lease's actual
// expiry (spec §6: HEARTBEAT_INTERVAL * 2 <= LEASE_TTL).
const (
	DefaultLeaseTTL          = 30 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
)

// Task is a single unit of work with lifecycle timestamps computed
// against the current time rather than stored as an explicit status.
type Task struct {
	ID                  int64
	Data                []byte
	Output              []byte
	ScheduledAt         time.Time
	StartedAt           *time.Time
	LastHeartbeatAt     *time.Time
	MustHeartbeatBefore *time.Time
	ProcessedAt         *time.Time
	Processor           string
}

// State is a derived lifecycle stage computed from a Task's timestamps.
type State string

const (
	StateScheduled State = "scheduled"
	StateAssigned  State = "assigned"
	StateAbandoned State = "abandoned"
	StateCompleted State = "completed"
)

// IsScheduled reports whether the task has never been started.
func (t Task) IsScheduled() bool {
	return t.StartedAt == nil
}

// IsCompleted reports whether the task has been processed.
func (t Task) IsCompleted() bool {
	return t.ProcessedAt != nil
}

// IsAssigned reports whether the task is actively being worked, i.e. its
// heartbeat deadline has not yet lapsed.
func (t Task) IsAssigned(now time.Time) bool {
	return t.StartedAt != nil && t.ProcessedAt == nil &&
		t.MustHeartbeatBefore != nil && t.MustHeartbeatBefore.After(now)
}

// IsAbandoned reports whether the task was started, is not complete, and
// its heartbeat deadline has lapsed — eligible for reclamation.
func (t Task) IsAbandoned(now time.Time) bool {
	return t.StartedAt != nil && t.ProcessedAt == nil &&
		t.MustHeartbeatBefore != nil && !t.MustHeartbeatBefore.After(now)
}

// State computes the task's derived lifecycle stage as of now.
func (t Task) State(now time.Time) State {
	switch {
	case t.IsCompleted():
		return StateCompleted
	case t.IsScheduled():
		return StateScheduled
	case t.IsAbandoned(now):
		return StateAbandoned
	default:
		return StateAssigned
	}
}

// ClaimableAt reports whether claim_next may pick up this task at now: it
// has never been started, or it was started but its heartbeat deadline has
// lapsed (spec T3, reclaimable).
func (t Task) ClaimableAt(now time.Time) bool {
	if t.ProcessedAt != nil {
		return false
	}
	if t.StartedAt == nil {
		return true
	}
	return t.MustHeartbeatBefore != nil && !t.MustHeartbeatBefore.After(now)
}

// ResourceName returns the Lease Manager resource name for this task's id.
func ResourceName(id int64) string {
	return "task:" + strconv.FormatInt(id, 10)
}
