// Package lease implements the Lease Store and Lease Manager: authoritative
// time-bounded claims on named resources, backed by a relational store.
package lease

import "time"

// DefaultTTL is the lease lifetime applied when a caller does not override it.
const DefaultTTL = 30 * time.Second

// Lease is a single row of lease history for a resource.
type Lease struct {
	ID         int64
	Resource   string
	Holder     string
	CreatedAt  time.Time
	RenewedAt  *time.Time
	ReleasedAt *time.Time
	ExpiresAt  time.Time
}

// State is a lease's derived lifecycle state, computed from timestamps
// against a reference instant rather than stored.
type State string

const (
	StateActive   State = "active"
	StateExpired  State = "expired"
	StateReleased State = "released"
	StateRenewed  State = "renewed"
)

// IsActive reports whether the lease is held and unexpired at now.
func (l Lease) IsActive(now time.Time) bool {
	return l.ReleasedAt == nil && l.ExpiresAt.After(now)
}

// IsExpired reports whether the lease lapsed without being released.
func (l Lease) IsExpired(now time.Time) bool {
	return l.ReleasedAt == nil && !l.ExpiresAt.After(now)
}

// IsReleased reports whether the lease was explicitly released.
func (l Lease) IsReleased() bool {
	return l.ReleasedAt != nil
}

// IsRenewed reports whether the lease is active and has been renewed at
// least once.
func (l Lease) IsRenewed(now time.Time) bool {
	return l.IsActive(now) && l.RenewedAt != nil
}

// MatchesState reports whether the lease's derived state at now matches state.
func (l Lease) MatchesState(state State, now time.Time) bool {
	switch state {
	case StateActive:
		return l.IsActive(now)
	case StateExpired:
		return l.IsExpired(now)
	case StateReleased:
		return l.IsReleased()
	case StateRenewed:
		return l.IsRenewed(now)
	default:
		return false
	}
}
