package lease

import (
	"fmt"
	"io"
	"sync"
)

// Metrics tracks Lease Manager metrics for Prometheus.
type Metrics struct {
	mu sync.Mutex

	acquired        uint64
	acquireConflict uint64
	renewed         uint64
	renewConflict   uint64
	released        uint64
}

// NewMetrics constructs an empty Metrics registry.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// ObserveAcquired records a successful acquire.
func (m *Metrics) ObserveAcquired() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.acquired++
	m.mu.Unlock()
}

// ObserveAcquireConflict records an acquire rejected by an active lease.
func (m *Metrics) ObserveAcquireConflict() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.acquireConflict++
	m.mu.Unlock()
}

// ObserveRenewed records a successful renew.
func (m *Metrics) ObserveRenewed() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.renewed++
	m.mu.Unlock()
}

// ObserveRenewConflict records a renew rejected by loss or contention.
func (m *Metrics) ObserveRenewConflict() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.renewConflict++
	m.mu.Unlock()
}

// ObserveReleased records a release call (idempotent repeats included).
func (m *Metrics) ObserveReleased() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.released++
	m.mu.Unlock()
}

// WritePrometheus writes metrics in Prometheus exposition format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	if m == nil {
		return
	}
	m.mu.Lock()
	acquired := m.acquired
	acquireConflict := m.acquireConflict
	renewed := m.renewed
	renewConflict := m.renewConflict
	released := m.released
	m.mu.Unlock()

	fmt.Fprintf(w, "# HELP lease_acquired_total Leases granted.\n")
	fmt.Fprintf(w, "# TYPE lease_acquired_total counter\n")
	fmt.Fprintf(w, "lease_acquired_total %d\n", acquired)

	fmt.Fprintf(w, "# HELP lease_acquire_conflicts_total Acquire calls rejected by an active lease.\n")
	fmt.Fprintf(w, "# TYPE lease_acquire_conflicts_total counter\n")
	fmt.Fprintf(w, "lease_acquire_conflicts_total %d\n", acquireConflict)

	fmt.Fprintf(w, "# HELP lease_renewed_total Successful lease renewals.\n")
	fmt.Fprintf(w, "# TYPE lease_renewed_total counter\n")
	fmt.Fprintf(w, "lease_renewed_total %d\n", renewed)

	fmt.Fprintf(w, "# HELP lease_renew_conflicts_total Renew calls rejected by loss or contention.\n")
	fmt.Fprintf(w, "# TYPE lease_renew_conflicts_total counter\n")
	fmt.Fprintf(w, "lease_renew_conflicts_total %d\n", renewConflict)

	fmt.Fprintf(w, "# HELP lease_released_total Release calls, including idempotent repeats.\n")
	fmt.Fprintf(w, "# TYPE lease_released_total counter\n")
	fmt.Fprintf(w, "lease_released_total %d\n", released)
}
