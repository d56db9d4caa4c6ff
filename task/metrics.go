package task

import (
	"fmt"
	"io"
	"sync"
)

// Metrics tracks Task Dispatcher metrics for Prometheus.
type Metrics struct {
	mu sync.Mutex

	claimed            uint64
	claimConflict      uint64
	heartbeat          uint64
	heartbeatConflict  uint64
	completed          uint64
	completeConflict   uint64
	abandoned          uint64
}

// NewMetrics constructs an empty Metrics registry.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) ObserveClaimed() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.claimed++
	m.mu.Unlock()
}

func (m *Metrics) ObserveClaimConflict() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.claimConflict++
	m.mu.Unlock()
}

func (m *Metrics) ObserveHeartbeat() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.heartbeat++
	m.mu.Unlock()
}

func (m *Metrics) ObserveHeartbeatConflict() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.heartbeatConflict++
	m.mu.Unlock()
}

func (m *Metrics) ObserveCompleted() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.completed++
	m.mu.Unlock()
}

func (m *Metrics) ObserveCompleteConflict() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.completeConflict++
	m.mu.Unlock()
}

func (m *Metrics) ObserveAbandoned() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.abandoned++
	m.mu.Unlock()
}

// WritePrometheus writes metrics in Prometheus exposition format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	if m == nil {
		return
	}
	m.mu.Lock()
	claimed := m.claimed
	claimConflict := m.claimConflict
	heartbeat := m.heartbeat
	heartbeatConflict := m.heartbeatConflict
	completed := m.completed
	completeConflict := m.completeConflict
	abandoned := m.abandoned
	m.mu.Unlock()

	fmt.Fprintf(w, "# HELP task_claimed_total Tasks successfully claimed.\n")
	fmt.Fprintf(w, "# TYPE task_claimed_total counter\n")
	fmt.Fprintf(w, "task_claimed_total %d\n", claimed)

	fmt.Fprintf(w, "# HELP task_claim_conflicts_total Claims rejected by lease contention.\n")
	fmt.Fprintf(w, "# TYPE task_claim_conflicts_total counter\n")
	fmt.Fprintf(w, "task_claim_conflicts_total %d\n", claimConflict)

	fmt.Fprintf(w, "# HELP task_heartbeats_total Successful heartbeats.\n")
	fmt.Fprintf(w, "# TYPE task_heartbeats_total counter\n")
	fmt.Fprintf(w, "task_heartbeats_total %d\n", heartbeat)

	fmt.Fprintf(w, "# HELP task_heartbeat_conflicts_total Heartbeats rejected by ownership mismatch or expiry.\n")
	fmt.Fprintf(w, "# TYPE task_heartbeat_conflicts_total counter\n")
	fmt.Fprintf(w, "task_heartbeat_conflicts_total %d\n", heartbeatConflict)

	fmt.Fprintf(w, "# HELP task_completed_total Tasks completed.\n")
	fmt.Fprintf(w, "# TYPE task_completed_total counter\n")
	fmt.Fprintf(w, "task_completed_total %d\n", completed)

	fmt.Fprintf(w, "# HELP task_complete_conflicts_total Completions rejected by ownership mismatch or expiry.\n")
	fmt.Fprintf(w, "# TYPE task_complete_conflicts_total counter\n")
	fmt.Fprintf(w, "task_complete_conflicts_total %d\n", completeConflict)

	fmt.Fprintf(w, "# HELP task_abandoned_total Tasks explicitly abandoned by a worker.\n")
	fmt.Fprintf(w, "# TYPE task_abandoned_total counter\n")
	fmt.Fprintf(w, "task_abandoned_total %d\n", abandoned)
}
