package task

import (
	"testing"
	"time"
)

func TestTaskDerivedStates(t *testing.T) {
	now := time.Now().UTC()
	future := now.Add(time.Minute)
	past := now.Add(-time.Minute)

	scheduled := Task{ScheduledAt: now}
	if scheduled.State(now) != StateScheduled {
		t.Fatalf("expected scheduled state, got %s", scheduled.State(now))
	}
	if !scheduled.ClaimableAt(now) {
		t.Fatalf("expected a never-started task to be claimable")
	}

	assigned := Task{ScheduledAt: now, StartedAt: &now, MustHeartbeatBefore: &future}
	if assigned.State(now) != StateAssigned {
		t.Fatalf("expected assigned state, got %s", assigned.State(now))
	}
	if assigned.ClaimableAt(now) {
		t.Fatalf("expected an actively-leased task to not be claimable")
	}

	abandoned := Task{ScheduledAt: now, StartedAt: &now, MustHeartbeatBefore: &past}
	if abandoned.State(now) != StateAbandoned {
		t.Fatalf("expected abandoned state, got %s", abandoned.State(now))
	}
	if !abandoned.ClaimableAt(now) {
		t.Fatalf("expected an abandoned task to be reclaimable")
	}

	completed := Task{ScheduledAt: now, StartedAt: &now, MustHeartbeatBefore: &future, ProcessedAt: &now}
	if completed.State(now) != StateCompleted {
		t.Fatalf("expected completed state, got %s", completed.State(now))
	}
	if completed.ClaimableAt(now) {
		t.Fatalf("expected a completed task to never be claimable again")
	}
}

func TestResourceName(t *testing.T) {
	if got := ResourceName(42); got != "task:42" {
		t.Fatalf("expected task:42, got %s", got)
	}
}
