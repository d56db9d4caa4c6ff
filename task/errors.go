package task

import "fmt"

// ConflictError reports lease contention or loss during claim, heartbeat,
// or complete — the uniform 409 condition of spec §6.
type ConflictError struct {
	TaskID int64
	Reason string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("task %d: conflict: %s", e.TaskID, e.Reason)
}

// NotFoundError reports a reference to an unknown task id.
type NotFoundError struct {
	TaskID int64
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("task %d: not found", e.TaskID)
}
