package worker

import "context"

// Workload executes a task's opaque data and returns opaque output, or an
// error if the task should be abandoned rather than completed (spec §4.F).
type Workload func(ctx context.Context, taskData []byte) ([]byte, error)
