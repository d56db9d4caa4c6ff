// Package worker implements the thin Worker Loop of spec §4.F: poll for a
// task, run an opaque workload under an auto-renewing lease, then
// complete or abandon, always releasing on the way out even if the
// workload panics.
package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"leaseworks/task"
	"leaseworks/taskclient"
)

// Loop repeatedly claims and executes tasks from a Task Dispatcher until
// its context is cancelled.
type Loop struct {
	Client            *taskclient.Client
	Processor         string
	Workload          Workload
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

// New constructs a Loop. heartbeatInterval <= 0 falls back to the spec's
// default heartbeat interval.
func New(client *taskclient.Client, processor string, workload Workload, heartbeatInterval time.Duration) *Loop {
	if heartbeatInterval <= 0 {
		heartbeatInterval = task.DefaultHeartbeatInterval
	}
	return &Loop{
		Client:            client,
		Processor:         processor,
		Workload:          workload,
		PollInterval:      2 * time.Second,
		HeartbeatInterval: heartbeatInterval,
	}
}

// Run polls claim_next and processes tasks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		t, err := l.Client.ClaimNext(ctx, l.Processor)
		if err != nil {
			if err != taskclient.ErrNoTask {
				log.Printf("worker: claim_next failed: %v", err)
			}
			if !sleepWithContext(ctx, l.PollInterval) {
				return
			}
			continue
		}
		l.process(ctx, t)
	}
}

// process runs one claimed task through execute -> complete/abandon,
// guaranteeing the auto-renewer is stopped on every exit path including a
// workload panic (spec §4.F scoped-release pattern).
func (l *Loop) process(ctx context.Context, t *taskclient.Task) {
	handle := taskclient.ForDispatcher(l.Client, t.ID, l.Processor)
	handle.StartAutoRenew(ctx, l.HeartbeatInterval)
	defer handle.StopAutoRenew()

	output, err := l.runWorkload(ctx, t.Data)
	if err != nil {
		log.Printf("worker: task %d abandoned: %v", t.ID, err)
		if abErr := l.Client.Abandon(ctx, t.ID, l.Processor); abErr != nil {
			log.Printf("worker: abandon of task %d failed: %v", t.ID, abErr)
		}
		return
	}

	if err := l.Client.Complete(ctx, t.ID, l.Processor, output); err != nil {
		log.Printf("worker: complete of task %d failed: %v", t.ID, err)
	}
}

// runWorkload recovers a panicking workload and turns it into an error so
// process always reaches abandon rather than crashing the worker process.
func (l *Loop) runWorkload(ctx context.Context, data []byte) (output []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workload panicked: %v", r)
		}
	}()
	return l.Workload(ctx, data)
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
