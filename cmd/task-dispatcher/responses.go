package main

import (
	"encoding/json"
	"time"

	"leaseworks/task"
)

type taskResponse struct {
	ID                  int64           `json:"id"`
	Data                json.RawMessage `json:"task_data"`
	Output              json.RawMessage `json:"task_output,omitempty"`
	ScheduledAt         time.Time       `json:"scheduled_at"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	LastHeartbeatAt     *time.Time      `json:"last_heartbeat_at,omitempty"`
	MustHeartbeatBefore *time.Time      `json:"must_heartbeat_before,omitempty"`
	ProcessedAt         *time.Time      `json:"processed_at,omitempty"`
	Processor           string          `json:"processor,omitempty"`
	State               task.State      `json:"state"`
}

func toTaskResponse(t task.Task) taskResponse {
	now := time.Now().UTC()
	return taskResponse{
		ID:                  t.ID,
		Data:                t.Data,
		Output:              t.Output,
		ScheduledAt:         t.ScheduledAt,
		StartedAt:           t.StartedAt,
		LastHeartbeatAt:     t.LastHeartbeatAt,
		MustHeartbeatBefore: t.MustHeartbeatBefore,
		ProcessedAt:         t.ProcessedAt,
		Processor:           t.Processor,
		State:               t.State(now),
	}
}

func toTaskResponses(tasks []task.Task) []taskResponse {
	out := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskResponse(t))
	}
	return out
}

type heartbeatResponse struct {
	MustHeartbeatBefore *time.Time `json:"must_heartbeat_before"`
}
