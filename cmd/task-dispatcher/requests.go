package main

import "encoding/json"

type nextRequest struct {
	Processor string `json:"processor"`
}

type heartbeatRequest struct {
	Processor string `json:"processor"`
}

type completeRequest struct {
	Processor string          `json:"processor"`
	Output    json.RawMessage `json:"output"`
}

type abandonRequest struct {
	Processor string `json:"processor"`
}

type scheduleRequest struct {
	TaskData json.RawMessage `json:"task_data"`
}
