package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"leaseworks/task"
)

type apiServer struct {
	dispatcher *task.Dispatcher
}

func handleMetrics(metrics *task.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		metrics.WritePrometheus(w)
	}
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "timestamp": time.Now().UTC()})
}

func handleReadyz(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "not ready", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

// handleNext serves POST /tasks/next (claim_next).
func (s *apiServer) handleNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	var req nextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	req.Processor = strings.TrimSpace(req.Processor)
	if req.Processor == "" {
		writeError(w, http.StatusBadRequest, "processor is required", "")
		return
	}

	claimed, err := s.dispatcher.ClaimNext(r.Context(), req.Processor)
	if err != nil {
		var conflict task.ConflictError
		if errors.As(err, &conflict) {
			writeError(w, http.StatusConflict, "claim conflict", conflict.Reason)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error", err.Error())
		return
	}
	if claimed == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusAccepted, toTaskResponse(*claimed))
}

// handleSchedule serves POST /tasks/schedule, a supplement to the
// claim/heartbeat/complete contract so the dispatcher can accept new work
// without a separate producer service.
func (s *apiServer) handleSchedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if len(req.TaskData) == 0 {
		writeError(w, http.StatusBadRequest, "task_data is required", "")
		return
	}

	scheduled, err := s.dispatcher.Schedule(r.Context(), req.TaskData)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, toTaskResponse(*scheduled))
}

// handleTaskByID serves PUT /tasks/{id}/heartbeat, /complete, /abandon,
// and GET /tasks/{id}.
func (s *apiServer) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/tasks/")
	segments := strings.Split(path, "/")

	id, err := strconv.ParseInt(segments[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id", err.Error())
		return
	}

	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
			return
		}
		s.handleGetByID(w, r, id)
		return
	}

	switch segments[1] {
	case "heartbeat":
		s.handleHeartbeat(w, r, id)
	case "complete":
		s.handleComplete(w, r, id)
	case "abandon":
		s.handleAbandon(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "not found", "")
	}
}

func (s *apiServer) handleGetByID(w http.ResponseWriter, r *http.Request, id int64) {
	t, err := s.dispatcher.ReadByID(r.Context(), id)
	if err != nil {
		var notFound task.NotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "task not found", notFound.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(*t))
}

func (s *apiServer) handleHeartbeat(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	req.Processor = strings.TrimSpace(req.Processor)
	if req.Processor == "" {
		writeError(w, http.StatusBadRequest, "processor is required", "")
		return
	}

	t, err := s.dispatcher.Heartbeat(r.Context(), id, req.Processor)
	if err != nil {
		writeConflictOrNotFoundOrInternal(w, id, err)
		return
	}
	writeJSON(w, http.StatusAccepted, heartbeatResponse{MustHeartbeatBefore: t.MustHeartbeatBefore})
}

func (s *apiServer) handleComplete(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	req.Processor = strings.TrimSpace(req.Processor)
	if req.Processor == "" {
		writeError(w, http.StatusBadRequest, "processor is required", "")
		return
	}

	_, err := s.dispatcher.Complete(r.Context(), id, req.Processor, req.Output)
	if err != nil {
		writeConflictOrNotFoundOrInternal(w, id, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *apiServer) handleAbandon(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	var req abandonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	req.Processor = strings.TrimSpace(req.Processor)
	if req.Processor == "" {
		writeError(w, http.StatusBadRequest, "processor is required", "")
		return
	}

	_, err := s.dispatcher.Abandon(r.Context(), id, req.Processor)
	if err != nil {
		writeConflictOrNotFoundOrInternal(w, id, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeConflictOrNotFoundOrInternal(w http.ResponseWriter, id int64, err error) {
	var conflict task.ConflictError
	var notFound task.NotFoundError
	switch {
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, "task conflict", conflict.Reason)
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, "task not found", notFound.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error", err.Error())
	}
}

func (s *apiServer) handleListAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	s.writeList(w, r, "all")
}

func (s *apiServer) handleListStarted(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	s.writeList(w, r, task.StateAssigned)
}

func (s *apiServer) handleListProcessed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	s.writeList(w, r, task.StateCompleted)
}

func (s *apiServer) writeList(w http.ResponseWriter, r *http.Request, state task.State) {
	tasks, err := s.dispatcher.ListByState(r.Context(), state)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponses(tasks))
}
