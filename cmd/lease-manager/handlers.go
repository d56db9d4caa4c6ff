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

	"leaseworks/lease"
)

type apiServer struct {
	manager *lease.Manager
}

func handleMetrics(metrics *lease.Metrics) http.HandlerFunc {
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

// handleLeases serves POST /leases (acquire) and GET /leases?state=...
// (list_by_state).
func (s *apiServer) handleLeases(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleAcquire(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
	}
}

func (s *apiServer) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var req acquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	req.Resource = strings.TrimSpace(req.Resource)
	req.Holder = strings.TrimSpace(req.Holder)
	if req.Resource == "" || req.Holder == "" {
		writeError(w, http.StatusBadRequest, "resource and holder are required", "")
		return
	}

	granted, err := s.manager.Acquire(r.Context(), req.Resource, req.Holder)
	if err != nil {
		var conflict lease.ConflictError
		if errors.As(err, &conflict) {
			writeError(w, http.StatusConflict, "lease conflict", conflict.Reason)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, toLeaseResponse(granted))
}

func (s *apiServer) handleList(w http.ResponseWriter, r *http.Request) {
	state := lease.State(r.URL.Query().Get("state"))
	leases, err := s.manager.ListByState(r.Context(), state)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toLeaseResponses(leases))
}

// handleRenew serves PUT /leases/renew.
func (s *apiServer) handleRenew(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	var req renewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	req.Resource = strings.TrimSpace(req.Resource)
	req.Holder = strings.TrimSpace(req.Holder)
	if req.Resource == "" || req.Holder == "" {
		writeError(w, http.StatusBadRequest, "resource and holder are required", "")
		return
	}

	renewed, err := s.manager.Renew(r.Context(), req.Resource, req.Holder)
	if err != nil {
		var conflict lease.ConflictError
		var notFound lease.NotFoundError
		switch {
		case errors.As(err, &conflict):
			writeError(w, http.StatusConflict, "lease conflict", conflict.Reason)
		case errors.As(err, &notFound):
			writeError(w, http.StatusNotFound, "lease not found", notFound.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal error", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, toLeaseResponse(renewed))
}

// handleLeaseByID serves DELETE /leases/{id} (release).
func (s *apiServer) handleLeaseByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	idStr := strings.TrimPrefix(r.URL.Path, "/leases/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid lease id", err.Error())
		return
	}

	released, err := s.manager.Release(r.Context(), id)
	if err != nil {
		var notFound lease.NotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "lease not found", notFound.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toLeaseResponse(released))
}
