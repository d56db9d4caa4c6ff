package main

import (
	"database/sql"
	"net/http"

	"leaseworks/task"
)

func newMux(server *apiServer, db *sql.DB, metrics *task.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealthz)
	mux.HandleFunc("/readyz", handleReadyz(db))
	mux.Handle("/metrics", handleMetrics(metrics))
	mux.HandleFunc("/tasks/next", server.handleNext)
	mux.HandleFunc("/tasks/schedule", server.handleSchedule)
	mux.HandleFunc("/tasks/started", server.handleListStarted)
	mux.HandleFunc("/tasks/processed", server.handleListProcessed)
	mux.HandleFunc("/tasks", server.handleListAll)
	mux.HandleFunc("/tasks/", server.handleTaskByID)
	return mux
}
