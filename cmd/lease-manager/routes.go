package main

import (
	"database/sql"
	"net/http"

	"leaseworks/lease"
)

func newMux(server *apiServer, db *sql.DB, metrics *lease.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealthz)
	mux.HandleFunc("/readyz", handleReadyz(db))
	mux.Handle("/metrics", handleMetrics(metrics))
	mux.HandleFunc("/leases", server.handleLeases)
	mux.HandleFunc("/leases/renew", server.handleRenew)
	mux.HandleFunc("/leases/", server.handleLeaseByID)
	return mux
}
