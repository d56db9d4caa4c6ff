package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/microsoft/go-mssqldb"

	"leaseworks/lease"
)

var (
	addrFlag          = flag.String("addr", envOrDefault("PORT", ":8081"), "HTTP listen address")
	leaseTTLFlag      = flag.String("lease-ttl", envOrDefault("LEASE_TTL", ""), "lease lifetime granted by acquire/renew (e.g. 30s); empty uses the package default")
	mssqlHostFlag     = flag.String("sql-host", envOrDefault("MSSQL_HOST", "localhost"), "SQL Server host")
	mssqlPortFlag     = flag.String("sql-port", envOrDefault("MSSQL_PORT", "1433"), "SQL Server port")
	mssqlUserFlag     = flag.String("sql-user", envOrDefault("MSSQL_USER", "sa"), "SQL Server user")
	mssqlPasswordFlag = flag.String("sql-password", envOrDefault("MSSQL_SA_PASSWORD", ""), "SQL Server password")
	mssqlDBFlag       = flag.String("sql-db", envOrDefault("MSSQL_DATABASE", "leaseworks"), "SQL Server database")
	mssqlEncryptFlag  = flag.String("sql-encrypt", envOrDefault("MSSQL_ENCRYPT", "disable"), "SQL Server encrypt setting")
)

func main() {
	flag.Parse()

	if dsnOverride := os.Getenv("DATABASE_URL"); dsnOverride != "" {
		runWithDSN(dsnOverride)
		return
	}

	dsn, err := buildSQLServerDSN(*mssqlHostFlag, *mssqlPortFlag, *mssqlUserFlag, *mssqlPasswordFlag, *mssqlDBFlag, *mssqlEncryptFlag)
	if err != nil {
		log.Fatalf("build SQL Server DSN: %v", err)
	}
	runWithDSN(dsn)
}

func runWithDSN(dsn string) {
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		log.Fatalf("open SQL Server: %v", err)
	}
	defer func() {
		_ = db.Close()
	}()

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancel()
		log.Fatalf("ping SQL Server: %v", err)
	}
	cancel()

	ttl, err := parseOptionalDuration(*leaseTTLFlag)
	if err != nil {
		log.Fatalf("parse lease ttl: %v", err)
	}

	manager, err := lease.NewManager(db, ttl)
	if err != nil {
		log.Fatalf("construct lease manager: %v", err)
	}
	metrics := lease.NewMetrics()
	manager.SetMetrics(metrics)

	server := &apiServer{manager: manager}
	mux := newMux(server, db, metrics)

	httpServer := &http.Server{
		Addr:    *addrFlag,
		Handler: mux,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	shutdownDone := make(chan struct{})
	go func() {
		<-stop
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
		close(shutdownDone)
	}()

	log.Printf("lease-manager listening on %s", *addrFlag)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server: %v", err)
	}
	<-shutdownDone
}

func envOrDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

// parseOptionalDuration returns 0 (the caller's "use the default" sentinel)
// when raw is empty, per spec §6's LEASE_TTL/HEARTBEAT_INTERVAL contract.
func parseOptionalDuration(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	return time.ParseDuration(raw)
}

func buildSQLServerDSN(host, port, user, password, database, encrypt string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("sql password is required")
	}
	uri := &url.URL{
		Scheme: "sqlserver",
		User:   url.UserPassword(user, password),
		Host:   fmt.Sprintf("%s:%s", host, port),
	}
	query := url.Values{}
	query.Set("database", database)
	query.Set("encrypt", encrypt)
	uri.RawQuery = query.Encode()
	return uri.String(), nil
}
