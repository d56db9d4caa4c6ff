package task

import (
	"database/sql"
	"path/filepath"
	"testing"

	"leaseworks/internal/sqltest"
)

func newTestDB(t *testing.T) *sql.DB {
	return sqltest.NewDB(t, "task_test", filepath.Join("conf", "sql", "task", "001_create_schema.sql"))
}
