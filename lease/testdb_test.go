package lease

import (
	"database/sql"
	"path/filepath"
	"testing"

	"leaseworks/internal/sqltest"
)

func newTestDB(t *testing.T) *sql.DB {
	return sqltest.NewDB(t, "lease_test", filepath.Join("conf", "sql", "lease", "001_create_schema.sql"))
}
