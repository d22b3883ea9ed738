package pg

import (
	"database/sql"
	"errors"
	"os"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// testDB opens the database named by NEOMAGI_TEST_PG_DSN (a postgres://
// URL) and applies migrations. Tests are skipped when the variable is
// unset so the suite stays green without a database.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	dsn := os.Getenv("NEOMAGI_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("NEOMAGI_TEST_PG_DSN not set")
	}

	m, err := migrate.New("file://../../../migrations", dsn)
	if err != nil {
		t.Fatalf("create migrator: %v", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		t.Fatalf("migrate up: %v", err)
	}
	m.Close()

	db, err := OpenDB(dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
