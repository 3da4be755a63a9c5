// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

// PGTest opens a test database, applies every migration, and returns the
// *sql.DB plus a cleanup function.
//
// Tests call it at the top:
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// POSTGRES_URL takes precedence when set; otherwise a disposable container
// is started, and the test is skipped when neither is available. Cleanup
// truncates the application tables so the next test starts from a clean
// slate.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		dbURL = ContainerURL(t)
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	ctx := context.Background()
	if err := migrate(ctx, db, migrationsDir(t)); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: run migrations: %v", err)
	}

	return db, func() {
		resetTables(ctx, db)
		_ = db.Close()
	}
}

// migrationsDir locates the repository's migrations/ directory from this
// source file's position, so the lookup works no matter which package the
// test binary runs in.
func migrationsDir(t *testing.T) string {
	t.Helper()

	_, self, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("pgtest: cannot locate this source file")
	}
	// self is <root>/internal/testutil/pgtest.go.
	dir := filepath.Join(filepath.Dir(self), "..", "..", "migrations")
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("pgtest: no migrations directory at %s", dir)
	}
	return dir
}

// migrate applies the schema through goose so the annotated Up/Down
// sections are honored. Executing the files raw would run the Down
// statements too.
func migrate(ctx context.Context, db *sql.DB, dir string) error {
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, dir)
}

// resetTables truncates every application table with CASCADE so foreign
// keys do not block the wipe. The goose bookkeeping table survives, which
// keeps migrations recorded as applied for the next test in the process.
// Errors are swallowed; this runs in teardown.
func resetTables(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public' AND tablename <> 'goose_db_version'
	`)
	if err != nil {
		return
	}
	defer func() { _ = rows.Close() }()

	var quoted []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			quoted = append(quoted, pq.QuoteIdentifier(name))
		}
	}
	if len(quoted) == 0 {
		return
	}

	_, _ = db.ExecContext(ctx, "TRUNCATE "+strings.Join(quoted, ", ")+" CASCADE")
}
