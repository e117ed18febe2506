package migrate_test

import (
	"testing"

	"chained/internal/db"
	"chained/internal/migrate"
)

func TestMigrateReportsCurrentVersion(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	v, err := migrate.Current(conn)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if v != 1 {
		t.Fatalf("schema version = %d, want 1", v)
	}

	// Re-running applies nothing and leaves the version alone.
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("re-migrate: %v", err)
	}
	if v, err = migrate.Current(conn); err != nil || v != 1 {
		t.Fatalf("after re-migrate: version=%d err=%v", v, err)
	}
}
