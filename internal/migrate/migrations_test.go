package migrate_test

import (
	"path/filepath"
	"testing"

	"issueforge/internal/db"
	"issueforge/internal/migrate"
)

func TestMigrateReachesLatest(t *testing.T) {
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "schema.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	latest, err := migrate.Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest < 2 {
		t.Fatalf("latest version %d, want at least 2", latest)
	}
	if v, err := migrate.Current(conn); err != nil || v != 0 {
		t.Fatalf("fresh database at version %d (%v)", v, err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if v, err := migrate.Current(conn); err != nil || v != latest {
		t.Fatalf("current %d, latest %d (%v)", v, latest, err)
	}
	// a second run is a no-op
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("re-migrate: %v", err)
	}
	if v, _ := migrate.Current(conn); v != latest {
		t.Fatalf("version moved to %d", v)
	}
}
