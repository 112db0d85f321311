package migrate

import (
	"context"
	"testing"

	"workdesk/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := Migrate(ctx, conn); err != nil {
			t.Fatalf("migrate run %d: %v", i+1, err)
		}
	}
	latest, err := Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	current, err := CurrentVersion(ctx, conn)
	if err != nil {
		t.Fatalf("current version: %v", err)
	}
	if latest == 0 || current != latest {
		t.Fatalf("expected schema at %d, got %d", latest, current)
	}
	for _, table := range []string{"users", "work_requests", "request_messages", "api_keys", "events"} {
		var name string
		if err := conn.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}
