package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"CDPLedger/internal/persistence"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

// TestPostgresURL returns the Postgres URL for integration tests, or ""
// when none is configured.
func TestPostgresURL() string {
	return os.Getenv("CDP_TEST_POSTGRES_URL")
}

// TestNATSURL returns the NATS URL for integration tests.
func TestNATSURL() string {
	if url := os.Getenv("CDP_TEST_NATS_URL"); url != "" {
		return url
	}
	return "nats://localhost:4223"
}

// SetupTestDB connects to the test database, applies every migration and
// truncates all tables on cleanup. Skips when CDP_TEST_POSTGRES_URL is unset
// or the database is unreachable.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	url := TestPostgresURL()
	if url == "" {
		t.Skip("CDP_TEST_POSTGRES_URL not set")
	}
	db, err := sql.Open("postgres", url)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		t.Skipf("test postgres not available: %v", err)
	}

	migrator := persistence.NewMigrator(db, MigrationsDir(t), zerolog.Nop())
	if err := migrator.Up(ctx); err != nil {
		db.Close()
		t.Fatalf("migrate test db: %v", err)
	}

	t.Cleanup(func() {
		tables := []string{
			"event_log.events",
			"event_log.journal",
			"event_log.snapshots",
			"projection.positions",
			"projection.deposits",
			"projection.liquidations",
			"projection.balances",
			"projection.watermark",
		}
		for _, table := range tables {
			db.Exec(fmt.Sprintf("TRUNCATE %s CASCADE", table))
		}
		db.Exec(`DELETE FROM projection.system`)
		db.Exec(`INSERT INTO projection.system (id) VALUES (1)`)
		db.Close()
	})

	return db
}

// MigrationsDir finds migrations/ by walking up from the test's package
// directory to the module root.
func MigrationsDir(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return filepath.Join(dir, "migrations")
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("go.mod not found above test directory")
		}
		dir = parent
	}
}

// RequireIntegration skips the test if not running integration tests.
func RequireIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv("INTEGRATION_TEST") == "" {
		t.Skip("skipping integration test (set INTEGRATION_TEST=1 to run)")
	}
}
