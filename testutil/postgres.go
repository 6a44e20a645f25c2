package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/onnwee/livecheck/db"
)

// SetupTestDB connects to TEST_PG_DSN and applies the journal schema.
// It skips the test if TEST_PG_DSN is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := db.Connect(context.Background(), dsn)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if err := db.Migrate(context.Background(), database); err != nil {
		_ = database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		_, _ = database.Exec(`DELETE FROM recordings WHERE login LIKE 'lc_test_%'`)
		_ = database.Close()
	})
	return database
}
