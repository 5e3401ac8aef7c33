package repository

import (
	"context"
	"os"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/saltfish/wfsearch/internal/db"
)

// setupTestDB connects to TEST_DATABASE_URL, applies the schema and empties the given
// tables. Tests skip when the variable is unset.
func setupTestDB(t *testing.T, tables ...string) *db.Pool {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	pool, err := db.NewPoolFromURL(ctx, url, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("connect to test database: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := pool.EnsureSchema(ctx); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	if len(tables) > 0 {
		if _, err := pool.Exec(ctx, "TRUNCATE TABLE "+strings.Join(tables, ", ")+" CASCADE"); err != nil {
			t.Fatalf("truncate %v: %v", tables, err)
		}
	}
	return pool
}
