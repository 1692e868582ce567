// Package testutil provides shared helpers for integration tests: a
// TEST_PG_DSN-gated database setup and HTTP mocks for the provider APIs.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/onnwee/chatxp/backend/db"
)

// SetupTestDB creates a test database connection, runs migrations, and clears
// the domain tables. It skips the test if TEST_PG_DSN is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Migrate(context.Background(), database); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	for _, tbl := range []string{"chat_messages", "user_experience", "livestreams", "oauth_tokens", "kv"} {
		if _, err := database.Exec("DELETE FROM " + tbl); err != nil {
			database.Close()
			t.Fatalf("failed to clear %s: %v", tbl, err)
		}
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}
