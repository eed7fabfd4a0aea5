// Package dbtest opens throwaway sqlite databases loaded with the service schema.
package dbtest

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"chatstream-api/internal/database"

	_ "modernc.org/sqlite"
)

// ParameterizedSQL represents a statement with optional parameters.
type ParameterizedSQL struct {
	SQL    string
	Params []any
}

// Open returns a file backed sqlite database with the schema applied. A
// single connection is used so concurrent transactions queue instead of
// failing with SQLITE_BUSY.
func Open(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	if err := database.EnsureTables(context.Background(), db); err != nil {
		t.Fatalf("load schema: %v", err)
	}
	return db
}

// ExecAll executes statements sequentially, failing the test on first error.
func ExecAll(t *testing.T, db *sql.DB, items []ParameterizedSQL) {
	t.Helper()
	for _, it := range items {
		if _, err := db.Exec(it.SQL, it.Params...); err != nil {
			t.Fatalf("exec SQL failed: %v\nSQL: %s", err, it.SQL)
		}
	}
}

// SeedUser inserts a user with the given balance
func SeedUser(t *testing.T, db *sql.DB, userID uint64, balance int64) {
	t.Helper()
	ExecAll(t, db, []ParameterizedSQL{{
		SQL:    "INSERT INTO user (id, email, token_balance) VALUES (?, ?, ?)",
		Params: []any{userID, "user@example.com", balance},
	}})
}

// SeedSession inserts an untitled session owned by userID
func SeedSession(t *testing.T, db *sql.DB, sessionID string, userID uint64) {
	t.Helper()
	ExecAll(t, db, []ParameterizedSQL{{
		SQL:    "INSERT INTO chat_session (id, user_id, title, title_set) VALUES (?, ?, ?, ?)",
		Params: []any{sessionID, userID, "", false},
	}})
}

// SeedModel inserts an enabled public model
func SeedModel(t *testing.T, db *sql.DB, modelID uint64, name, url string) {
	t.Helper()
	ExecAll(t, db, []ParameterizedSQL{{
		SQL:    "INSERT INTO model (id, name, url, upstream_model, enabled) VALUES (?, ?, ?, ?, ?)",
		Params: []any{modelID, name, url, name, true},
	}})
}

// Balance reads a user's current balance
func Balance(t *testing.T, db *sql.DB, userID uint64) int64 {
	t.Helper()
	var b int64
	if err := db.QueryRow("SELECT token_balance FROM user WHERE id = ?", userID).Scan(&b); err != nil {
		t.Fatalf("read balance: %v", err)
	}
	return b
}

// UsageRecordCount counts ledger entries for an exchange
func UsageRecordCount(t *testing.T, db *sql.DB, exchangeID string) int {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM usage_record WHERE exchange_id = ?", exchangeID).Scan(&n); err != nil {
		t.Fatalf("count usage records: %v", err)
	}
	return n
}

// SeedExchange inserts an exchange row in the given status
func SeedExchange(t *testing.T, db *sql.DB, exchangeID, sessionID string, userID uint64, status string) {
	t.Helper()
	ExecAll(t, db, []ParameterizedSQL{{
		SQL: `INSERT INTO chat_exchange (id, user_id, session_id, model, user_message, status)
			VALUES (?, ?, ?, ?, ?, ?)`,
		Params: []any{exchangeID, userID, sessionID, "test-model", "hello", status},
	}})
}
