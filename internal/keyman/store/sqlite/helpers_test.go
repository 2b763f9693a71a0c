package sqlite_test

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/doguSXFR/KeymanServer/internal/db"
)

// openTestDB returns an in-memory SQLite connection with the same PRAGMAs
// and schema as production.  The connection is closed automatically when the
// test finishes.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	// Each call gets a unique in-memory database.  The shared-cache URI
	// keeps the database alive for the lifetime of the connection pool
	// (important because sql.DB may close/reopen the underlying conn).
	dsn := fmt.Sprintf(
		"file:test_%s?mode=memory&cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)",
		strings.ReplaceAll(t.Name(), "/", "_"),
	)

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("openTestDB: sql.Open: %v", err)
	}

	// Match production: single connection for SQLite safety.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.Ping(); err != nil {
		conn.Close()
		t.Fatalf("openTestDB: ping: %v", err)
	}

	if err := db.Migrate(context.Background(), conn); err != nil {
		conn.Close()
		t.Fatalf("openTestDB: migrate: %v", err)
	}

	t.Cleanup(func() { conn.Close() })
	return conn
}

// newTestWriter returns a db.Worker backed by conn.  The worker is closed
// automatically when the test finishes.
func newTestWriter(t *testing.T, conn *sql.DB) *db.Worker {
	t.Helper()

	w := db.NewWorker(conn)
	t.Cleanup(func() { w.Close() })
	return w
}

// seedUser inserts a user row directly and returns its id.
func seedUser(t *testing.T, conn *sql.DB, username string) int64 {
	t.Helper()

	res, err := conn.ExecContext(context.Background(), `
INSERT INTO users(username, password_hash, created_at_ms) VALUES (?, 'x', ?);`,
		username, time.Now().UTC().UnixMilli())
	if err != nil {
		t.Fatalf("seedUser %s: %v", username, err)
	}
	id, _ := res.LastInsertId()
	return id
}

// seedKey inserts a key owned by ownerID and returns its id.
func seedKey(t *testing.T, conn *sql.DB, ownerID int64, name string) int64 {
	t.Helper()

	nowMs := time.Now().UTC().UnixMilli()
	res, err := conn.ExecContext(context.Background(), `
INSERT INTO door_keys(name, owner_id, endpoint, method, created_at_ms, updated_at_ms)
VALUES (?, ?, 'http://door.local/open', 'POST', ?, ?);`, name, ownerID, nowMs, nowMs)
	if err != nil {
		t.Fatalf("seedKey %s: %v", name, err)
	}
	id, _ := res.LastInsertId()
	return id
}

func countRows(t *testing.T, conn *sql.DB, q string, args ...any) int {
	t.Helper()

	var n int
	if err := conn.QueryRowContext(context.Background(), q, args...).Scan(&n); err != nil {
		t.Fatalf("countRows: %v", err)
	}
	return n
}
