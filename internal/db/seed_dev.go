package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type SeedDevOptions struct {
	Username     string
	PasswordHash string // bcrypt hash; the caller owns hashing
	KeyName      string
	Endpoint     string
	Method       string
}

// SeedDev creates a demo user owning one key.  Running it again is a no-op.
func SeedDev(ctx context.Context, db *sql.DB, opt SeedDevOptions) error {
	if opt.Username == "" {
		opt.Username = "demo"
	}
	if opt.KeyName == "" {
		opt.KeyName = "Main Door"
	}
	if opt.Endpoint == "" {
		opt.Endpoint = "http://127.0.0.1:8081/open"
	}
	if opt.Method == "" {
		opt.Method = "POST"
	}
	if opt.PasswordHash == "" {
		return fmt.Errorf("seed dev: password hash is required")
	}

	now := time.Now().UTC().UnixMilli()

	if _, err := db.ExecContext(ctx, `
INSERT OR IGNORE INTO users(username, password_hash, created_at_ms)
VALUES (?, ?, ?);`, opt.Username, opt.PasswordHash, now); err != nil {
		return fmt.Errorf("seed user: %w", err)
	}

	var ownerID int64
	if err := db.QueryRowContext(ctx,
		"SELECT id FROM users WHERE username = ?;", opt.Username,
	).Scan(&ownerID); err != nil {
		return fmt.Errorf("seed user lookup: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
INSERT INTO door_keys(name, owner_id, endpoint, method, created_at_ms, updated_at_ms)
SELECT ?, ?, ?, ?, ?, ?
WHERE NOT EXISTS (SELECT 1 FROM door_keys WHERE owner_id = ? AND name = ?);`,
		opt.KeyName, ownerID, opt.Endpoint, opt.Method, now, now, ownerID, opt.KeyName,
	); err != nil {
		return fmt.Errorf("seed key: %w", err)
	}

	return nil
}
