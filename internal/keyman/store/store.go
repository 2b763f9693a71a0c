// Package store defines the persistence contracts for users, sessions,
// keys, grants and the audit ledger.  Backends live in the memory, sqlite
// and postgres subpackages.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrConflict reports a unique-constraint violation (duplicate
	// username, token hash, or (user, key) grant).
	ErrConflict = errors.New("store: conflict")

	// ErrNotFound reports that an update or delete matched no row.
	ErrNotFound = errors.New("store: not found")
)

type UserRecord struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// UserStore is the user directory.
type UserStore interface {
	CreateUser(ctx context.Context, username, passwordHash string, at time.Time) (UserRecord, error)
	UserByUsername(ctx context.Context, username string) (UserRecord, bool, error)
	UserByID(ctx context.Context, id int64) (UserRecord, bool, error)
}

// SessionRecord is a persisted session.  Only the SHA-256 hex digest of
// the bearer token is stored.
type SessionRecord struct {
	ID        int64
	TokenHash string
	UserID    int64
	CreatedAt time.Time
}

// ResolvedSession is a session joined to its user.
type ResolvedSession struct {
	Session SessionRecord
	User    UserRecord
}

type SessionStore interface {
	// CreateSession returns ErrConflict when the token hash already exists.
	CreateSession(ctx context.Context, rec SessionRecord) (int64, error)
	ResolveSession(ctx context.Context, tokenHash string) (ResolvedSession, bool, error)
	PruneSessionsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
