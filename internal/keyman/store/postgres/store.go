// Package postgres implements the store contracts on PostgreSQL through a
// pgx connection pool.  Unlike SQLite there is no single writer, so the
// unlock transaction locks the grant row with SELECT ... FOR UPDATE.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/doguSXFR/KeymanServer/internal/keyman/store"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505": // unique_violation
		return store.ErrConflict
	case "23503": // foreign_key_violation
		return store.ErrNotFound
	}
	return err
}

// ── Users ────────────────────────────────────────────────────────────────────

func (s *Store) CreateUser(ctx context.Context, username, passwordHash string, at time.Time) (store.UserRecord, error) {
	if at.IsZero() {
		at = time.Now()
	}
	u := store.UserRecord{Username: username, PasswordHash: passwordHash, CreatedAt: at.UTC().Truncate(time.Microsecond)}
	err := s.pool.QueryRow(ctx, `
INSERT INTO users (username, password_hash, created_at)
VALUES ($1, $2, $3)
RETURNING id`, username, passwordHash, u.CreatedAt).Scan(&u.ID)
	if err != nil {
		return store.UserRecord{}, fmt.Errorf("create user: %w", mapPgError(err))
	}
	return u, nil
}

func (s *Store) UserByUsername(ctx context.Context, username string) (store.UserRecord, bool, error) {
	return s.queryUser(ctx, `SELECT id, username, password_hash, created_at FROM users WHERE username = $1`, username)
}

func (s *Store) UserByID(ctx context.Context, id int64) (store.UserRecord, bool, error) {
	return s.queryUser(ctx, `SELECT id, username, password_hash, created_at FROM users WHERE id = $1`, id)
}

func (s *Store) queryUser(ctx context.Context, q string, arg any) (store.UserRecord, bool, error) {
	var u store.UserRecord
	err := s.pool.QueryRow(ctx, q, arg).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.UserRecord{}, false, nil
	}
	if err != nil {
		return store.UserRecord{}, false, fmt.Errorf("get user: %w", err)
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, true, nil
}

// ── Sessions ─────────────────────────────────────────────────────────────────

func (s *Store) CreateSession(ctx context.Context, rec store.SessionRecord) (int64, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
INSERT INTO sessions (token_hash, user_id, created_at)
VALUES ($1, $2, $3)
RETURNING id`, rec.TokenHash, rec.UserID, rec.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create session: %w", mapPgError(err))
	}
	return id, nil
}

func (s *Store) ResolveSession(ctx context.Context, tokenHash string) (store.ResolvedSession, bool, error) {
	var rs store.ResolvedSession
	err := s.pool.QueryRow(ctx, `
SELECT s.id, s.token_hash, s.user_id, s.created_at,
       u.id, u.username, u.password_hash, u.created_at
FROM sessions s
JOIN users u ON u.id = s.user_id
WHERE s.token_hash = $1`, tokenHash).Scan(
		&rs.Session.ID, &rs.Session.TokenHash, &rs.Session.UserID, &rs.Session.CreatedAt,
		&rs.User.ID, &rs.User.Username, &rs.User.PasswordHash, &rs.User.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ResolvedSession{}, false, nil
	}
	if err != nil {
		return store.ResolvedSession{}, false, fmt.Errorf("resolve session: %w", err)
	}
	rs.Session.CreatedAt = rs.Session.CreatedAt.UTC()
	rs.User.CreatedAt = rs.User.CreatedAt.UTC()
	return rs, true, nil
}

func (s *Store) PruneSessionsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
