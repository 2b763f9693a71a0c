package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	dbpkg "github.com/doguSXFR/KeymanServer/internal/db"
	"github.com/doguSXFR/KeymanServer/internal/keyman/store"
)

type UserStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewUserStore(db *sql.DB, writer *dbpkg.Worker) *UserStore {
	return &UserStore{db: db, writer: writer}
}

func (s *UserStore) CreateUser(ctx context.Context, username, passwordHash string, at time.Time) (store.UserRecord, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	rec := store.UserRecord{
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    fromMs(toMs(at)),
	}

	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT INTO users(username, password_hash, created_at_ms)
VALUES (?, ?, ?);
`, username, passwordHash, toMs(at))
		if err != nil {
			return mapConstraint(err)
		}
		rec.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return store.UserRecord{}, fmt.Errorf("CreateUser: %w", err)
	}
	return rec, nil
}

func (s *UserStore) UserByUsername(ctx context.Context, username string) (store.UserRecord, bool, error) {
	return s.queryUser(ctx, "UserByUsername", `
SELECT id, username, password_hash, created_at_ms
FROM users WHERE username = ?;
`, username)
}

func (s *UserStore) UserByID(ctx context.Context, id int64) (store.UserRecord, bool, error) {
	return s.queryUser(ctx, "UserByID", `
SELECT id, username, password_hash, created_at_ms
FROM users WHERE id = ?;
`, id)
}

func (s *UserStore) queryUser(ctx context.Context, op, q string, arg any) (store.UserRecord, bool, error) {
	var (
		u         store.UserRecord
		createdMs int64
	)
	err := s.db.QueryRowContext(ctx, q, arg).Scan(&u.ID, &u.Username, &u.PasswordHash, &createdMs)
	if err == sql.ErrNoRows {
		return store.UserRecord{}, false, nil
	}
	if err != nil {
		return store.UserRecord{}, false, fmt.Errorf("%s: %w", op, err)
	}
	u.CreatedAt = fromMs(createdMs)
	return u, true, nil
}
