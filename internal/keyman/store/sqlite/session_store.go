package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	dbpkg "github.com/doguSXFR/KeymanServer/internal/db"
	"github.com/doguSXFR/KeymanServer/internal/keyman/store"
)

type SessionStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewSessionStore(db *sql.DB, writer *dbpkg.Worker) *SessionStore {
	return &SessionStore{db: db, writer: writer}
}

func (s *SessionStore) CreateSession(ctx context.Context, rec store.SessionRecord) (int64, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	var id int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT INTO sessions(token_hash, user_id, created_at_ms)
VALUES (?, ?, ?);
`, rec.TokenHash, rec.UserID, toMs(rec.CreatedAt))
		if err != nil {
			return mapConstraint(err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("CreateSession: %w", err)
	}
	return id, nil
}

func (s *SessionStore) ResolveSession(ctx context.Context, tokenHash string) (store.ResolvedSession, bool, error) {
	var (
		rs                    store.ResolvedSession
		sessMs, userCreatedMs int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT s.id, s.token_hash, s.user_id, s.created_at_ms,
       u.id, u.username, u.password_hash, u.created_at_ms
FROM sessions s
JOIN users u ON u.id = s.user_id
WHERE s.token_hash = ?;
`, tokenHash).Scan(
		&rs.Session.ID, &rs.Session.TokenHash, &rs.Session.UserID, &sessMs,
		&rs.User.ID, &rs.User.Username, &rs.User.PasswordHash, &userCreatedMs,
	)
	if err == sql.ErrNoRows {
		return store.ResolvedSession{}, false, nil
	}
	if err != nil {
		return store.ResolvedSession{}, false, fmt.Errorf("ResolveSession: %w", err)
	}
	rs.Session.CreatedAt = fromMs(sessMs)
	rs.User.CreatedAt = fromMs(userCreatedMs)
	return rs, true, nil
}

// PruneSessionsOlderThan deletes sessions created before cutoff and
// returns the number of rows deleted.
func (s *SessionStore) PruneSessionsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
DELETE FROM sessions
WHERE created_at_ms < ?;
`, toMs(cutoff))
		if err != nil {
			return fmt.Errorf("PruneSessionsOlderThan: %w", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}
