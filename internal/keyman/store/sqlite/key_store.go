package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	dbpkg "github.com/doguSXFR/KeymanServer/internal/db"
	"github.com/doguSXFR/KeymanServer/internal/keyman/store"
)

// KeyStore implements store.KeyStore and store.GrantStore over the
// door_keys and key_grants tables.
type KeyStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewKeyStore(db *sql.DB, writer *dbpkg.Worker) *KeyStore {
	return &KeyStore{db: db, writer: writer}
}

type rowScanner interface {
	Scan(dest ...any) error
}

const keyColumns = `k.id, k.name, k.owner_id, k.endpoint, k.method, k.created_at_ms, k.updated_at_ms`

func scanKey(r rowScanner, extra ...any) (store.KeyRecord, error) {
	var (
		k                    store.KeyRecord
		createdMs, updatedMs int64
	)
	dest := append([]any{&k.ID, &k.Name, &k.OwnerID, &k.Endpoint, &k.Method, &createdMs, &updatedMs}, extra...)
	if err := r.Scan(dest...); err != nil {
		return store.KeyRecord{}, err
	}
	k.CreatedAt = fromMs(createdMs)
	k.UpdatedAt = fromMs(updatedMs)
	return k, nil
}

// ── Keys ─────────────────────────────────────────────────────────────────────

func (s *KeyStore) CreateKey(ctx context.Context, rec store.KeyRecord) (store.KeyRecord, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.CreatedAt = fromMs(toMs(rec.CreatedAt))
	rec.UpdatedAt = rec.CreatedAt

	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT INTO door_keys(name, owner_id, endpoint, method, created_at_ms, updated_at_ms)
VALUES (?, ?, ?, ?, ?, ?);
`, rec.Name, rec.OwnerID, rec.Endpoint, rec.Method, toMs(rec.CreatedAt), toMs(rec.UpdatedAt))
		if err != nil {
			return mapConstraint(err)
		}
		rec.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return store.KeyRecord{}, fmt.Errorf("CreateKey: %w", err)
	}
	return rec, nil
}

func (s *KeyStore) KeyByID(ctx context.Context, id int64) (store.KeyRecord, bool, error) {
	return keyByID(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func keyByID(ctx context.Context, q queryer, id int64) (store.KeyRecord, bool, error) {
	k, err := scanKey(q.QueryRowContext(ctx, `
SELECT `+keyColumns+`
FROM door_keys k WHERE k.id = ?;
`, id))
	if err == sql.ErrNoRows {
		return store.KeyRecord{}, false, nil
	}
	if err != nil {
		return store.KeyRecord{}, false, fmt.Errorf("KeyByID: %w", err)
	}
	return k, true, nil
}

func (s *KeyStore) UpdateKey(ctx context.Context, rec store.KeyRecord) error {
	nowMs := toMs(time.Now())
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE door_keys
SET name = ?,
    endpoint = ?,
    method = ?,
    updated_at_ms = ?
WHERE id = ?;
`, rec.Name, rec.Endpoint, rec.Method, nowMs, rec.ID)
		if err != nil {
			return fmt.Errorf("UpdateKey: %w", err)
		}
		return requireRow(res)
	})
}

// DeleteKey removes the key; grants and audit rows go with it through
// ON DELETE CASCADE.
func (s *KeyStore) DeleteKey(ctx context.Context, id int64) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM door_keys WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("DeleteKey: %w", err)
		}
		return requireRow(res)
	})
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ── Grants ───────────────────────────────────────────────────────────────────

func (s *KeyStore) Grant(ctx context.Context, rec store.GrantRecord) error {
	var tickets any
	if rec.Tickets != nil {
		tickets = *rec.Tickets
	}
	nowMs := toMs(time.Now())

	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO key_grants(user_id, key_id, tickets, created_at_ms)
VALUES (?, ?, ?, ?);
`, rec.UserID, rec.KeyID, tickets, nowMs); err != nil {
			return mapConstraint(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("Grant: %w", err)
	}
	return nil
}

func (s *KeyStore) SetTickets(ctx context.Context, userID, keyID int64, tickets int) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE key_grants SET tickets = ?
WHERE user_id = ? AND key_id = ?;
`, tickets, userID, keyID)
		if err != nil {
			return fmt.Errorf("SetTickets: %w", mapConstraint(err))
		}
		return requireRow(res)
	})
}

func (s *KeyStore) Revoke(ctx context.Context, userID, keyID int64) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
DELETE FROM key_grants WHERE user_id = ? AND key_id = ?;
`, userID, keyID)
		if err != nil {
			return fmt.Errorf("Revoke: %w", err)
		}
		return requireRow(res)
	})
}

func (s *KeyStore) LookupGrant(ctx context.Context, userID, keyID int64) (store.GrantRecord, bool, error) {
	return lookupGrant(ctx, s.db, userID, keyID)
}

func lookupGrant(ctx context.Context, q queryer, userID, keyID int64) (store.GrantRecord, bool, error) {
	var tickets sql.NullInt64
	err := q.QueryRowContext(ctx, `
SELECT tickets FROM key_grants
WHERE user_id = ? AND key_id = ?;
`, userID, keyID).Scan(&tickets)
	if err == sql.ErrNoRows {
		return store.GrantRecord{}, false, nil
	}
	if err != nil {
		return store.GrantRecord{}, false, fmt.Errorf("LookupGrant: %w", err)
	}
	g := store.GrantRecord{UserID: userID, KeyID: keyID}
	if tickets.Valid {
		g.Tickets = store.IntPtr(int(tickets.Int64))
	}
	return g, true, nil
}

func (s *KeyStore) ListAvailable(ctx context.Context, userID int64) ([]store.AvailableKey, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+keyColumns+`, 1 AS owned, NULL AS tickets
FROM door_keys k
WHERE k.owner_id = ?
UNION ALL
SELECT `+keyColumns+`, 0 AS owned, g.tickets
FROM key_grants g
JOIN door_keys k ON k.id = g.key_id
WHERE g.user_id = ? AND k.owner_id <> ?
ORDER BY 1;
`, userID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("ListAvailable: %w", err)
	}
	defer rows.Close()

	var out []store.AvailableKey
	for rows.Next() {
		var (
			owned   int
			tickets sql.NullInt64
		)
		k, err := scanKey(rows, &owned, &tickets)
		if err != nil {
			return nil, fmt.Errorf("ListAvailable scan: %w", err)
		}
		ak := store.AvailableKey{Key: k, Owned: owned == 1}
		if !ak.Owned && tickets.Valid {
			ak.Tickets = store.IntPtr(int(tickets.Int64))
		}
		out = append(out, ak)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListAvailable rows: %w", err)
	}
	return out, nil
}
