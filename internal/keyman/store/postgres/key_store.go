package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/doguSXFR/KeymanServer/internal/keyman/store"
)

const keyColumns = `k.id, k.name, k.owner_id, k.endpoint, k.method, k.created_at, k.updated_at`

func scanKey(row pgx.Row, extra ...any) (store.KeyRecord, error) {
	var k store.KeyRecord
	dest := append([]any{&k.ID, &k.Name, &k.OwnerID, &k.Endpoint, &k.Method, &k.CreatedAt, &k.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return store.KeyRecord{}, err
	}
	k.CreatedAt = k.CreatedAt.UTC()
	k.UpdatedAt = k.UpdatedAt.UTC()
	return k, nil
}

// ── Keys ─────────────────────────────────────────────────────────────────────

func (s *Store) CreateKey(ctx context.Context, rec store.KeyRecord) (store.KeyRecord, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Microsecond)
	rec.UpdatedAt = rec.CreatedAt

	err := s.pool.QueryRow(ctx, `
INSERT INTO door_keys (name, owner_id, endpoint, method, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id`, rec.Name, rec.OwnerID, rec.Endpoint, rec.Method, rec.CreatedAt, rec.UpdatedAt).Scan(&rec.ID)
	if err != nil {
		return store.KeyRecord{}, fmt.Errorf("create key: %w", mapPgError(err))
	}
	return rec, nil
}

func (s *Store) KeyByID(ctx context.Context, id int64) (store.KeyRecord, bool, error) {
	return keyByID(ctx, s.pool, id)
}

func keyByID(ctx context.Context, q querier, id int64) (store.KeyRecord, bool, error) {
	k, err := scanKey(q.QueryRow(ctx, `SELECT `+keyColumns+` FROM door_keys k WHERE k.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.KeyRecord{}, false, nil
	}
	if err != nil {
		return store.KeyRecord{}, false, fmt.Errorf("get key: %w", err)
	}
	return k, true, nil
}

func (s *Store) UpdateKey(ctx context.Context, rec store.KeyRecord) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE door_keys
SET name = $1, endpoint = $2, method = $3, updated_at = $4
WHERE id = $5`, rec.Name, rec.Endpoint, rec.Method, time.Now().UTC(), rec.ID)
	if err != nil {
		return fmt.Errorf("update key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteKey(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM door_keys WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ── Grants ───────────────────────────────────────────────────────────────────

func (s *Store) Grant(ctx context.Context, rec store.GrantRecord) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO key_grants (user_id, key_id, tickets, created_at)
VALUES ($1, $2, $3, $4)`, rec.UserID, rec.KeyID, rec.Tickets, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("grant: %w", mapPgError(err))
	}
	return nil
}

func (s *Store) SetTickets(ctx context.Context, userID, keyID int64, tickets int) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE key_grants SET tickets = $1
WHERE user_id = $2 AND key_id = $3`, tickets, userID, keyID)
	if err != nil {
		return fmt.Errorf("set tickets: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) Revoke(ctx context.Context, userID, keyID int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM key_grants WHERE user_id = $1 AND key_id = $2`, userID, keyID)
	if err != nil {
		return fmt.Errorf("revoke: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) LookupGrant(ctx context.Context, userID, keyID int64) (store.GrantRecord, bool, error) {
	return lookupGrant(ctx, s.pool, userID, keyID, "")
}

func lookupGrant(ctx context.Context, q querier, userID, keyID int64, suffix string) (store.GrantRecord, bool, error) {
	var tickets *int32
	err := q.QueryRow(ctx, `
SELECT tickets FROM key_grants
WHERE user_id = $1 AND key_id = $2`+suffix, userID, keyID).Scan(&tickets)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.GrantRecord{}, false, nil
	}
	if err != nil {
		return store.GrantRecord{}, false, fmt.Errorf("lookup grant: %w", err)
	}
	g := store.GrantRecord{UserID: userID, KeyID: keyID}
	if tickets != nil {
		g.Tickets = store.IntPtr(int(*tickets))
	}
	return g, true, nil
}

func (s *Store) ListAvailable(ctx context.Context, userID int64) ([]store.AvailableKey, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+keyColumns+`, TRUE AS owned, NULL::INTEGER AS tickets
FROM door_keys k
WHERE k.owner_id = $1
UNION ALL
SELECT `+keyColumns+`, FALSE AS owned, g.tickets
FROM key_grants g
JOIN door_keys k ON k.id = g.key_id
WHERE g.user_id = $1 AND k.owner_id <> $1
ORDER BY 1`, userID)
	if err != nil {
		return nil, fmt.Errorf("list available: %w", err)
	}
	defer rows.Close()

	var out []store.AvailableKey
	for rows.Next() {
		var (
			owned   bool
			tickets *int32
		)
		k, err := scanKey(rows, &owned, &tickets)
		if err != nil {
			return nil, fmt.Errorf("list available scan: %w", err)
		}
		ak := store.AvailableKey{Key: k, Owned: owned}
		if !owned && tickets != nil {
			ak.Tickets = store.IntPtr(int(*tickets))
		}
		out = append(out, ak)
	}
	return out, rows.Err()
}
