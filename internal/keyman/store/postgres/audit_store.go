package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/doguSXFR/KeymanServer/internal/keyman/store"
)

func (s *Store) Journal(ctx context.Context, e store.AuditEntry) (int64, error) {
	return journal(ctx, s.pool, e)
}

func journal(ctx context.Context, q querier, e store.AuditEntry) (int64, error) {
	if !e.Event.Valid() {
		return 0, fmt.Errorf("journal: invalid event type %q", e.Event)
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	var id int64
	err := q.QueryRow(ctx, `
INSERT INTO audit_events (occurred_at, user_id, key_id, event_type)
VALUES ($1, $2, $3, $4)
RETURNING id`, e.OccurredAt.UTC(), e.UserID, e.KeyID, string(e.Event)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("journal: %w", mapPgError(err))
	}
	return id, nil
}

func (s *Store) Since(ctx context.Context, from time.Time) ([]store.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, occurred_at, user_id, key_id, event_type
FROM audit_events
WHERE occurred_at >= $1
ORDER BY occurred_at, id`, from.UTC())
	if err != nil {
		return nil, fmt.Errorf("audit since: %w", err)
	}
	defer rows.Close()

	var out []store.AuditEntry
	for rows.Next() {
		var (
			e     store.AuditEntry
			event string
		)
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.UserID, &e.KeyID, &event); err != nil {
			return nil, fmt.Errorf("audit since scan: %w", err)
		}
		e.OccurredAt = e.OccurredAt.UTC()
		e.Event = store.EventType(event)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ── Transactions ─────────────────────────────────────────────────────────────

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.UnlockTx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, &unlockTx{tx: tx})
	})
}

type unlockTx struct {
	tx pgx.Tx
}

func (t *unlockTx) KeyByID(ctx context.Context, id int64) (store.KeyRecord, bool, error) {
	return keyByID(ctx, t.tx, id)
}

// LookupGrant locks the grant row until the transaction ends.
func (t *unlockTx) LookupGrant(ctx context.Context, userID, keyID int64) (store.GrantRecord, bool, error) {
	return lookupGrant(ctx, t.tx, userID, keyID, " FOR UPDATE")
}

func (t *unlockTx) ConsumeTicket(ctx context.Context, userID, keyID int64) (int, bool, error) {
	var remaining int32
	err := t.tx.QueryRow(ctx, `
UPDATE key_grants
SET tickets = tickets - 1
WHERE user_id = $1 AND key_id = $2 AND tickets IS NOT NULL AND tickets > 0
RETURNING tickets`, userID, keyID).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("consume ticket: %w", err)
	}
	return int(remaining), true, nil
}

func (t *unlockTx) Journal(ctx context.Context, e store.AuditEntry) (int64, error) {
	return journal(ctx, t.tx, e)
}
