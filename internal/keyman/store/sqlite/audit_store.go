package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	dbpkg "github.com/doguSXFR/KeymanServer/internal/db"
	"github.com/doguSXFR/KeymanServer/internal/keyman/store"
)

// AuditStore implements store.AuditStore and store.Transactor.  The unlock
// transaction runs on the single writer, so the conditional ticket
// decrement and the journal insert are serialized with every other write.
type AuditStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewAuditStore(db *sql.DB, writer *dbpkg.Worker) *AuditStore {
	return &AuditStore{db: db, writer: writer}
}

func (s *AuditStore) Journal(ctx context.Context, e store.AuditEntry) (int64, error) {
	var id int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		id, err = journal(ctx, tx, e)
		return err
	})
	return id, err
}

func journal(ctx context.Context, tx *sql.Tx, e store.AuditEntry) (int64, error) {
	if !e.Event.Valid() {
		return 0, fmt.Errorf("Journal: invalid event type %q", e.Event)
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	res, err := tx.ExecContext(ctx, `
INSERT INTO audit_events(occurred_at_ms, user_id, key_id, event_type)
VALUES (?, ?, ?, ?);
`, toMs(e.OccurredAt), e.UserID, e.KeyID, string(e.Event))
	if err != nil {
		return 0, fmt.Errorf("Journal insert: %w", mapConstraint(err))
	}
	return res.LastInsertId()
}

func (s *AuditStore) Since(ctx context.Context, from time.Time) ([]store.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, occurred_at_ms, user_id, key_id, event_type
FROM audit_events
WHERE occurred_at_ms >= ?
ORDER BY occurred_at_ms, id;
`, toMs(from))
	if err != nil {
		return nil, fmt.Errorf("Since: %w", err)
	}
	defer rows.Close()

	var out []store.AuditEntry
	for rows.Next() {
		var (
			e     store.AuditEntry
			atMs  int64
			event string
		)
		if err := rows.Scan(&e.ID, &atMs, &e.UserID, &e.KeyID, &event); err != nil {
			return nil, fmt.Errorf("Since scan: %w", err)
		}
		e.OccurredAt = fromMs(atMs)
		e.Event = store.EventType(event)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Since rows: %w", err)
	}
	return out, nil
}

// ── Transactions ─────────────────────────────────────────────────────────────

func (s *AuditStore) InTx(ctx context.Context, fn func(ctx context.Context, tx store.UnlockTx) error) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, &unlockTx{tx: tx})
	})
}

type unlockTx struct {
	tx *sql.Tx
}

func (t *unlockTx) KeyByID(ctx context.Context, id int64) (store.KeyRecord, bool, error) {
	return keyByID(ctx, t.tx, id)
}

func (t *unlockTx) LookupGrant(ctx context.Context, userID, keyID int64) (store.GrantRecord, bool, error) {
	return lookupGrant(ctx, t.tx, userID, keyID)
}

// ConsumeTicket only touches a row that still has tickets, so the count can
// never go below zero no matter how many unlocks race for it.
func (t *unlockTx) ConsumeTicket(ctx context.Context, userID, keyID int64) (int, bool, error) {
	var remaining int
	err := t.tx.QueryRowContext(ctx, `
UPDATE key_grants
SET tickets = tickets - 1
WHERE user_id = ? AND key_id = ? AND tickets IS NOT NULL AND tickets > 0
RETURNING tickets;
`, userID, keyID).Scan(&remaining)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("ConsumeTicket: %w", err)
	}
	return remaining, true, nil
}

func (t *unlockTx) Journal(ctx context.Context, e store.AuditEntry) (int64, error) {
	return journal(ctx, t.tx, e)
}
