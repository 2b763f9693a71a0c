package store

import (
	"context"
	"time"
)

type EventType string

const (
	EventDoorOpened       EventType = "DOOR_OPENED"
	EventDoorClosed       EventType = "DOOR_CLOSED"
	EventDoorProblem      EventType = "DOOR_PROBLEM"
	EventNotEnoughTickets EventType = "NOT_ENOUGH_TICKETS"
)

func (e EventType) Valid() bool {
	switch e {
	case EventDoorOpened, EventDoorClosed, EventDoorProblem, EventNotEnoughTickets:
		return true
	}
	return false
}

// AuditEntry is one immutable ledger row.  ID reflects insert order.
type AuditEntry struct {
	ID         int64
	OccurredAt time.Time
	UserID     int64
	KeyID      int64
	Event      EventType
}

// AuditStore persists access decisions as an append-only ledger.
type AuditStore interface {
	Journal(ctx context.Context, e AuditEntry) (int64, error)
	// Since returns entries with OccurredAt >= from, ordered by
	// (OccurredAt, ID).
	Since(ctx context.Context, from time.Time) ([]AuditEntry, error)
}

// UnlockTx is the view of the store available inside one unlock
// transaction.  Everything done through it commits or rolls back
// together.
type UnlockTx interface {
	KeyByID(ctx context.Context, id int64) (KeyRecord, bool, error)
	// LookupGrant reads the grant and, on backends that support it, locks
	// the row until the transaction ends.
	LookupGrant(ctx context.Context, userID, keyID int64) (GrantRecord, bool, error)
	// ConsumeTicket decrements a ticket-limited grant by one if it has
	// tickets left.  ok is false when no row was updated (no grant, an
	// unlimited grant, or zero tickets).
	ConsumeTicket(ctx context.Context, userID, keyID int64) (remaining int, ok bool, err error)
	Journal(ctx context.Context, e AuditEntry) (int64, error)
}

// Transactor runs fn inside a single store transaction.  The transaction
// commits when fn returns nil and rolls back otherwise.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx UnlockTx) error) error
}

// Ledger is an audit store that can also run unlock transactions.  Every
// backend implements it.
type Ledger interface {
	AuditStore
	Transactor
}
