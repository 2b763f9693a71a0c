package store

import (
	"context"
	"time"
)

// KeyRecord is a registered physical access point and its invocation
// target.
type KeyRecord struct {
	ID        int64
	Name      string
	OwnerID   int64
	Endpoint  string
	Method    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type KeyStore interface {
	CreateKey(ctx context.Context, rec KeyRecord) (KeyRecord, error)
	KeyByID(ctx context.Context, id int64) (KeyRecord, bool, error)
	// UpdateKey overwrites name, endpoint and method.  ErrNotFound if the
	// key does not exist.
	UpdateKey(ctx context.Context, rec KeyRecord) error
	// DeleteKey cascades to grants and audit entries.
	DeleteKey(ctx context.Context, id int64) error
}

// GrantRecord permits a non-owner to use a key.  Tickets nil means
// unlimited.
type GrantRecord struct {
	UserID  int64
	KeyID   int64
	Tickets *int
}

// AvailableKey is one row of ListAvailable: a key the user owns or has
// been granted.  Tickets is always nil for owned keys.
type AvailableKey struct {
	Key     KeyRecord
	Owned   bool
	Tickets *int
}

type GrantStore interface {
	// Grant returns ErrConflict if the pair already has a grant.
	Grant(ctx context.Context, rec GrantRecord) error
	// SetTickets returns ErrNotFound if the pair has no grant.
	SetTickets(ctx context.Context, userID, keyID int64, tickets int) error
	// Revoke returns ErrNotFound if the pair has no grant.
	Revoke(ctx context.Context, userID, keyID int64) error
	LookupGrant(ctx context.Context, userID, keyID int64) (GrantRecord, bool, error)
	// ListAvailable returns owned and granted keys, deduplicated by key
	// id and ordered by key id.
	ListAvailable(ctx context.Context, userID int64) ([]AvailableKey, error)
}

// IntPtr is a convenience for building ticket counts.
func IntPtr(v int) *int { return &v }
