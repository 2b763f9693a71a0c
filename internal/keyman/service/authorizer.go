package service

import "github.com/doguSXFR/KeymanServer/internal/keyman/store"

type DenyReason int

const (
	DenyNone DenyReason = iota
	DenyNoAccess
	DenyNoTickets
)

// Decision is the outcome of Decide.  Limited is set when the allow
// depends on consuming a ticket; RemainingAfter is then the count the
// grant will hold once that ticket is taken.
type Decision struct {
	Allowed        bool
	Reason         DenyReason
	Limited        bool
	RemainingAfter *int
}

// Decide reports whether userID may open key given its grant (nil when the
// user has none).  Owners always pass.  It never mutates anything; the
// caller commits the decrement.
func Decide(userID int64, key store.KeyRecord, grant *store.GrantRecord) Decision {
	switch {
	case key.OwnerID == userID:
		return Decision{Allowed: true}
	case grant == nil:
		return Decision{Reason: DenyNoAccess}
	case grant.Tickets == nil:
		return Decision{Allowed: true}
	case *grant.Tickets <= 0:
		return Decision{Reason: DenyNoTickets}
	}
	return Decision{Allowed: true, Limited: true, RemainingAfter: store.IntPtr(*grant.Tickets - 1)}
}
