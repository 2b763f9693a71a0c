package httpapi

import (
	"time"

	"github.com/doguSXFR/KeymanServer/internal/keyman/store"
)

// ── Requests ─────────────────────────────────────────────────────────────────

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type keyRequest struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	Method   string `json:"method"`
}

type shareRequest struct {
	Username string `json:"username"`
	Tickets  *int   `json:"tickets"` // null or absent means unlimited
}

type ticketsRequest struct {
	Tickets *int `json:"tickets"`
}

type unlockRequest struct {
	KeyID int64 `json:"key_id"`
}

// ── Responses ────────────────────────────────────────────────────────────────

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

type profileResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type keyResponse struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	OwnerID   int64  `json:"owner_id"`
	Endpoint  string `json:"endpoint,omitempty"`
	Method    string `json:"method,omitempty"`
	Owned     bool   `json:"owned"`
	Tickets   *int   `json:"tickets"`
	CreatedAt string `json:"created_at"`
}

type keyListResponse struct {
	Keys []keyResponse `json:"keys"`
}

type unlockResponse struct {
	Success          bool `json:"success"`
	RemainingTickets *int `json:"remaining_tickets"`
}

type auditEventResponse struct {
	ID         int64  `json:"id"`
	OccurredAt string `json:"occurred_at"`
	UserID     int64  `json:"user_id"`
	KeyID      int64  `json:"key_id"`
	Event      string `json:"event"`
}

type auditListResponse struct {
	Events []auditEventResponse `json:"events"`
}

// ownedKeyToResponse is used for keys the caller has just created.
func ownedKeyToResponse(k store.KeyRecord) keyResponse {
	return keyToResponse(store.AvailableKey{Key: k, Owned: true})
}

// keyToResponse hides the invocation target from non-owners.
func keyToResponse(ak store.AvailableKey) keyResponse {
	r := keyResponse{
		ID:        ak.Key.ID,
		Name:      ak.Key.Name,
		OwnerID:   ak.Key.OwnerID,
		Owned:     ak.Owned,
		Tickets:   ak.Tickets,
		CreatedAt: ak.Key.CreatedAt.UTC().Format(time.RFC3339),
	}
	if ak.Owned {
		r.Endpoint = ak.Key.Endpoint
		r.Method = ak.Key.Method
	}
	return r
}

func keysToResponse(keys []store.AvailableKey) keyListResponse {
	out := keyListResponse{Keys: make([]keyResponse, 0, len(keys))}
	for _, k := range keys {
		out.Keys = append(out.Keys, keyToResponse(k))
	}
	return out
}

func auditToResponse(entries []store.AuditEntry) auditListResponse {
	out := auditListResponse{Events: make([]auditEventResponse, 0, len(entries))}
	for _, e := range entries {
		out.Events = append(out.Events, auditEventResponse{
			ID:         e.ID,
			OccurredAt: e.OccurredAt.UTC().Format(time.RFC3339Nano),
			UserID:     e.UserID,
			KeyID:      e.KeyID,
			Event:      string(e.Event),
		})
	}
	return out
}
