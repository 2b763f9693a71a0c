package memory

import (
	"context"
	"sort"
	"time"

	"github.com/doguSXFR/KeymanServer/internal/keyman/store"
)

// ── Keys ─────────────────────────────────────────────────────────────────────

func (s *Store) CreateKey(_ context.Context, rec store.KeyRecord) (store.KeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[rec.OwnerID]; !ok {
		return store.KeyRecord{}, store.ErrNotFound
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = rec.CreatedAt
	s.lastKeyID++
	rec.ID = s.lastKeyID
	s.keys[rec.ID] = rec
	return rec, nil
}

func (s *Store) KeyByID(_ context.Context, id int64) (store.KeyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	return k, ok, nil
}

func (s *Store) UpdateKey(_ context.Context, rec store.KeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[rec.ID]
	if !ok {
		return store.ErrNotFound
	}
	k.Name = rec.Name
	k.Endpoint = rec.Endpoint
	k.Method = rec.Method
	k.UpdatedAt = time.Now().UTC()
	s.keys[k.ID] = k
	return nil
}

func (s *Store) DeleteKey(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.keys, id)
	for gk := range s.grants {
		if gk.keyID == id {
			delete(s.grants, gk)
		}
	}
	kept := s.events[:0]
	for _, e := range s.events {
		if e.KeyID != id {
			kept = append(kept, e)
		}
	}
	s.events = kept
	return nil
}

// ── Grants ───────────────────────────────────────────────────────────────────

func (s *Store) Grant(_ context.Context, rec store.GrantRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[rec.UserID]; !ok {
		return store.ErrNotFound
	}
	if _, ok := s.keys[rec.KeyID]; !ok {
		return store.ErrNotFound
	}
	gk := grantKey{rec.UserID, rec.KeyID}
	if _, dup := s.grants[gk]; dup {
		return store.ErrConflict
	}
	rec.Tickets = copyTickets(rec.Tickets)
	s.grants[gk] = rec
	return nil
}

func (s *Store) SetTickets(_ context.Context, userID, keyID int64, tickets int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	gk := grantKey{userID, keyID}
	g, ok := s.grants[gk]
	if !ok {
		return store.ErrNotFound
	}
	g.Tickets = store.IntPtr(tickets)
	s.grants[gk] = g
	return nil
}

func (s *Store) Revoke(_ context.Context, userID, keyID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	gk := grantKey{userID, keyID}
	if _, ok := s.grants[gk]; !ok {
		return store.ErrNotFound
	}
	delete(s.grants, gk)
	return nil
}

func (s *Store) LookupGrant(_ context.Context, userID, keyID int64) (store.GrantRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupGrantLocked(userID, keyID)
}

func (s *Store) lookupGrantLocked(userID, keyID int64) (store.GrantRecord, bool, error) {
	g, ok := s.grants[grantKey{userID, keyID}]
	if !ok {
		return store.GrantRecord{}, false, nil
	}
	g.Tickets = copyTickets(g.Tickets)
	return g, true, nil
}

func (s *Store) ListAvailable(_ context.Context, userID int64) ([]store.AvailableKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKey := make(map[int64]store.AvailableKey)
	for _, k := range s.keys {
		if k.OwnerID == userID {
			byKey[k.ID] = store.AvailableKey{Key: k, Owned: true}
		}
	}
	for gk, g := range s.grants {
		if gk.userID != userID {
			continue
		}
		if _, owned := byKey[gk.keyID]; owned {
			continue
		}
		byKey[gk.keyID] = store.AvailableKey{Key: s.keys[gk.keyID], Tickets: copyTickets(g.Tickets)}
	}

	out := make([]store.AvailableKey, 0, len(byKey))
	for _, ak := range byKey {
		out = append(out, ak)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.ID < out[j].Key.ID })
	return out, nil
}
