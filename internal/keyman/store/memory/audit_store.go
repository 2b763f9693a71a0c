package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/doguSXFR/KeymanServer/internal/keyman/store"
)

func (s *Store) Journal(_ context.Context, e store.AuditEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.journalLocked(e)
}

func (s *Store) journalLocked(e store.AuditEntry) (int64, error) {
	if !e.Event.Valid() {
		return 0, fmt.Errorf("journal: invalid event type %q", e.Event)
	}
	if _, ok := s.users[e.UserID]; !ok {
		return 0, fmt.Errorf("journal: unknown user %d", e.UserID)
	}
	if _, ok := s.keys[e.KeyID]; !ok {
		return 0, fmt.Errorf("journal: unknown key %d", e.KeyID)
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	s.lastEventID++
	e.ID = s.lastEventID
	s.events = append(s.events, e)
	return e.ID, nil
}

func (s *Store) Since(_ context.Context, from time.Time) ([]store.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.AuditEntry
	for _, e := range s.events {
		if !e.OccurredAt.Before(from) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OccurredAt.Before(out[j].OccurredAt)
	})
	return out, nil
}

// Events returns a copy of all journaled entries in insert order.
// Test-only helper.
func (s *Store) Events() []store.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.AuditEntry, len(s.events))
	copy(out, s.events)
	return out
}

// ── Transactions ─────────────────────────────────────────────────────────────

// InTx holds the store lock for the whole of fn.  Ticket decrements and
// journal entries are staged and only applied when fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.UnlockTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s, consumed: make(map[grantKey]int)}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	for gk, n := range tx.consumed {
		g := s.grants[gk]
		left := *g.Tickets - n
		g.Tickets = &left
		s.grants[gk] = g
	}
	for _, e := range tx.staged {
		s.lastEventID++
		e.ID = s.lastEventID
		s.events = append(s.events, e)
	}
	return nil
}

type memTx struct {
	s        *Store
	consumed map[grantKey]int
	staged   []store.AuditEntry
}

func (t *memTx) KeyByID(_ context.Context, id int64) (store.KeyRecord, bool, error) {
	k, ok := t.s.keys[id]
	return k, ok, nil
}

func (t *memTx) LookupGrant(_ context.Context, userID, keyID int64) (store.GrantRecord, bool, error) {
	g, ok, err := t.s.lookupGrantLocked(userID, keyID)
	if !ok || err != nil || g.Tickets == nil {
		return g, ok, err
	}
	left := *g.Tickets - t.consumed[grantKey{userID, keyID}]
	g.Tickets = &left
	return g, true, nil
}

func (t *memTx) ConsumeTicket(ctx context.Context, userID, keyID int64) (int, bool, error) {
	g, ok, err := t.LookupGrant(ctx, userID, keyID)
	if err != nil || !ok || g.Tickets == nil || *g.Tickets <= 0 {
		return 0, false, err
	}
	t.consumed[grantKey{userID, keyID}]++
	return *g.Tickets - 1, true, nil
}

func (t *memTx) Journal(_ context.Context, e store.AuditEntry) (int64, error) {
	if !e.Event.Valid() {
		return 0, fmt.Errorf("journal: invalid event type %q", e.Event)
	}
	if _, ok := t.s.keys[e.KeyID]; !ok {
		return 0, fmt.Errorf("journal: unknown key %d", e.KeyID)
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	t.staged = append(t.staged, e)
	// IDs are assigned at commit; report the one this entry will get.
	return t.s.lastEventID + int64(len(t.staged)), nil
}
