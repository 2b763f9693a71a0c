// Package memory is an in-process implementation of every store contract.
// It is intended for tests and dev environments; one Store value holds all
// tables so cascades and transactions behave like the SQL backends.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/doguSXFR/KeymanServer/internal/keyman/store"
)

type grantKey struct {
	userID int64
	keyID  int64
}

type Store struct {
	mu sync.Mutex

	lastUserID    int64
	lastSessionID int64
	lastKeyID     int64
	lastEventID   int64

	users     map[int64]store.UserRecord
	usernames map[string]int64
	sessions  map[string]store.SessionRecord // keyed by token hash
	keys      map[int64]store.KeyRecord
	grants    map[grantKey]store.GrantRecord
	events    []store.AuditEntry
}

func New() *Store {
	return &Store{
		users:     make(map[int64]store.UserRecord),
		usernames: make(map[string]int64),
		sessions:  make(map[string]store.SessionRecord),
		keys:      make(map[int64]store.KeyRecord),
		grants:    make(map[grantKey]store.GrantRecord),
	}
}

// ── Users ────────────────────────────────────────────────────────────────────

func (s *Store) CreateUser(_ context.Context, username, passwordHash string, at time.Time) (store.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.usernames[username]; taken {
		return store.UserRecord{}, store.ErrConflict
	}
	s.lastUserID++
	u := store.UserRecord{
		ID:           s.lastUserID,
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    at.UTC(),
	}
	s.users[u.ID] = u
	s.usernames[username] = u.ID
	return u, nil
}

func (s *Store) UserByUsername(_ context.Context, username string) (store.UserRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.usernames[username]
	if !ok {
		return store.UserRecord{}, false, nil
	}
	return s.users[id], true, nil
}

func (s *Store) UserByID(_ context.Context, id int64) (store.UserRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	return u, ok, nil
}

// ── Sessions ─────────────────────────────────────────────────────────────────

func (s *Store) CreateSession(_ context.Context, rec store.SessionRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[rec.UserID]; !ok {
		return 0, store.ErrNotFound
	}
	if _, dup := s.sessions[rec.TokenHash]; dup {
		return 0, store.ErrConflict
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.lastSessionID++
	rec.ID = s.lastSessionID
	s.sessions[rec.TokenHash] = rec
	return rec.ID, nil
}

func (s *Store) ResolveSession(_ context.Context, tokenHash string) (store.ResolvedSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[tokenHash]
	if !ok {
		return store.ResolvedSession{}, false, nil
	}
	u, ok := s.users[sess.UserID]
	if !ok {
		return store.ResolvedSession{}, false, nil
	}
	return store.ResolvedSession{Session: sess, User: u}, true, nil
}

func (s *Store) PruneSessionsOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for h, sess := range s.sessions {
		if sess.CreatedAt.Before(cutoff) {
			delete(s.sessions, h)
			n++
		}
	}
	return n, nil
}

// SessionCount returns the number of live sessions.  Test-only helper.
func (s *Store) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func copyTickets(t *int) *int {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
