package service_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/doguSXFR/KeymanServer/internal/db"
	"github.com/doguSXFR/KeymanServer/internal/keyman/service"
	"github.com/doguSXFR/KeymanServer/internal/keyman/store"
	"github.com/doguSXFR/KeymanServer/internal/keyman/store/memory"
	sqlitestore "github.com/doguSXFR/KeymanServer/internal/keyman/store/sqlite"
)

// fixture wires every service over one backend.
type fixture struct {
	ledger   store.Ledger
	grants   store.GrantStore
	sessions *service.SessionService
	auth     *service.AuthService
	keys     *service.KeyService
	unlock   *service.UnlockService
	door     *fakeDoor
	events   *fakePublisher
}

type backendStores struct {
	users    store.UserStore
	sessions store.SessionStore
	keys     store.KeyStore
	grants   store.GrantStore
	ledger   store.Ledger
}

func memoryBackend(t *testing.T) backendStores {
	t.Helper()
	m := memory.New()
	return backendStores{users: m, sessions: m, keys: m, grants: m, ledger: m}
}

func sqliteBackend(t *testing.T) backendStores {
	t.Helper()

	conn, err := db.Open(context.Background(), db.Config{Path: filepath.Join(t.TempDir(), "keyman.db")})
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	w := db.NewWorker(conn)
	t.Cleanup(func() {
		w.Close()
		conn.Close()
	})

	ks := sqlitestore.NewKeyStore(conn, w)
	return backendStores{
		users:    sqlitestore.NewUserStore(conn, w),
		sessions: sqlitestore.NewSessionStore(conn, w),
		keys:     ks,
		grants:   ks,
		ledger:   sqlitestore.NewAuditStore(conn, w),
	}
}

var backends = map[string]func(*testing.T) backendStores{
	"memory": memoryBackend,
	"sqlite": sqliteBackend,
}

// forEachBackend runs fn once per store backend as a subtest.
func forEachBackend(t *testing.T, fn func(t *testing.T, f *fixture)) {
	for name, mk := range backends {
		t.Run(name, func(t *testing.T) {
			fn(t, newFixture(t, mk(t)))
		})
	}
}

func newFixture(t *testing.T, b backendStores) *fixture {
	t.Helper()

	sessions := service.NewSessionService(b.sessions, service.SessionPolicy{}, nil)
	door := &fakeDoor{}
	pub := &fakePublisher{}
	return &fixture{
		ledger:   b.ledger,
		grants:   b.grants,
		sessions: sessions,
		auth:     service.NewAuthService(b.users, service.NewBcryptHasher(bcrypt.MinCost), sessions, nil),
		keys: service.NewKeyService(service.KeyStores{
			Users: b.users, Keys: b.keys, Grants: b.grants, Audit: b.ledger,
		}, sessions, nil),
		unlock: service.NewUnlockService(service.UnlockDeps{
			Sessions:  sessions,
			Ledger:    b.ledger,
			Actuator:  door,
			Publisher: pub,
		}, service.UnlockConfig{StorageTimeout: 5 * time.Second, ActuatorTimeout: time.Second}),
		door:   door,
		events: pub,
	}
}

// register creates a user and returns its token and id.
func (f *fixture) register(t *testing.T, username string) (string, int64) {
	t.Helper()

	token, err := f.auth.Register(context.Background(), username, "correct horse")
	if err != nil {
		t.Fatalf("Register %s: %v", username, err)
	}
	u, err := f.sessions.Resolve(context.Background(), token)
	if err != nil {
		t.Fatalf("Resolve %s: %v", username, err)
	}
	return token, u.ID
}

func (f *fixture) createKey(t *testing.T, ownerToken, name string) store.KeyRecord {
	t.Helper()

	k, err := f.keys.CreateKey(context.Background(), ownerToken, service.KeyInput{
		Name: name, Endpoint: "http://door.local/" + name, Method: "POST",
	})
	if err != nil {
		t.Fatalf("CreateKey %s: %v", name, err)
	}
	return k
}

func (f *fixture) ledgerEntries(t *testing.T) []store.AuditEntry {
	t.Helper()

	entries, err := f.ledger.Since(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	return entries
}

func (f *fixture) tickets(t *testing.T, userID, keyID int64) *int {
	t.Helper()

	g, ok, err := f.grants.LookupGrant(context.Background(), userID, keyID)
	if err != nil || !ok {
		t.Fatalf("LookupGrant: ok=%v err=%v", ok, err)
	}
	return g.Tickets
}

func countEvents(entries []store.AuditEntry, ev store.EventType) int {
	n := 0
	for _, e := range entries {
		if e.Event == ev {
			n++
		}
	}
	return n
}

func assertCode(t *testing.T, err error, want *service.Error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %s, got %v", want.Code, err)
	}
}

// ── Fakes ────────────────────────────────────────────────────────────────────

type fakeDoor struct {
	mu    sync.Mutex
	calls int
	err   error
	seen  []string
}

func (d *fakeDoor) Invoke(ctx context.Context, endpoint, method string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.seen = append(d.seen, method+" "+endpoint)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return d.err
}

func (d *fakeDoor) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fakePublisher struct {
	mu      sync.Mutex
	entries []store.AuditEntry
	err     error
}

func (p *fakePublisher) Publish(_ context.Context, e store.AuditEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.entries = append(p.entries, e)
	return nil
}

func (p *fakePublisher) Entries() []store.AuditEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]store.AuditEntry(nil), p.entries...)
}

type timeoutErr struct{}

func (timeoutErr) Error() string { return "i/o timeout" }
func (timeoutErr) Timeout() bool { return true }
