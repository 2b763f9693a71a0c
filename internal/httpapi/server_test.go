package httpapi_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/doguSXFR/KeymanServer/internal/httpapi"
	"github.com/doguSXFR/KeymanServer/internal/keyman/actuator"
	"github.com/doguSXFR/KeymanServer/internal/keyman/service"
	"github.com/doguSXFR/KeymanServer/internal/keyman/store/memory"
	"github.com/doguSXFR/KeymanServer/internal/metrics"
)

type testEnv struct {
	ts       *httptest.Server
	doorURL  string
	doorHits *atomic.Int64
}

// newTestServer wires up the full dependency graph using the in-memory
// store, a real HTTP actuator and a fake door, and returns an
// httptest.Server whose URL can be hit with a plain http.Client.
func newTestServer(t *testing.T, authPerMinute int) *testEnv {
	t.Helper()

	hits := &atomic.Int64{}
	door := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/broken" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(door.Close)

	m := memory.New()
	sessions := service.NewSessionService(m, service.SessionPolicy{}, nil)
	met := metrics.New(prometheus.NewRegistry())

	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger: zap.NewNop(),
		Addr:   ":0",
		Auth:   service.NewAuthService(m, service.NewBcryptHasher(bcrypt.MinCost), sessions, nil),
		Keys: service.NewKeyService(service.KeyStores{
			Users: m, Keys: m, Grants: m, Audit: m,
		}, sessions, nil),
		Unlock: service.NewUnlockService(service.UnlockDeps{
			Sessions: sessions,
			Ledger:   m,
			Actuator: actuator.NewHTTP(door.Client()),
			Metrics:  met,
		}, service.UnlockConfig{StorageTimeout: 5 * time.Second, ActuatorTimeout: 2 * time.Second}),
		Metrics:       met,
		AuthPerMinute: authPerMinute,
		AuthBurst:     3,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, doorURL: door.URL, doorHits: hits}
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()

	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) register(t *testing.T, username string) string {
	t.Helper()

	resp := e.do(t, http.MethodPost, "/v1/auth/register", "",
		fmt.Sprintf(`{"username":%q,"password":"correct horse"}`, username))
	expectStatus(t, resp, http.StatusCreated)
	var tr struct {
		Token string `json:"token"`
	}
	decode(t, resp, &tr)
	if len(tr.Token) != service.TokenLength {
		t.Fatalf("unexpected token length %d", len(tr.Token))
	}
	return tr.Token
}

func (e *testEnv) createKey(t *testing.T, token, name, path string) int64 {
	t.Helper()

	resp := e.do(t, http.MethodPost, "/v1/keys", token,
		fmt.Sprintf(`{"name":%q,"endpoint":%q,"method":"POST"}`, name, e.doorURL+path))
	expectStatus(t, resp, http.StatusCreated)
	var k struct {
		ID int64 `json:"id"`
	}
	decode(t, resp, &k)
	return k.ID
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected %d, got %d: %s", want, resp.StatusCode, body)
	}
}

func expectError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	expectStatus(t, resp, status)
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	decode(t, resp, &e)
	if e.Error != code {
		t.Fatalf("expected error %s, got %s (%s)", code, e.Error, e.Message)
	}
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// ── Auth ─────────────────────────────────────────────────────────────────────

func TestRegisterLoginProfile(t *testing.T) {
	env := newTestServer(t, 0)
	env.register(t, "alice")

	resp := env.do(t, http.MethodPost, "/v1/auth/login", "", `{"username":"alice","password":"correct horse"}`)
	expectStatus(t, resp, http.StatusOK)
	var tr struct {
		Token string `json:"token"`
	}
	decode(t, resp, &tr)

	resp = env.do(t, http.MethodGet, "/v1/auth/profile", tr.Token, "")
	expectStatus(t, resp, http.StatusOK)
	var p struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	}
	decode(t, resp, &p)
	if p.Username != "alice" || p.ID == 0 {
		t.Errorf("unexpected profile %+v", p)
	}
}

func TestRegister_DuplicateIs409(t *testing.T) {
	env := newTestServer(t, 0)
	env.register(t, "alice")

	resp := env.do(t, http.MethodPost, "/v1/auth/register", "", `{"username":"alice","password":"correct horse"}`)
	expectError(t, resp, http.StatusConflict, "CONFLICT")
}

func TestLogin_BadCredentialsIs401(t *testing.T) {
	env := newTestServer(t, 0)
	env.register(t, "alice")

	resp := env.do(t, http.MethodPost, "/v1/auth/login", "", `{"username":"alice","password":"nope nope nope"}`)
	expectError(t, resp, http.StatusUnauthorized, "INVALID_CREDENTIALS")
}

func TestProfile_MissingTokenIs401(t *testing.T) {
	env := newTestServer(t, 0)
	resp := env.do(t, http.MethodGet, "/v1/auth/profile", "", "")
	expectError(t, resp, http.StatusUnauthorized, "INVALID_SESSION")
}

func TestInvalidJSON_400(t *testing.T) {
	env := newTestServer(t, 0)

	resp := env.do(t, http.MethodPost, "/v1/auth/login", "", `not json at all`)
	expectError(t, resp, http.StatusBadRequest, "VALIDATION")

	resp = env.do(t, http.MethodPost, "/v1/auth/login", "", `{"username":"a","password":"b","extra":1}`)
	expectError(t, resp, http.StatusBadRequest, "VALIDATION")
}

func TestAuthRateLimit_429(t *testing.T) {
	env := newTestServer(t, 1) // burst 3, then one per minute

	for i := 0; i < 3; i++ {
		resp := env.do(t, http.MethodPost, "/v1/auth/login", "", `{"username":"ghost","password":"whatever1"}`)
		expectStatus(t, resp, http.StatusUnauthorized)
	}
	resp := env.do(t, http.MethodPost, "/v1/auth/login", "", `{"username":"ghost","password":"whatever1"}`)
	expectError(t, resp, http.StatusTooManyRequests, "RATE_LIMITED")

	// Other routes are not limited.
	resp = env.do(t, http.MethodGet, "/healthz", "", "")
	expectStatus(t, resp, http.StatusOK)
}

// ── Keys ─────────────────────────────────────────────────────────────────────

func TestKeyLifecycle(t *testing.T) {
	env := newTestServer(t, 0)
	owner := env.register(t, "owner")
	guest := env.register(t, "guest")
	id := env.createKey(t, owner, "front", "/open")
	path := fmt.Sprintf("/v1/keys/%d", id)

	resp := env.do(t, http.MethodPut, path, guest, `{"name":"x","endpoint":"http://a/b","method":"GET"}`)
	expectError(t, resp, http.StatusForbidden, "NOT_KEY_OWNER")

	resp = env.do(t, http.MethodPut, path, owner, fmt.Sprintf(`{"name":"renamed","endpoint":"%s/open","method":"PUT"}`, env.doorURL))
	expectStatus(t, resp, http.StatusNoContent)

	resp = env.do(t, http.MethodPost, path+"/shares", owner, `{"username":"guest","tickets":2}`)
	expectStatus(t, resp, http.StatusCreated)
	resp = env.do(t, http.MethodPost, path+"/shares", owner, `{"username":"guest"}`)
	expectError(t, resp, http.StatusConflict, "CONFLICT")

	resp = env.do(t, http.MethodGet, "/v1/keys", guest, "")
	expectStatus(t, resp, http.StatusOK)
	var list struct {
		Keys []struct {
			ID       int64  `json:"id"`
			Name     string `json:"name"`
			Endpoint string `json:"endpoint"`
			Owned    bool   `json:"owned"`
			Tickets  *int   `json:"tickets"`
		} `json:"keys"`
	}
	decode(t, resp, &list)
	if len(list.Keys) != 1 {
		t.Fatalf("expected 1 key, got %d", len(list.Keys))
	}
	k := list.Keys[0]
	if k.ID != id || k.Name != "renamed" || k.Owned || k.Tickets == nil || *k.Tickets != 2 {
		t.Errorf("unexpected guest view %+v", k)
	}
	if k.Endpoint != "" {
		t.Error("endpoint must be hidden from non-owners")
	}

	resp = env.do(t, http.MethodPut, path+"/shares/guest", owner, `{"tickets":7}`)
	expectStatus(t, resp, http.StatusNoContent)
	resp = env.do(t, http.MethodPut, path+"/shares/guest", owner, `{}`)
	expectError(t, resp, http.StatusBadRequest, "VALIDATION")

	resp = env.do(t, http.MethodDelete, path+"/shares/guest", owner, "")
	expectStatus(t, resp, http.StatusNoContent)
	resp = env.do(t, http.MethodDelete, path+"/shares/guest", owner, "")
	expectError(t, resp, http.StatusNotFound, "GRANT_NOT_FOUND")

	resp = env.do(t, http.MethodDelete, path, owner, "")
	expectStatus(t, resp, http.StatusNoContent)
	resp = env.do(t, http.MethodDelete, path, owner, "")
	expectError(t, resp, http.StatusNotFound, "KEY_NOT_FOUND")
}

func TestKeyID_MustBeNumeric(t *testing.T) {
	env := newTestServer(t, 0)
	owner := env.register(t, "owner")

	resp := env.do(t, http.MethodDelete, "/v1/keys/abc", owner, "")
	expectError(t, resp, http.StatusBadRequest, "VALIDATION")
}

// ── Unlock ───────────────────────────────────────────────────────────────────

func TestUnlock_TicketsThenExhausted(t *testing.T) {
	env := newTestServer(t, 0)
	owner := env.register(t, "owner")
	guest := env.register(t, "guest")
	id := env.createKey(t, owner, "front", "/open")

	resp := env.do(t, http.MethodPost, fmt.Sprintf("/v1/keys/%d/shares", id), owner, `{"username":"guest","tickets":1}`)
	expectStatus(t, resp, http.StatusCreated)

	body := fmt.Sprintf(`{"key_id":%d}`, id)
	resp = env.do(t, http.MethodPost, "/v1/unlock", guest, body)
	expectStatus(t, resp, http.StatusOK)
	var ur struct {
		Success          bool `json:"success"`
		RemainingTickets *int `json:"remaining_tickets"`
	}
	decode(t, resp, &ur)
	if !ur.Success || ur.RemainingTickets == nil || *ur.RemainingTickets != 0 {
		t.Fatalf("unexpected unlock result %+v", ur)
	}

	resp = env.do(t, http.MethodPost, "/v1/unlock", guest, body)
	expectError(t, resp, http.StatusConflict, "NOT_ENOUGH_TICKETS")

	if env.doorHits.Load() != 1 {
		t.Errorf("expected 1 door call, got %d", env.doorHits.Load())
	}
}

func TestUnlock_OwnerHasNullRemaining(t *testing.T) {
	env := newTestServer(t, 0)
	owner := env.register(t, "owner")
	id := env.createKey(t, owner, "front", "/open")

	resp := env.do(t, http.MethodPost, "/v1/unlock", owner, fmt.Sprintf(`{"key_id":%d}`, id))
	expectStatus(t, resp, http.StatusOK)

	raw, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(raw, []byte(`"remaining_tickets":null`)) {
		t.Errorf("expected explicit null remaining_tickets, got %s", raw)
	}
}

func TestUnlock_Errors(t *testing.T) {
	env := newTestServer(t, 0)
	owner := env.register(t, "owner")
	stranger := env.register(t, "stranger")
	id := env.createKey(t, owner, "front", "/open")
	broken := env.createKey(t, owner, "back", "/broken")

	resp := env.do(t, http.MethodPost, "/v1/unlock", "bogus", fmt.Sprintf(`{"key_id":%d}`, id))
	expectError(t, resp, http.StatusUnauthorized, "INVALID_SESSION")

	resp = env.do(t, http.MethodPost, "/v1/unlock", stranger, fmt.Sprintf(`{"key_id":%d}`, id))
	expectError(t, resp, http.StatusForbidden, "UNALLOWED_UNLOCK")

	resp = env.do(t, http.MethodPost, "/v1/unlock", owner, fmt.Sprintf(`{"key_id":%d}`, broken))
	expectError(t, resp, http.StatusBadGateway, "ACTUATOR_FAULT")
}

// ── Audit ────────────────────────────────────────────────────────────────────

func TestAudit_History(t *testing.T) {
	env := newTestServer(t, 0)
	owner := env.register(t, "owner")
	id := env.createKey(t, owner, "front", "/open")

	for i := 0; i < 2; i++ {
		resp := env.do(t, http.MethodPost, "/v1/unlock", owner, fmt.Sprintf(`{"key_id":%d}`, id))
		expectStatus(t, resp, http.StatusOK)
	}

	resp := env.do(t, http.MethodGet, "/v1/audit", owner, "")
	expectStatus(t, resp, http.StatusOK)
	var al struct {
		Events []struct {
			KeyID int64  `json:"key_id"`
			Event string `json:"event"`
		} `json:"events"`
	}
	decode(t, resp, &al)
	if len(al.Events) != 2 || al.Events[0].Event != "DOOR_OPENED" || al.Events[0].KeyID != id {
		t.Fatalf("unexpected history %+v", al.Events)
	}

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	resp = env.do(t, http.MethodGet, "/v1/audit?since="+future, owner, "")
	expectStatus(t, resp, http.StatusOK)
	decode(t, resp, &al)
	if len(al.Events) != 0 {
		t.Errorf("expected no events after %s, got %d", future, len(al.Events))
	}

	resp = env.do(t, http.MethodGet, "/v1/audit?since=yesterday", owner, "")
	expectError(t, resp, http.StatusBadRequest, "VALIDATION")
}

// ── Protobuf negotiation ─────────────────────────────────────────────────────

func TestProtobufStructRoundTrip(t *testing.T) {
	env := newTestServer(t, 0)
	env.register(t, "alice")

	in, err := structpb.NewStruct(map[string]any{"username": "alice", "password": "correct horse"})
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	data, err := proto.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	resp, err := http.Post(env.ts.URL+"/v1/auth/login", "application/x-protobuf", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusOK)

	if ct := resp.Header.Get("Content-Type"); ct != "application/x-protobuf" {
		t.Fatalf("expected protobuf response, got %q", ct)
	}
	raw, _ := io.ReadAll(resp.Body)
	var out structpb.Struct
	if err := proto.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if tok := out.GetFields()["token"].GetStringValue(); len(tok) != service.TokenLength {
		t.Errorf("expected token in protobuf response, got %q", tok)
	}
}

func TestProtobufGarbage_400(t *testing.T) {
	env := newTestServer(t, 0)

	resp, err := http.Post(env.ts.URL+"/v1/auth/login", "application/x-protobuf", bytes.NewReader([]byte{0xff, 0xff, 0xff}))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

// ── Ops endpoints ────────────────────────────────────────────────────────────

func TestHealthzAndMetrics(t *testing.T) {
	env := newTestServer(t, 0)

	resp := env.do(t, http.MethodGet, "/healthz", "", "")
	expectStatus(t, resp, http.StatusOK)
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}

	resp = env.do(t, http.MethodGet, "/metrics", "", "")
	expectStatus(t, resp, http.StatusOK)
	raw, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(raw, []byte(`keyman_http_requests_total{method="GET",route="GET /healthz",status="200"} 1`)) {
		t.Errorf("expected healthz to be counted, got:\n%s", raw)
	}
}
