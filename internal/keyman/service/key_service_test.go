package service_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/doguSXFR/KeymanServer/internal/keyman/service"
	"github.com/doguSXFR/KeymanServer/internal/keyman/store"
)

// ═══════════════════════════════════════════════════════════════════════════
// Key CRUD
// ═══════════════════════════════════════════════════════════════════════════

func TestKeys_CreateNormalizesInput(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		tok, id := f.register(t, "owner")

		k, err := f.keys.CreateKey(context.Background(), tok, service.KeyInput{
			Name: "  Garage ", Endpoint: " https://relay.local/garage ", Method: "post",
		})
		if err != nil {
			t.Fatalf("CreateKey: %v", err)
		}
		if k.ID == 0 || k.OwnerID != id {
			t.Fatalf("unexpected key %+v", k)
		}
		if k.Name != "Garage" || k.Endpoint != "https://relay.local/garage" || k.Method != "POST" {
			t.Errorf("input not normalized: %+v", k)
		}
	})
}

func TestKeys_CreateValidation(t *testing.T) {
	f := newFixture(t, memoryBackend(t))
	tok, _ := f.register(t, "owner")

	cases := []struct {
		name string
		in   service.KeyInput
	}{
		{"empty name", service.KeyInput{Name: "", Endpoint: "http://a/b", Method: "POST"}},
		{"long name", service.KeyInput{Name: strings.Repeat("n", 51), Endpoint: "http://a/b", Method: "POST"}},
		{"relative endpoint", service.KeyInput{Name: "k", Endpoint: "/open", Method: "POST"}},
		{"ftp endpoint", service.KeyInput{Name: "k", Endpoint: "ftp://a/b", Method: "POST"}},
		{"unknown method", service.KeyInput{Name: "k", Endpoint: "http://a/b", Method: "BREW"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.keys.CreateKey(context.Background(), tok, tc.in)
			assertCode(t, err, service.ErrValidation)
		})
	}

	_, err := f.keys.CreateKey(context.Background(), "bad-token", service.KeyInput{Name: "k", Endpoint: "http://a/b", Method: "GET"})
	assertCode(t, err, service.ErrInvalidSession)
}

func TestKeys_UpdateAndDeleteAreOwnerOnly(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		ownerTok, _ := f.register(t, "owner")
		otherTok, _ := f.register(t, "other")
		k := f.createKey(t, ownerTok, "front")

		in := service.KeyInput{Name: "back", Endpoint: "http://door.local/back", Method: "PUT"}
		assertCode(t, f.keys.UpdateKey(ctx, otherTok, k.ID, in), service.ErrNotKeyOwner)
		assertCode(t, f.keys.DeleteKey(ctx, otherTok, k.ID), service.ErrNotKeyOwner)
		assertCode(t, f.keys.UpdateKey(ctx, ownerTok, k.ID+99, in), service.ErrKeyNotFound)

		if err := f.keys.UpdateKey(ctx, ownerTok, k.ID, in); err != nil {
			t.Fatalf("UpdateKey: %v", err)
		}
		keys, err := f.keys.ListMyKeys(ctx, ownerTok)
		if err != nil || len(keys) != 1 {
			t.Fatalf("ListMyKeys: %v %v", keys, err)
		}
		if keys[0].Key.Name != "back" || keys[0].Key.Method != "PUT" {
			t.Errorf("update not applied: %+v", keys[0].Key)
		}

		if err := f.keys.DeleteKey(ctx, ownerTok, k.ID); err != nil {
			t.Fatalf("DeleteKey: %v", err)
		}
		assertCode(t, f.keys.DeleteKey(ctx, ownerTok, k.ID), service.ErrKeyNotFound)
	})
}

func TestKeys_DeleteCascadesGrantsAndHistory(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		ownerTok, _ := f.register(t, "owner")
		guestTok, _ := f.register(t, "guest")
		k := f.createKey(t, ownerTok, "front")

		if err := f.keys.ShareKey(ctx, ownerTok, k.ID, "guest", nil); err != nil {
			t.Fatalf("ShareKey: %v", err)
		}
		if _, err := f.unlock.Unlock(ctx, guestTok, k.ID); err != nil {
			t.Fatalf("Unlock: %v", err)
		}
		if err := f.keys.DeleteKey(ctx, ownerTok, k.ID); err != nil {
			t.Fatalf("DeleteKey: %v", err)
		}

		keys, err := f.keys.ListMyKeys(ctx, guestTok)
		if err != nil || len(keys) != 0 {
			t.Errorf("guest should see no keys: %v %v", keys, err)
		}
		if n := len(f.ledgerEntries(t)); n != 0 {
			t.Errorf("expected history to be removed, got %d entries", n)
		}
	})
}

// ═══════════════════════════════════════════════════════════════════════════
// Sharing
// ═══════════════════════════════════════════════════════════════════════════

func TestKeys_ShareLifecycle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		ownerTok, _ := f.register(t, "owner")
		guestTok, guestID := f.register(t, "guest")
		k := f.createKey(t, ownerTok, "front")

		if err := f.keys.ShareKey(ctx, ownerTok, k.ID, "guest", store.IntPtr(3)); err != nil {
			t.Fatalf("ShareKey: %v", err)
		}
		assertCode(t, f.keys.ShareKey(ctx, ownerTok, k.ID, "guest", nil), service.ErrConflict)

		if err := f.keys.SetTickets(ctx, ownerTok, k.ID, "guest", 10); err != nil {
			t.Fatalf("SetTickets: %v", err)
		}
		if left := f.tickets(t, guestID, k.ID); left == nil || *left != 10 {
			t.Fatalf("expected 10 tickets, got %v", left)
		}

		keys, err := f.keys.ListMyKeys(ctx, guestTok)
		if err != nil || len(keys) != 1 {
			t.Fatalf("ListMyKeys: %v %v", keys, err)
		}
		if keys[0].Owned || keys[0].Tickets == nil || *keys[0].Tickets != 10 {
			t.Errorf("unexpected guest view %+v", keys[0])
		}

		if err := f.keys.RevokeKey(ctx, ownerTok, k.ID, "guest"); err != nil {
			t.Fatalf("RevokeKey: %v", err)
		}
		assertCode(t, f.keys.RevokeKey(ctx, ownerTok, k.ID, "guest"), service.ErrGrantNotFound)
		assertCode(t, f.keys.SetTickets(ctx, ownerTok, k.ID, "guest", 1), service.ErrGrantNotFound)
	})
}

func TestKeys_ShareErrors(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		ownerTok, _ := f.register(t, "owner")
		guestTok, _ := f.register(t, "guest")
		k := f.createKey(t, ownerTok, "front")

		assertCode(t, f.keys.ShareKey(ctx, ownerTok, k.ID, "ghost", nil), service.ErrUserNotFound)
		assertCode(t, f.keys.ShareKey(ctx, ownerTok, k.ID, "owner", nil), service.ErrValidation)
		assertCode(t, f.keys.ShareKey(ctx, ownerTok, k.ID, "", nil), service.ErrValidation)
		assertCode(t, f.keys.ShareKey(ctx, ownerTok, k.ID, "guest", store.IntPtr(-1)), service.ErrValidation)
		assertCode(t, f.keys.ShareKey(ctx, guestTok, k.ID, "owner", nil), service.ErrNotKeyOwner)
		assertCode(t, f.keys.ShareKey(ctx, ownerTok, k.ID+50, "guest", nil), service.ErrKeyNotFound)
		assertCode(t, f.keys.SetTickets(ctx, ownerTok, k.ID, "guest", -2), service.ErrValidation)
	})
}

// ═══════════════════════════════════════════════════════════════════════════
// Listing / history
// ═══════════════════════════════════════════════════════════════════════════

func TestKeys_ListMyKeysMixesOwnedAndShared(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		aTok, _ := f.register(t, "alice")
		bTok, _ := f.register(t, "bob")

		own := f.createKey(t, aTok, "alice-door")
		shared := f.createKey(t, bTok, "bob-door")
		f.createKey(t, bTok, "bob-private")
		if err := f.keys.ShareKey(ctx, bTok, shared.ID, "alice", store.IntPtr(2)); err != nil {
			t.Fatalf("ShareKey: %v", err)
		}

		keys, err := f.keys.ListMyKeys(ctx, aTok)
		if err != nil {
			t.Fatalf("ListMyKeys: %v", err)
		}
		if len(keys) != 2 {
			t.Fatalf("expected 2 keys, got %d", len(keys))
		}
		if keys[0].Key.ID != own.ID || !keys[0].Owned || keys[0].Tickets != nil {
			t.Errorf("unexpected owned row %+v", keys[0])
		}
		if keys[1].Key.ID != shared.ID || keys[1].Owned || keys[1].Tickets == nil || *keys[1].Tickets != 2 {
			t.Errorf("unexpected shared row %+v", keys[1])
		}
	})
}

func TestKeys_HistoryOnlyCoversOwnedKeys(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		aTok, _ := f.register(t, "alice")
		bTok, _ := f.register(t, "bob")

		aKey := f.createKey(t, aTok, "alice-door")
		bKey := f.createKey(t, bTok, "bob-door")
		if err := f.keys.ShareKey(ctx, bTok, bKey.ID, "alice", nil); err != nil {
			t.Fatalf("ShareKey: %v", err)
		}

		for _, call := range []struct {
			tok string
			key int64
		}{{aTok, aKey.ID}, {aTok, bKey.ID}, {bTok, bKey.ID}} {
			if _, err := f.unlock.Unlock(ctx, call.tok, call.key); err != nil {
				t.Fatalf("Unlock: %v", err)
			}
		}

		hist, err := f.keys.History(ctx, aTok, time.Time{})
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		if len(hist) != 1 || hist[0].KeyID != aKey.ID {
			t.Fatalf("alice should only see her key's history, got %+v", hist)
		}

		hist, err = f.keys.History(ctx, bTok, time.Time{})
		if err != nil || len(hist) != 2 {
			t.Fatalf("bob should see 2 entries: %+v %v", hist, err)
		}

		hist, err = f.keys.History(ctx, bTok, time.Now().Add(time.Hour))
		if err != nil || len(hist) != 0 {
			t.Errorf("future cutoff should yield nothing: %+v %v", hist, err)
		}
	})
}
