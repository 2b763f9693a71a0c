package service

import (
	"context"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/doguSXFR/KeymanServer/internal/keyman/store"
)

const (
	maxKeyNameLen  = 50
	maxEndpointLen = 200
	maxMethodLen   = 50
)

var allowedMethods = map[string]struct{}{
	"GET": {}, "POST": {}, "PUT": {}, "PATCH": {}, "DELETE": {},
}

// KeyInput is the owner-editable part of a key.
type KeyInput struct {
	Name     string
	Endpoint string
	Method   string
}

// KeyStores bundles the persistence the key registry needs.
type KeyStores struct {
	Users  store.UserStore
	Keys   store.KeyStore
	Grants store.GrantStore
	Audit  store.AuditStore
}

// KeyService is the key registry: owner-only management of keys and their
// shares, plus the caller's key list and audit history.
type KeyService struct {
	st       KeyStores
	sessions *SessionService
	log      *zap.Logger
}

func NewKeyService(st KeyStores, sessions *SessionService, log *zap.Logger) *KeyService {
	if log == nil {
		log = zap.NewNop()
	}
	return &KeyService{st: st, sessions: sessions, log: log}
}

func (s *KeyService) CreateKey(ctx context.Context, token string, in KeyInput) (store.KeyRecord, error) {
	user, err := s.sessions.Resolve(ctx, token)
	if err != nil {
		return store.KeyRecord{}, err
	}
	in, err = normalizeKeyInput(in)
	if err != nil {
		return store.KeyRecord{}, err
	}

	k, err := s.st.Keys.CreateKey(ctx, store.KeyRecord{
		Name:      in.Name,
		OwnerID:   user.ID,
		Endpoint:  in.Endpoint,
		Method:    in.Method,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return store.KeyRecord{}, fromStore("create key", err, ErrUserNotFound)
	}
	s.log.Info("key created", zap.Int64("key_id", k.ID), zap.Int64("owner_id", user.ID))
	return k, nil
}

func (s *KeyService) UpdateKey(ctx context.Context, token string, keyID int64, in KeyInput) error {
	_, key, err := s.ownedKey(ctx, token, keyID)
	if err != nil {
		return err
	}
	in, err = normalizeKeyInput(in)
	if err != nil {
		return err
	}

	key.Name, key.Endpoint, key.Method = in.Name, in.Endpoint, in.Method
	return fromStore("update key", s.st.Keys.UpdateKey(ctx, key), ErrKeyNotFound)
}

// DeleteKey removes the key with all of its shares and audit history.
func (s *KeyService) DeleteKey(ctx context.Context, token string, keyID int64) error {
	user, _, err := s.ownedKey(ctx, token, keyID)
	if err != nil {
		return err
	}
	if err := s.st.Keys.DeleteKey(ctx, keyID); err != nil {
		return fromStore("delete key", err, ErrKeyNotFound)
	}
	s.log.Info("key deleted", zap.Int64("key_id", keyID), zap.Int64("owner_id", user.ID))
	return nil
}

// ShareKey grants username access to the key.  tickets nil means
// unlimited.
func (s *KeyService) ShareKey(ctx context.Context, token string, keyID int64, username string, tickets *int) error {
	owner, _, err := s.ownedKey(ctx, token, keyID)
	if err != nil {
		return err
	}
	if tickets != nil && *tickets < 0 {
		return validation("tickets must not be negative")
	}
	target, err := s.shareTarget(ctx, owner, username)
	if err != nil {
		return err
	}

	err = s.st.Grants.Grant(ctx, store.GrantRecord{UserID: target.ID, KeyID: keyID, Tickets: tickets})
	if err != nil {
		return fromStore("share key", err, ErrKeyNotFound)
	}
	s.log.Info("key shared",
		zap.Int64("key_id", keyID), zap.Int64("user_id", target.ID), zap.Any("tickets", tickets))
	return nil
}

func (s *KeyService) SetTickets(ctx context.Context, token string, keyID int64, username string, tickets int) error {
	owner, _, err := s.ownedKey(ctx, token, keyID)
	if err != nil {
		return err
	}
	if tickets < 0 {
		return validation("tickets must not be negative")
	}
	target, err := s.shareTarget(ctx, owner, username)
	if err != nil {
		return err
	}
	return fromStore("set tickets", s.st.Grants.SetTickets(ctx, target.ID, keyID, tickets), ErrGrantNotFound)
}

func (s *KeyService) RevokeKey(ctx context.Context, token string, keyID int64, username string) error {
	owner, _, err := s.ownedKey(ctx, token, keyID)
	if err != nil {
		return err
	}
	target, err := s.shareTarget(ctx, owner, username)
	if err != nil {
		return err
	}
	if err := s.st.Grants.Revoke(ctx, target.ID, keyID); err != nil {
		return fromStore("revoke key", err, ErrGrantNotFound)
	}
	s.log.Info("key revoked", zap.Int64("key_id", keyID), zap.Int64("user_id", target.ID))
	return nil
}

// ListMyKeys returns every key the caller owns or has been granted.
func (s *KeyService) ListMyKeys(ctx context.Context, token string) ([]store.AvailableKey, error) {
	user, err := s.sessions.Resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	keys, err := s.st.Grants.ListAvailable(ctx, user.ID)
	if err != nil {
		return nil, storageError("list keys", err)
	}
	return keys, nil
}

// History returns audit entries at or after since for the keys the caller
// owns.
func (s *KeyService) History(ctx context.Context, token string, since time.Time) ([]store.AuditEntry, error) {
	user, err := s.sessions.Resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	keys, err := s.st.Grants.ListAvailable(ctx, user.ID)
	if err != nil {
		return nil, storageError("list keys", err)
	}
	owned := make(map[int64]struct{}, len(keys))
	for _, k := range keys {
		if k.Owned {
			owned[k.Key.ID] = struct{}{}
		}
	}
	if len(owned) == 0 {
		return []store.AuditEntry{}, nil
	}

	entries, err := s.st.Audit.Since(ctx, since)
	if err != nil {
		return nil, storageError("audit history", err)
	}
	out := entries[:0]
	for _, e := range entries {
		if _, ok := owned[e.KeyID]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *KeyService) ownedKey(ctx context.Context, token string, keyID int64) (store.UserRecord, store.KeyRecord, error) {
	user, err := s.sessions.Resolve(ctx, token)
	if err != nil {
		return store.UserRecord{}, store.KeyRecord{}, err
	}
	key, ok, err := s.st.Keys.KeyByID(ctx, keyID)
	if err != nil {
		return store.UserRecord{}, store.KeyRecord{}, storageError("lookup key", err)
	}
	if !ok {
		return store.UserRecord{}, store.KeyRecord{}, ErrKeyNotFound
	}
	if key.OwnerID != user.ID {
		return store.UserRecord{}, store.KeyRecord{}, ErrNotKeyOwner
	}
	return user, key, nil
}

func (s *KeyService) shareTarget(ctx context.Context, owner store.UserRecord, username string) (store.UserRecord, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return store.UserRecord{}, validation("username is required")
	}
	target, ok, err := s.st.Users.UserByUsername(ctx, username)
	if err != nil {
		return store.UserRecord{}, storageError("lookup user", err)
	}
	if !ok {
		return store.UserRecord{}, ErrUserNotFound
	}
	if target.ID == owner.ID {
		return store.UserRecord{}, validation("cannot share a key with its owner")
	}
	return target, nil
}

func normalizeKeyInput(in KeyInput) (KeyInput, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Endpoint = strings.TrimSpace(in.Endpoint)
	in.Method = strings.ToUpper(strings.TrimSpace(in.Method))

	if n := utf8.RuneCountInString(in.Name); n == 0 || n > maxKeyNameLen {
		return in, validation("name must be 1-50 characters")
	}
	if in.Endpoint == "" || len(in.Endpoint) > maxEndpointLen {
		return in, validation("endpoint must be 1-200 characters")
	}
	u, err := url.Parse(in.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return in, validation("endpoint must be an absolute http(s) URL")
	}
	if len(in.Method) > maxMethodLen {
		return in, validation("method too long")
	}
	if _, ok := allowedMethods[in.Method]; !ok {
		return in, validation("method must be one of GET, POST, PUT, PATCH, DELETE")
	}
	return in, nil
}
