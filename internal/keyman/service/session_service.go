package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/doguSXFR/KeymanServer/internal/keyman/store"
)

const (
	TokenLength   = 128
	tokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	// One regeneration after a hash collision, then give up.
	tokenAttempts = 2
)

// SessionPolicy is the session expiry hook.  MaxAge 0 keeps sessions
// forever.
type SessionPolicy struct {
	MaxAge time.Duration
}

type SessionService struct {
	store   store.SessionStore
	policy  SessionPolicy
	entropy io.Reader
	now     func() time.Time
	log     *zap.Logger
}

type SessionOption func(*SessionService)

// WithEntropy replaces crypto/rand as the token source.
func WithEntropy(r io.Reader) SessionOption {
	return func(s *SessionService) { s.entropy = r }
}

func WithClock(now func() time.Time) SessionOption {
	return func(s *SessionService) { s.now = now }
}

func NewSessionService(ss store.SessionStore, policy SessionPolicy, log *zap.Logger, opts ...SessionOption) *SessionService {
	if log == nil {
		log = zap.NewNop()
	}
	s := &SessionService{
		store:   ss,
		policy:  policy,
		entropy: rand.Reader,
		now:     func() time.Time { return time.Now().UTC() },
		log:     log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create issues a new bearer token for userID.  Only its hash is stored.
func (s *SessionService) Create(ctx context.Context, userID int64) (string, error) {
	for attempt := 1; attempt <= tokenAttempts; attempt++ {
		token, err := GenerateToken(s.entropy)
		if err != nil {
			return "", storageError("generate token", err)
		}

		_, err = s.store.CreateSession(ctx, store.SessionRecord{
			TokenHash: HashToken(token),
			UserID:    userID,
			CreatedAt: s.now(),
		})
		switch {
		case err == nil:
			return token, nil
		case errors.Is(err, store.ErrConflict):
			s.log.Warn("session token collision", zap.Int("attempt", attempt), zap.Int64("user_id", userID))
			continue
		case errors.Is(err, store.ErrNotFound):
			return "", ErrUserNotFound
		default:
			return "", storageError("create session", err)
		}
	}
	return "", storageError("create session", fmt.Errorf("token collided %d times", tokenAttempts))
}

// Resolve returns the user behind token or ErrInvalidSession.
func (s *SessionService) Resolve(ctx context.Context, token string) (store.UserRecord, error) {
	if token == "" {
		return store.UserRecord{}, ErrInvalidSession
	}

	rs, ok, err := s.store.ResolveSession(ctx, HashToken(token))
	if err != nil {
		return store.UserRecord{}, storageError("resolve session", err)
	}
	if !ok {
		return store.UserRecord{}, ErrInvalidSession
	}
	if s.policy.MaxAge > 0 && s.now().Sub(rs.Session.CreatedAt) > s.policy.MaxAge {
		return store.UserRecord{}, ErrInvalidSession
	}
	return rs.User, nil
}

// GenerateToken draws TokenLength characters uniformly from [a-zA-Z0-9].
// Bytes at or above the largest multiple of the alphabet size are
// rejected to avoid modulo bias.
func GenerateToken(r io.Reader) (string, error) {
	const n = len(tokenAlphabet)
	const limit = 256 - (256 % n)

	out := make([]byte, 0, TokenLength)
	buf := make([]byte, TokenLength)
	for len(out) < TokenLength {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, tokenAlphabet[int(b)%n])
			if len(out) == TokenLength {
				break
			}
		}
	}
	return string(out), nil
}

// HashToken is the lookup key stored in place of the token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
