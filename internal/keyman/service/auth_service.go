package service

import (
	"context"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/doguSXFR/KeymanServer/internal/keyman/store"
)

const (
	maxUsernameLen = 50
	minPasswordLen = 8
	// bcrypt ignores everything past 72 bytes.
	maxPasswordBytes = 72
)

// AuthService is the user directory: registration, login and profile.
type AuthService struct {
	users    store.UserStore
	hasher   PasswordHasher
	sessions *SessionService
	log      *zap.Logger

	// dummyHash is checked on unknown usernames so both failure paths cost
	// one bcrypt comparison.
	dummyHash string
}

func NewAuthService(users store.UserStore, hasher PasswordHasher, sessions *SessionService, log *zap.Logger) *AuthService {
	if log == nil {
		log = zap.NewNop()
	}
	dummy, _ := hasher.Hash("keyman-dummy-password")
	return &AuthService{users: users, hasher: hasher, sessions: sessions, log: log, dummyHash: dummy}
}

// Register creates the user and returns a session token for it.
func (s *AuthService) Register(ctx context.Context, username, password string) (string, error) {
	username = strings.TrimSpace(username)
	if err := validateUsername(username); err != nil {
		return "", err
	}
	if err := validatePassword(password); err != nil {
		return "", err
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return "", storageError("hash password", err)
	}

	u, err := s.users.CreateUser(ctx, username, hash, time.Now().UTC())
	if err != nil {
		return "", fromStore("create user", err, nil)
	}
	s.log.Info("user registered", zap.Int64("user_id", u.ID), zap.String("username", u.Username))

	return s.sessions.Create(ctx, u.ID)
}

// Login checks credentials and returns a fresh session token.
func (s *AuthService) Login(ctx context.Context, username, password string) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return "", ErrInvalidCredentials
	}

	u, ok, err := s.users.UserByUsername(ctx, username)
	if err != nil {
		return "", storageError("lookup user", err)
	}
	if !ok {
		s.hasher.Check(password, s.dummyHash)
		return "", ErrInvalidCredentials
	}
	if !s.hasher.Check(password, u.PasswordHash) {
		s.log.Info("login rejected", zap.String("username", username))
		return "", ErrInvalidCredentials
	}

	token, err := s.sessions.Create(ctx, u.ID)
	if err != nil {
		return "", err
	}
	s.log.Info("user logged in", zap.Int64("user_id", u.ID))
	return token, nil
}

// Profile returns the user behind token.
func (s *AuthService) Profile(ctx context.Context, token string) (store.UserRecord, error) {
	return s.sessions.Resolve(ctx, token)
}

func validateUsername(username string) error {
	n := utf8.RuneCountInString(username)
	if n == 0 || n > maxUsernameLen {
		return validation("username must be 1-50 characters")
	}
	for _, r := range username {
		if unicode.IsSpace(r) || unicode.IsControl(r) || r == '/' {
			return validation("username must not contain whitespace, control characters or '/'")
		}
	}
	return nil
}

func validatePassword(password string) error {
	if utf8.RuneCountInString(password) < minPasswordLen {
		return validation("password must be at least 8 characters")
	}
	if len(password) > maxPasswordBytes {
		return validation("password must be at most 72 bytes")
	}
	return nil
}
