// Package rediscache puts a Redis read-through cache in front of a
// store.SessionStore.
package rediscache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/doguSXFR/KeymanServer/internal/keyman/store"
)

const keyPrefix = "keyman:session:"

// SessionCache caches successful ResolveSession results for TTL.  Misses
// are never cached, so a freshly created session is visible at once.  A
// Redis failure falls back to the wrapped store.
type SessionCache struct {
	next   store.SessionStore
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

func NewSessionCache(next store.SessionStore, client *redis.Client, ttl time.Duration, log *zap.Logger) *SessionCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionCache{next: next, client: client, ttl: ttl, log: log}
}

type cachedSession struct {
	SessionID     int64     `json:"session_id"`
	UserID        int64     `json:"user_id"`
	Username      string    `json:"username"`
	CreatedAt     time.Time `json:"created_at"`
	UserCreatedAt time.Time `json:"user_created_at"`
}

func (c *SessionCache) CreateSession(ctx context.Context, rec store.SessionRecord) (int64, error) {
	return c.next.CreateSession(ctx, rec)
}

func (c *SessionCache) ResolveSession(ctx context.Context, tokenHash string) (store.ResolvedSession, bool, error) {
	key := keyPrefix + tokenHash

	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cs cachedSession
		if jerr := json.Unmarshal(data, &cs); jerr == nil {
			return cs.toResolved(tokenHash), true, nil
		}
		c.log.Warn("dropping undecodable session cache entry", zap.String("key", key))
		_ = c.client.Del(ctx, key).Err()
	case err != redis.Nil:
		c.log.Warn("session cache get failed", zap.Error(err))
	}

	rs, ok, err := c.next.ResolveSession(ctx, tokenHash)
	if err != nil || !ok {
		return rs, ok, err
	}

	payload, err := json.Marshal(fromResolved(rs))
	if err != nil {
		return rs, true, nil
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.log.Warn("session cache set failed", zap.Error(err))
	}
	return rs, true, nil
}

// PruneSessionsOlderThan prunes the backing store.  Cached copies of pruned
// sessions linger until their TTL; callers enforcing a max age check
// CreatedAt themselves.
func (c *SessionCache) PruneSessionsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return c.next.PruneSessionsOlderThan(ctx, cutoff)
}

// Invalidate drops one cached session.
func (c *SessionCache) Invalidate(ctx context.Context, tokenHash string) error {
	if err := c.client.Del(ctx, keyPrefix+tokenHash).Err(); err != nil {
		return fmt.Errorf("invalidate session: %w", err)
	}
	return nil
}

func fromResolved(rs store.ResolvedSession) cachedSession {
	return cachedSession{
		SessionID:     rs.Session.ID,
		UserID:        rs.User.ID,
		Username:      rs.User.Username,
		CreatedAt:     rs.Session.CreatedAt,
		UserCreatedAt: rs.User.CreatedAt,
	}
}

// toResolved rebuilds the session.  The password hash is never cached.
func (cs cachedSession) toResolved(tokenHash string) store.ResolvedSession {
	return store.ResolvedSession{
		Session: store.SessionRecord{
			ID:        cs.SessionID,
			TokenHash: tokenHash,
			UserID:    cs.UserID,
			CreatedAt: cs.CreatedAt,
		},
		User: store.UserRecord{
			ID:        cs.UserID,
			Username:  cs.Username,
			CreatedAt: cs.UserCreatedAt,
		},
	}
}
