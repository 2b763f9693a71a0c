package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/doguSXFR/KeymanServer/internal/keyman/store"
)

// SessionPruner periodically deletes sessions older than the session
// policy's MaxAge.  It runs as a background goroutine and is safe to stop
// via its context or the Stop method.
//
// A MaxAge of 0 disables pruning entirely.
type SessionPruner struct {
	store    store.SessionStore
	maxAge   time.Duration
	interval time.Duration
	logger   *zap.Logger
	onPrune  func(deleted int64)
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSessionPruner creates a pruner but does not start it.  onPrune, if
// non-nil, is called with the row count of every successful pass.
func NewSessionPruner(s store.SessionStore, policy SessionPolicy, interval time.Duration, logger *zap.Logger, onPrune func(int64)) *SessionPruner {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionPruner{
		store:    s,
		maxAge:   policy.MaxAge,
		interval: interval,
		logger:   logger,
		onPrune:  onPrune,
		done:     make(chan struct{}),
	}
}

// Start runs an immediate prune, then repeats on the configured interval
// until ctx is cancelled or Stop is called.
func (p *SessionPruner) Start(ctx context.Context) {
	if p.maxAge <= 0 {
		p.logger.Info("session pruner disabled (sessions never expire)")
		close(p.done)
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)

	go p.loop(ctx)

	p.logger.Info("session pruner started",
		zap.Duration("max_age", p.maxAge), zap.Duration("interval", p.interval))
}

// Stop signals the pruner to exit and waits for it to finish.
func (p *SessionPruner) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	<-p.done
}

func (p *SessionPruner) loop(ctx context.Context) {
	defer close(p.done)

	p.prune(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

func (p *SessionPruner) prune(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-p.maxAge)
	deleted, err := p.store.PruneSessionsOlderThan(ctx, cutoff)
	if err != nil {
		p.logger.Error("session prune failed", zap.Error(err))
		return
	}
	if p.onPrune != nil {
		p.onPrune(deleted)
	}
	if deleted > 0 {
		p.logger.Info("pruned expired sessions",
			zap.Int64("deleted", deleted), zap.Time("cutoff", cutoff))
	}
}
