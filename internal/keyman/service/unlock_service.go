package service

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/doguSXFR/KeymanServer/internal/keyman/store"
	"github.com/doguSXFR/KeymanServer/internal/metrics"
)

// maxDecrementAttempts bounds how often a lost decrement race is re-read
// and re-decided before the attempt is treated as out of tickets.
const maxDecrementAttempts = 3

// Actuator opens a door by calling its endpoint.  Errors that implement
// Timeout() bool and report true are treated as timeouts.
type Actuator interface {
	Invoke(ctx context.Context, endpoint, method string) error
}

// EventPublisher forwards committed audit entries to other systems.
type EventPublisher interface {
	Publish(ctx context.Context, e store.AuditEntry) error
}

type UnlockConfig struct {
	StorageTimeout  time.Duration
	ActuatorTimeout time.Duration
}

type UnlockResult struct {
	Success bool
	// RemainingTickets is nil for owners and unlimited grants.
	RemainingTickets *int
}

type UnlockDeps struct {
	Sessions  *SessionService
	Ledger    store.Ledger
	Actuator  Actuator
	Publisher EventPublisher   // optional
	Metrics   *metrics.Metrics // optional
	Logger    *zap.Logger
	Clock     func() time.Time
}

type UnlockService struct {
	sessions  *SessionService
	ledger    store.Ledger
	actuator  Actuator
	publisher EventPublisher
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	log       *zap.Logger
	now       func() time.Time
	cfg       UnlockConfig
}

func NewUnlockService(deps UnlockDeps, cfg UnlockConfig) *UnlockService {
	if cfg.StorageTimeout <= 0 {
		cfg.StorageTimeout = 5 * time.Second
	}
	if cfg.ActuatorTimeout <= 0 {
		cfg.ActuatorTimeout = 5 * time.Second
	}
	s := &UnlockService{
		sessions:  deps.Sessions,
		ledger:    deps.Ledger,
		actuator:  deps.Actuator,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		tracer:    noop.NewTracerProvider().Tracer(""),
		log:       deps.Logger,
		now:       deps.Clock,
		cfg:       cfg,
	}
	if s.metrics != nil {
		s.tracer = s.metrics.Tracer
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// settlement is what the unlock transaction decided and wrote.
type settlement struct {
	deny      DenyReason
	key       store.KeyRecord
	remaining *int
	journaled []store.AuditEntry
}

// Unlock runs the full workflow for one attempt: resolve the session,
// decide and settle tickets with the journal entry in one transaction,
// then call the door.
func (s *UnlockService) Unlock(ctx context.Context, token string, keyID int64) (res UnlockResult, err error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "keyman.unlock", trace.WithAttributes(attribute.Int64("key.id", keyID)))
	defer func() {
		outcome := "OK"
		if err != nil {
			outcome = string(CodeOf(err))
			span.SetStatus(codes.Error, outcome)
		}
		span.SetAttributes(attribute.String("unlock.outcome", outcome))
		span.End()
		if s.metrics != nil {
			s.metrics.UnlockTotal.WithLabelValues(outcome).Inc()
			s.metrics.UnlockDuration.Observe(time.Since(start).Seconds())
		}
	}()

	user, err := s.sessions.Resolve(ctx, token)
	if err != nil {
		return UnlockResult{}, err
	}
	span.SetAttributes(attribute.Int64("user.id", user.ID))
	log := s.log.With(zap.Int64("user_id", user.ID), zap.Int64("key_id", keyID))

	// From here on the caller going away must not cut the transaction or
	// the door call short; both still have their own deadlines.
	detached := context.WithoutCancel(ctx)

	st, err := s.settle(detached, user.ID, keyID)
	if err != nil {
		log.Error("unlock transaction failed", zap.Error(err))
		return UnlockResult{}, storageError("unlock transaction", err)
	}
	s.publish(detached, st.journaled, log)

	switch st.deny {
	case DenyNoAccess:
		log.Warn("unlock denied: no access")
		return UnlockResult{}, ErrUnallowedUnlock
	case DenyNoTickets:
		log.Warn("unlock denied: no tickets left")
		return UnlockResult{}, ErrNotEnoughTickets
	}

	if err := s.invoke(detached, st.key); err != nil {
		log.Error("door actuator failed", zap.Error(err), zap.String("endpoint", st.key.Endpoint))
		s.recordProblem(detached, user.ID, keyID, log)
		return UnlockResult{RemainingTickets: st.remaining}, err
	}

	log.Info("door unlocked", zap.Any("remaining_tickets", st.remaining))
	return UnlockResult{Success: true, RemainingTickets: st.remaining}, nil
}

func (s *UnlockService) settle(ctx context.Context, userID, keyID int64) (settlement, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StorageTimeout)
	defer cancel()

	var st settlement
	err := s.ledger.InTx(ctx, func(ctx context.Context, tx store.UnlockTx) error {
		st = settlement{}

		key, ok, err := tx.KeyByID(ctx, keyID)
		if err != nil {
			return err
		}
		if !ok {
			st.deny = DenyNoAccess
			return nil
		}
		st.key = key

		journal := func(event store.EventType) error {
			e := store.AuditEntry{OccurredAt: s.now(), UserID: userID, KeyID: keyID, Event: event}
			id, err := tx.Journal(ctx, e)
			if err != nil {
				return err
			}
			e.ID = id
			st.journaled = append(st.journaled, e)
			return nil
		}

		for attempt := 0; attempt < maxDecrementAttempts; attempt++ {
			var grant *store.GrantRecord
			if key.OwnerID != userID {
				g, ok, err := tx.LookupGrant(ctx, userID, keyID)
				if err != nil {
					return err
				}
				if ok {
					grant = &g
				}
			}

			d := Decide(userID, key, grant)
			if !d.Allowed {
				st.deny = d.Reason
				if d.Reason == DenyNoTickets {
					return journal(store.EventNotEnoughTickets)
				}
				return nil
			}

			if d.Limited {
				remaining, ok, err := tx.ConsumeTicket(ctx, userID, keyID)
				if err != nil {
					return err
				}
				if !ok {
					continue // lost the race; re-read and decide again
				}
				st.remaining = store.IntPtr(remaining)
			}
			return journal(store.EventDoorOpened)
		}

		st.deny = DenyNoTickets
		return journal(store.EventNotEnoughTickets)
	})
	return st, err
}

func (s *UnlockService) invoke(ctx context.Context, key store.KeyRecord) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ActuatorTimeout)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "keyman.actuator", trace.WithAttributes(
		attribute.String("http.method", key.Method),
	))
	defer span.End()

	start := time.Now()
	err := s.actuator.Invoke(ctx, key.Endpoint, key.Method)
	if s.metrics != nil {
		s.metrics.ActuatorDuration.Observe(time.Since(start).Seconds())
	}
	if err == nil {
		return nil
	}
	span.RecordError(err)

	var te interface{ Timeout() bool }
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &te) && te.Timeout()) {
		return &Error{Code: CodeActuatorTimeout, Message: ErrActuatorTimeout.Message, Cause: err}
	}
	return &Error{Code: CodeActuatorFault, Message: ErrActuatorFault.Message, Cause: err}
}

// recordProblem appends DOOR_PROBLEM after a failed door call.  The
// DOOR_OPENED entry already committed stays.
func (s *UnlockService) recordProblem(ctx context.Context, userID, keyID int64, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StorageTimeout)
	defer cancel()

	e := store.AuditEntry{OccurredAt: s.now(), UserID: userID, KeyID: keyID, Event: store.EventDoorProblem}
	id, err := s.ledger.Journal(ctx, e)
	if err != nil {
		log.Error("journal DOOR_PROBLEM failed", zap.Error(err))
		return
	}
	e.ID = id
	s.publish(ctx, []store.AuditEntry{e}, log)
}

func (s *UnlockService) publish(ctx context.Context, entries []store.AuditEntry, log *zap.Logger) {
	if s.publisher == nil {
		return
	}
	for _, e := range entries {
		if err := s.publisher.Publish(ctx, e); err != nil {
			log.Warn("publish audit event failed", zap.Error(err), zap.String("event", string(e.Event)))
			if s.metrics != nil {
				s.metrics.PublishFailures.Inc()
			}
		}
	}
}
