// Package events publishes committed audit entries to RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/doguSXFR/KeymanServer/internal/keyman/store"
)

// Message is the JSON body of a published audit event.
type Message struct {
	ID         int64     `json:"id"`
	OccurredAt time.Time `json:"occurred_at"`
	UserID     int64     `json:"user_id"`
	KeyID      int64     `json:"key_id"`
	Event      string    `json:"event"`
}

// RoutingKey is "audit." followed by the lower-cased event type.
func RoutingKey(e store.AuditEntry) string {
	return "audit." + strings.ToLower(string(e.Event))
}

func Encode(e store.AuditEntry) ([]byte, error) {
	return json.Marshal(Message{
		ID:         e.ID,
		OccurredAt: e.OccurredAt.UTC(),
		UserID:     e.UserID,
		KeyID:      e.KeyID,
		Event:      string(e.Event),
	})
}

type Config struct {
	URL      string
	Exchange string

	MaxRetries        int
	ReconnectInterval time.Duration
	ConfirmTimeout    time.Duration
}

// AMQPPublisher publishes to a durable topic exchange with publisher
// confirms.  An amqp channel is not safe for concurrent use, so publishes
// are serialized.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	timeout  time.Duration
}

// Dial connects, retrying while the broker comes up, and declares the
// exchange.
func Dial(ctx context.Context, cfg Config) (*AMQPPublisher, error) {
	if cfg.Exchange == "" {
		return nil, errors.New("events: exchange is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 2 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 5 * time.Second
	}

	var lastErr error
	for i := 0; i <= cfg.MaxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(cfg.ReconnectInterval):
			}
		}

		p, err := open(cfg)
		if err != nil {
			lastErr = err
			continue
		}
		return p, nil
	}
	return nil, fmt.Errorf("connect to rabbitmq after %d retries: %w", cfg.MaxRetries, lastErr)
}

func open(cfg Config) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	return &AMQPPublisher{conn: conn, channel: ch, exchange: cfg.Exchange, timeout: cfg.ConfirmTimeout}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, e store.AuditEntry) error {
	body, err := Encode(e)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	dc, err := p.channel.PublishWithDeferredConfirmWithContext(ctx, p.exchange, RoutingKey(e), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    e.OccurredAt.UTC(),
		Type:         string(e.Event),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish audit event: %w", err)
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("wait for confirm: %w", err)
	}
	if !acked {
		return errors.New("audit event nacked by broker")
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	chErr := p.channel.Close()
	connErr := p.conn.Close()
	if chErr != nil {
		return chErr
	}
	return connErr
}
