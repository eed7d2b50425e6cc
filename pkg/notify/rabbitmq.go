package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/pulse/pkg/log"
	"github.com/cuemby/pulse/pkg/types"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// DefaultExchange is the topic exchange notifications are published to
const DefaultExchange = "pulse.notifications"

// channel is the subset of *amqp.Channel the publisher uses
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher forwards push notifications to RabbitMQ so other services
// (email, mobile push) can act on them
type Publisher struct {
	conn     *amqp.Connection
	ch       channel
	exchange string
	logger   zerolog.Logger
}

// envelope is the body of every forwarded notification
type envelope struct {
	UserID  string            `json:"user_id"`
	Type    types.MessageType `json:"type"`
	Topic   string            `json:"topic"`
	Payload json.RawMessage   `json:"payload"`
	SentAt  time.Time         `json:"sent_at"`
}

// Dial connects to RabbitMQ and declares the notification exchange
func Dial(url, exchange string) (*Publisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	p := newPublisher(ch, exchange)
	p.conn = conn
	return p, nil
}

func newPublisher(ch channel, exchange string) *Publisher {
	return &Publisher{
		ch:       ch,
		exchange: exchange,
		logger:   log.WithComponent("notify"),
	}
}

// RoutingKey returns the routing key of a notification type
func RoutingKey(t types.MessageType) string {
	return "pulse." + string(t)
}

// Notify publishes msg for userID
func (p *Publisher) Notify(ctx context.Context, userID string, msg *types.Message) error {
	body, err := json.Marshal(envelope{
		UserID:  userID,
		Type:    msg.Type,
		Topic:   msg.Topic,
		Payload: msg.Payload,
		SentAt:  msg.SentAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	err = p.ch.PublishWithContext(ctx,
		p.exchange,
		RoutingKey(msg.Type),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    msg.SentAt,
			Headers:      amqp.Table{"X-User-ID": userID},
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	p.logger.Debug().
		Str("user_id", userID).
		Str("type", string(msg.Type)).
		Msg("Forwarded notification")
	return nil
}

// Ping reports whether the broker connection is still open
func (p *Publisher) Ping(ctx context.Context) error {
	if p.conn != nil && p.conn.IsClosed() {
		return amqp.ErrClosed
	}
	return nil
}

// Close closes the channel and connection
func (p *Publisher) Close() error {
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
