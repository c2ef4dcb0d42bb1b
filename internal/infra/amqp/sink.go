// Package amqp publishes error reports to a RabbitMQ topic exchange.
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/vietddude/guardian/internal/telemetry"
)

// Config holds RabbitMQ connection settings.
type Config struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// Sink implements telemetry.Sink. Each report is published with routing key
// "errors.<severity>.<category>".
type Sink struct {
	exchange string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewSink connects and declares the exchange.
func NewSink(cfg Config) (*Sink, error) {
	if cfg.Exchange == "" {
		cfg.Exchange = "guardian.errors"
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		cfg.Exchange, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", cfg.Exchange, err)
	}

	slog.Info("RabbitMQ telemetry sink ready", "exchange", cfg.Exchange)
	return &Sink{exchange: cfg.Exchange, conn: conn, channel: ch}, nil
}

// RoutingKey is the topic a report is published under.
func RoutingKey(r telemetry.Report) string {
	return fmt.Sprintf("errors.%s.%s", r.Severity, r.Category)
}

func (s *Sink) Send(ctx context.Context, reports []telemetry.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range reports {
		body, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal report %s: %w", r.ID, err)
		}
		err = s.channel.PublishWithContext(
			ctx,
			s.exchange,
			RoutingKey(r),
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				MessageId:    r.ID,
				Timestamp:    r.Timestamp,
				Body:         body,
				DeliveryMode: amqp.Persistent,
			},
		)
		if err != nil {
			return fmt.Errorf("failed to publish report %s: %w", r.ID, err)
		}
	}
	return nil
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel != nil {
		s.channel.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
