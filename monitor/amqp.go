package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rabbitmq/amqp091-go"
)

// AMQPNotifier publishes alerts to an AMQP fanout exchange so downstream
// responders (SIEM feeds, on-call bridges, automated blockers) can consume
// them. Delivery reconnects lazily: a lost connection is re-established on
// the next Notify call rather than by a background goroutine.
type AMQPNotifier struct {
	url      string
	exchange string

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel

	logger *slog.Logger
}

// NewAMQPNotifier connects to the broker and declares the exchange.
func NewAMQPNotifier(url, exchange string, logger *slog.Logger) (*AMQPNotifier, error) {
	if url == "" {
		return nil, fmt.Errorf("AMQP URL must not be empty")
	}
	if exchange == "" {
		return nil, fmt.Errorf("AMQP exchange must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	n := &AMQPNotifier{
		url:      url,
		exchange: exchange,
		logger:   logger,
	}
	if err := n.connectLocked(); err != nil {
		return nil, err
	}
	return n, nil
}

// connectLocked (re)establishes the connection, channel, and exchange.
// Callers must hold n.mu, except during construction.
func (n *AMQPNotifier) connectLocked() error {
	n.closeLocked()

	conn, err := amqp091.Dial(n.url)
	if err != nil {
		return fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		n.exchange, // name
		"fanout",   // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	n.conn = conn
	n.channel = ch
	n.logger.Info("Connected to AMQP broker", "exchange", n.exchange)
	return nil
}

// Notify implements Notifier.
func (n *AMQPNotifier) Notify(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn == nil || n.conn.IsClosed() {
		n.logger.Warn("AMQP connection lost, reconnecting")
		if err := n.connectLocked(); err != nil {
			return err
		}
	}

	err = n.channel.PublishWithContext(ctx,
		n.exchange,
		"", // routing key, ignored by fanout
		false,
		false,
		amqp091.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp091.Persistent,
		},
	)
	if err != nil {
		// Drop the connection so the next call reconnects cleanly.
		n.closeLocked()
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	return nil
}

// Name implements Notifier.
func (n *AMQPNotifier) Name() string { return "amqp" }

// Close closes the channel and connection.
func (n *AMQPNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closeLocked()
}

func (n *AMQPNotifier) closeLocked() error {
	if n.channel != nil {
		if err := n.channel.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			return err
		}
		n.channel = nil
	}
	if n.conn != nil {
		if err := n.conn.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			return err
		}
		n.conn = nil
	}
	return nil
}
