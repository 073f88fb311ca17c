// ABOUTME: RabbitMQ publisher for domain events on a durable topic exchange
// ABOUTME: Holds one AMQP channel; reopens it, or redials the broker, after either is closed

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rabbitmq/amqp091-go"
)

// amqpConn is the part of *amqp091.Connection the publisher uses.
type amqpConn interface {
	Channel() (*amqp091.Channel, error)
	IsClosed() bool
	Close() error
}

func dialAMQP(url string) (amqpConn, error) {
	return amqp091.Dial(url)
}

// AMQPPublisher publishes envelopes to a topic exchange, routed by event type.
// A closed channel is reopened and a dropped connection redialed on the next publish.
type AMQPPublisher struct {
	mu       sync.Mutex
	url      string
	dial     func(url string) (amqpConn, error)
	conn     amqpConn
	ch       *amqp091.Channel
	exchange string
	logger   *slog.Logger
}

// NewAMQPPublisher dials url and declares exchange as a durable topic exchange.
func NewAMQPPublisher(url, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &AMQPPublisher{
		url:      url,
		dial:     dialAMQP,
		exchange: exchange,
		logger:   logger.With("component", "events"),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ch, err := p.channelLocked()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		p.conn.Close()
		return nil, fmt.Errorf("declaring exchange %s: %w", exchange, err)
	}
	return p, nil
}

// channelLocked returns an open channel, redialing the broker when the
// connection was dropped. p.mu must be held.
func (p *AMQPPublisher) channelLocked() (*amqp091.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.ch = nil
	if p.conn == nil || p.conn.IsClosed() {
		if p.conn != nil {
			p.logger.Warn("broker connection lost, redialing")
		}
		conn, err := p.dial(p.url)
		if err != nil {
			return nil, fmt.Errorf("dialing broker: %w", err)
		}
		p.conn = conn
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	p.ch = ch
	return ch, nil
}

// Publish sends e with its type as the routing key.
func (p *AMQPPublisher) Publish(ctx context.Context, e Envelope) error {
	msg, err := publishing(e)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channelLocked()
	if err != nil {
		return err
	}
	if err := ch.PublishWithContext(ctx, p.exchange, e.Meta.Type, false, false, msg); err != nil {
		return fmt.Errorf("publishing %s: %w", e.Meta.Type, err)
	}
	p.logger.Debug("published", "type", e.Meta.Type, "id", e.Meta.ID)
	return nil
}

// Close closes the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

func publishing(e Envelope) (amqp091.Publishing, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return amqp091.Publishing{}, fmt.Errorf("encoding event: %w", err)
	}
	return amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    e.Meta.ID,
		Type:         e.Meta.Type,
		AppId:        Producer,
		Timestamp:    e.Meta.Time,
		Body:         body,
	}, nil
}

var _ Publisher = (*AMQPPublisher)(nil)
