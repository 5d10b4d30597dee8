// Package mirror copies events published on a herald node to a RabbitMQ
// topic exchange, using the event topic as routing key.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/dreamware/herald/internal/wire"
)

// DefaultExchange is the exchange name used when none is configured.
const DefaultExchange = "herald.events"

// Channel is the subset of *amqp.Channel the mirror needs.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Event is the JSON body of a mirrored message.
type Event struct {
	EventID string `json:"event_id"`
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
	NodeID  int    `json:"node_id"`
}

// Exchange publishes events to one topic exchange.
type Exchange struct {
	channel Channel
	conn    *amqp.Connection
	name    string
}

// Dial connects to the broker at url, opens a channel, and declares the
// exchange.
func Dial(url, exchange string) (*Exchange, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	x, err := NewExchange(ch, exchange)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	x.conn = conn
	return x, nil
}

// NewExchange declares a durable topic exchange on ch.
func NewExchange(ch Channel, name string) (*Exchange, error) {
	if name == "" {
		name = DefaultExchange
	}
	err := ch.ExchangeDeclare(
		name,
		amqp.ExchangeTopic,
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare exchange %s: %w", name, err)
	}
	log.Printf("[mirror] exchange %q declared", name)
	return &Exchange{channel: ch, name: name}, nil
}

// Mirror publishes ev to the exchange with its topic as routing key.
func (x *Exchange) Mirror(ctx context.Context, ev *wire.Message) error {
	body, err := json.Marshal(Event{
		EventID: ev.EventID,
		Topic:   ev.Topic,
		Payload: ev.Payload,
		NodeID:  ev.SenderID,
	})
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.EventID, err)
	}

	err = x.channel.PublishWithContext(ctx,
		x.name,
		ev.Topic,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			MessageId:   ev.EventID,
			Timestamp:   time.Now(),
			Body:        body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish event %s to %s: %w", ev.EventID, x.name, err)
	}
	return nil
}

// Close closes the channel and, when owned, the connection.
func (x *Exchange) Close() error {
	err := x.channel.Close()
	if x.conn != nil {
		if cerr := x.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
