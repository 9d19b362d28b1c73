package runtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/streadway/amqp"

	"lexflow.evalgo.org/common"
	"lexflow.evalgo.org/config"
)

// TaskEvent mirrors one task lifecycle transition to external consumers
// (audit sinks, downstream notification systems).
type TaskEvent struct {
	TaskID       string    `json:"task_id"`
	DocumentUUID string    `json:"document_uuid"`
	Stage        string    `json:"stage"`
	BatchID      string    `json:"batch_id,omitempty"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
	At           time.Time `json:"at"`
}

// EventPublisher publishes task lifecycle events. NopPublisher is used
// when no AMQP endpoint is configured.
type EventPublisher interface {
	PublishEvent(event TaskEvent) error
	Close() error
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) PublishEvent(TaskEvent) error { return nil }
func (NopPublisher) Close() error                 { return nil }

// EventMirror publishes task events to a durable RabbitMQ queue.
type EventMirror struct {
	connection AMQPConnection
	channel    AMQPChannel
	queueName  string
}

// NewEventMirror connects to RabbitMQ and declares the event queue. An
// empty URL yields a NopPublisher so callers never branch.
func NewEventMirror(cfg config.AMQPConfig) (EventPublisher, error) {
	if cfg.URL == "" {
		return NopPublisher{}, nil
	}
	return NewEventMirrorWithDialer(cfg, &RealAMQPDialer{})
}

// NewEventMirrorWithDialer allows injecting a custom dialer for testing.
func NewEventMirrorWithDialer(cfg config.AMQPConfig, dialer AMQPDialer) (*EventMirror, error) {
	conn, err := dialer.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	// Durable queue: events survive broker restarts.
	_, err = ch.QueueDeclare(
		cfg.QueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	return &EventMirror{connection: conn, channel: ch, queueName: cfg.QueueName}, nil
}

// PublishEvent serializes the event and publishes it to the default
// exchange with the queue name as routing key.
func (m *EventMirror) PublishEvent(event TaskEvent) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = m.channel.Publish(
		"",          // default exchange
		m.queueName, // routing key
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	common.Logger.Debugf("published task event %s/%s", event.TaskID, event.Status)
	return nil
}

// Close closes the channel and connection, tolerating nil members.
func (m *EventMirror) Close() error {
	if m.channel != nil {
		m.channel.Close()
	}
	if m.connection != nil {
		m.connection.Close()
	}
	return nil
}
