package runtime

import (
	"fmt"
	"sync"

	"github.com/streadway/amqp"
)

// MockAMQPDialer implements AMQPDialer for tests.
type MockAMQPDialer struct {
	Conn    *MockAMQPConnection
	DialErr error
}

func NewMockAMQPDialer() *MockAMQPDialer {
	return &MockAMQPDialer{Conn: &MockAMQPConnection{Chan: &MockAMQPChannel{}}}
}

func (d *MockAMQPDialer) Dial(url string) (AMQPConnection, error) {
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	return d.Conn, nil
}

// MockAMQPConnection implements AMQPConnection for tests.
type MockAMQPConnection struct {
	Chan       *MockAMQPChannel
	ChannelErr error
	Closed     bool
}

func (c *MockAMQPConnection) Channel() (AMQPChannel, error) {
	if c.ChannelErr != nil {
		return nil, c.ChannelErr
	}
	return c.Chan, nil
}

func (c *MockAMQPConnection) Close() error {
	c.Closed = true
	return nil
}

// MockAMQPChannel records declared queues and published messages.
type MockAMQPChannel struct {
	mu         sync.Mutex
	Declared   []string
	Published  []amqp.Publishing
	DeclareErr error
	PublishErr error
	Closed     bool
}

func (ch *MockAMQPChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.DeclareErr != nil {
		return amqp.Queue{}, ch.DeclareErr
	}
	ch.Declared = append(ch.Declared, name)
	return amqp.Queue{Name: name}, nil
}

func (ch *MockAMQPChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.PublishErr != nil {
		return ch.PublishErr
	}
	ch.Published = append(ch.Published, msg)
	return nil
}

func (ch *MockAMQPChannel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.Closed {
		return fmt.Errorf("channel already closed")
	}
	ch.Closed = true
	return nil
}

// Messages returns a copy of the published messages.
func (ch *MockAMQPChannel) Messages() []amqp.Publishing {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]amqp.Publishing, len(ch.Published))
	copy(out, ch.Published)
	return out
}
