package runtime

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexflow.evalgo.org/config"
)

func TestNewEventMirrorEmptyURL(t *testing.T) {
	pub, err := NewEventMirror(config.AMQPConfig{})
	require.NoError(t, err)
	assert.IsType(t, NopPublisher{}, pub)

	assert.NoError(t, pub.PublishEvent(TaskEvent{TaskID: "t1"}))
	assert.NoError(t, pub.Close())
}

func TestNewEventMirrorWithDialer(t *testing.T) {
	cfg := config.AMQPConfig{URL: "amqp://localhost", QueueName: "task-events"}

	t.Run("declares durable queue", func(t *testing.T) {
		dialer := NewMockAMQPDialer()
		mirror, err := NewEventMirrorWithDialer(cfg, dialer)
		require.NoError(t, err)
		defer mirror.Close()

		assert.Equal(t, []string{"task-events"}, dialer.Conn.Chan.Declared)
	})

	t.Run("dial failure", func(t *testing.T) {
		dialer := NewMockAMQPDialer()
		dialer.DialErr = errors.New("connection refused")

		_, err := NewEventMirrorWithDialer(cfg, dialer)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to connect")
	})

	t.Run("channel failure closes connection", func(t *testing.T) {
		dialer := NewMockAMQPDialer()
		dialer.Conn.ChannelErr = errors.New("no channel")

		_, err := NewEventMirrorWithDialer(cfg, dialer)
		require.Error(t, err)
		assert.True(t, dialer.Conn.Closed)
	})

	t.Run("declare failure closes everything", func(t *testing.T) {
		dialer := NewMockAMQPDialer()
		dialer.Conn.Chan.DeclareErr = errors.New("access refused")

		_, err := NewEventMirrorWithDialer(cfg, dialer)
		require.Error(t, err)
		assert.True(t, dialer.Conn.Chan.Closed)
		assert.True(t, dialer.Conn.Closed)
	})
}

func TestPublishEvent(t *testing.T) {
	cfg := config.AMQPConfig{URL: "amqp://localhost", QueueName: "task-events"}

	t.Run("publishes JSON with timestamp", func(t *testing.T) {
		dialer := NewMockAMQPDialer()
		mirror, err := NewEventMirrorWithDialer(cfg, dialer)
		require.NoError(t, err)
		defer mirror.Close()

		require.NoError(t, mirror.PublishEvent(TaskEvent{
			TaskID:       "t1",
			DocumentUUID: "doc-1",
			Stage:        "ocr",
			Status:       "completed",
		}))

		msgs := dialer.Conn.Chan.Messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "application/json", msgs[0].ContentType)

		var got TaskEvent
		require.NoError(t, json.Unmarshal(msgs[0].Body, &got))
		assert.Equal(t, "t1", got.TaskID)
		assert.Equal(t, "completed", got.Status)
		assert.False(t, got.At.IsZero(), "zero timestamps are stamped at publish")
	})

	t.Run("publish failure surfaces", func(t *testing.T) {
		dialer := NewMockAMQPDialer()
		mirror, err := NewEventMirrorWithDialer(cfg, dialer)
		require.NoError(t, err)
		defer mirror.Close()

		dialer.Conn.Chan.PublishErr = errors.New("channel gone")
		err = mirror.PublishEvent(TaskEvent{TaskID: "t1"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to publish")
	})
}

func TestEventMirrorClose(t *testing.T) {
	dialer := NewMockAMQPDialer()
	mirror, err := NewEventMirrorWithDialer(config.AMQPConfig{URL: "amqp://localhost", QueueName: "q"}, dialer)
	require.NoError(t, err)

	require.NoError(t, mirror.Close())
	assert.True(t, dialer.Conn.Chan.Closed)
	assert.True(t, dialer.Conn.Closed)
}
