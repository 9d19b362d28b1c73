package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexflow.evalgo.org/model"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewQueue(client, "test:queue:"), mr
}

func newTask(id, queueName string) *Task {
	return &Task{
		TaskID:       id,
		Type:         "stage.run",
		QueueName:    queueName,
		DocumentUUID: "doc-1",
		Stage:        model.StageOCR,
	}
}

func TestStageQueue(t *testing.T) {
	tests := []struct {
		stage model.Stage
		want  string
	}{
		{model.StageOCR, QueueOCR},
		{model.StageChunking, QueueText},
		{model.StageExtraction, QueueEntity},
		{model.StageResolution, QueueEntity},
		{model.StageRelationships, QueueGraph},
		{model.StageFinalization, QueueCleanup},
		{model.Stage("bogus"), QueueDefault},
	}
	for _, tt := range tests {
		t.Run(string(tt.stage), func(t *testing.T) {
			assert.Equal(t, tt.want, StageQueue(tt.stage))
		})
	}
}

func TestBatchQueue(t *testing.T) {
	assert.Equal(t, QueueBatchHigh, BatchQueue(model.PriorityHigh))
	assert.Equal(t, QueueBatchNormal, BatchQueue(model.PriorityNormal))
	assert.Equal(t, QueueBatchLow, BatchQueue(model.PriorityLow))
	assert.Equal(t, QueueBatchNormal, BatchQueue(model.Priority("bogus")))
}

func TestEnqueueDequeue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	first := newTask("t1", QueueOCR)
	second := newTask("t2", QueueOCR)
	require.NoError(t, q.Enqueue(ctx, first))
	require.NoError(t, q.Enqueue(ctx, second))

	depth, err := q.Depth(ctx, QueueOCR)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)

	got, err := q.Dequeue(ctx, []string{QueueOCR}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "t1", got.TaskID, "FIFO order")
	assert.False(t, got.EnqueuedAt.IsZero())

	got, err = q.Dequeue(ctx, []string{QueueOCR}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "t2", got.TaskID)
}

func TestDequeuePriorityOrder(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	low := newTask("t-low", QueueBatchLow)
	normal := newTask("t-normal", QueueBatchNormal)
	require.NoError(t, q.Enqueue(ctx, low))
	require.NoError(t, q.Enqueue(ctx, normal))

	// BLPOP scans keys in order, so the normal queue drains first.
	got, err := q.Dequeue(ctx, []string{QueueBatchNormal, QueueBatchLow}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "t-normal", got.TaskID)

	got, err = q.Dequeue(ctx, []string{QueueBatchNormal, QueueBatchLow}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "t-low", got.TaskID)
}

func TestEnqueueHighPriorityJumpsQueue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	first := newTask("t-normal", QueueOCR)
	urgent := newTask("t-high", QueueOCR)
	urgent.Priority = model.PriorityHigh
	require.NoError(t, q.Enqueue(ctx, first))
	require.NoError(t, q.Enqueue(ctx, urgent))

	got, err := q.Dequeue(ctx, []string{QueueOCR}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "t-high", got.TaskID, "high priority enters at the head")

	got, err = q.Dequeue(ctx, []string{QueueOCR}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "t-normal", got.TaskID)
}

func TestDequeueTimeout(t *testing.T) {
	q, _ := newTestQueue(t)

	got, err := q.Dequeue(context.Background(), []string{QueueOCR}, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestEnqueueDelayedAndPromote(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	future := newTask("t-future", QueueOCR)
	due := newTask("t-due", QueueOCR)
	require.NoError(t, q.EnqueueDelayed(ctx, future, time.Now().Add(time.Hour)))
	require.NoError(t, q.EnqueueDelayed(ctx, due, time.Now().Add(-time.Second)))

	// Only the due task moves; the future one stays scheduled.
	n, err := q.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.Dequeue(ctx, []string{QueueOCR}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "t-due", got.TaskID)

	depth, err := q.Depth(ctx, QueueOCR)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)

	// Idempotent once drained.
	n, err = q.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestProcessingLifecycle(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	task := newTask("t1", QueueOCR)
	require.NoError(t, q.MarkProcessing(ctx, task, time.Now().Add(time.Hour)))

	// Deadline not reached; nothing to reap.
	n, _, err := q.ReapStale(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, q.CompleteTask(ctx, task))
	n, _, err = q.ReapStale(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReapStale(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	task := newTask("t1", QueueOCR)
	task.EnqueuedAt = time.Now().UTC()
	require.NoError(t, q.MarkProcessing(ctx, task, time.Now().Add(-time.Minute)))

	n, dropped, err := q.ReapStale(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, dropped)

	got, err := q.Dequeue(ctx, []string{QueueOCR}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "t1", got.TaskID)
	assert.Equal(t, 1, got.RetryCount, "reaped tasks count as a retry")

	// The processing entry is gone.
	n, _, err = q.ReapStale(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReapStaleRespectsRetryBudget(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	task := newTask("t1", QueueOCR)
	task.EnqueuedAt = time.Now().UTC()
	task.RetryCount = 3
	require.NoError(t, q.MarkProcessing(ctx, task, time.Now().Add(-time.Minute)))

	n, dropped, err := q.ReapStale(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	require.Len(t, dropped, 1)
	assert.Equal(t, "t1", dropped[0].TaskID)
	assert.Equal(t, 3, dropped[0].RetryCount, "no extra attempt past the budget")

	// Neither re-enqueued nor still in the processing set.
	depth, err := q.Depth(ctx, QueueOCR)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)

	n, dropped, err = q.ReapStale(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, dropped)
}

func TestCancelFlag(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	cancelled, err := q.IsCancelled(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, cancelled)

	require.NoError(t, q.Cancel(ctx, "t1"))

	cancelled, err = q.IsCancelled(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, cancelled)

	cancelled, err = q.IsCancelled(ctx, "t2")
	require.NoError(t, err)
	assert.False(t, cancelled)
}
