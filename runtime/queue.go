// Package runtime is the task runtime: named Redis FIFO queues with a
// processing set and delayed-retry scheduling, a worker pool with soft and
// hard time limits, and an optional AMQP mirror of task lifecycle events.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"lexflow.evalgo.org/model"
)

// Queue names consumed by the pool. Batch priority variants route batch
// fan-out tasks.
const (
	QueueDefault     = "default"
	QueueOCR         = "ocr"
	QueueText        = "text"
	QueueEntity      = "entity"
	QueueGraph       = "graph"
	QueueCleanup     = "cleanup"
	QueueBatchHigh   = "batch.high"
	QueueBatchNormal = "batch.normal"
	QueueBatchLow    = "batch.low"
)

// StageQueue maps a pipeline stage to its queue.
func StageQueue(stage model.Stage) string {
	switch stage {
	case model.StageOCR:
		return QueueOCR
	case model.StageChunking:
		return QueueText
	case model.StageExtraction, model.StageResolution:
		return QueueEntity
	case model.StageRelationships:
		return QueueGraph
	case model.StageFinalization:
		return QueueCleanup
	}
	return QueueDefault
}

// BatchQueue maps a batch priority to its fan-out queue.
func BatchQueue(p model.Priority) string {
	switch p {
	case model.PriorityHigh:
		return QueueBatchHigh
	case model.PriorityLow:
		return QueueBatchLow
	}
	return QueueBatchNormal
}

// Task is one unit of queued work: one stage attempt on one document, or a
// batch control task.
type Task struct {
	TaskID       string            `json:"taskID"`
	Type         string            `json:"type"`
	QueueName    string            `json:"queueName"`
	DocumentUUID string            `json:"documentUUID"`
	Stage        model.Stage       `json:"stage,omitempty"`
	BatchID      string            `json:"batchID,omitempty"`
	Priority     model.Priority    `json:"priority,omitempty"`
	Payload      map[string]string `json:"payload,omitempty"`
	EnqueuedAt   time.Time         `json:"enqueuedAt"`
	RetryCount   int               `json:"retryCount"`
}

// Queue handles task queue operations using Redis. All workers share the
// same key space via the configured prefix.
type Queue struct {
	client *redis.Client
	prefix string
}

// NewQueue wraps a Redis client already verified by the state store.
func NewQueue(client *redis.Client, keyPrefix string) *Queue {
	if keyPrefix == "" {
		keyPrefix = "queue:"
	}
	return &Queue{client: client, prefix: keyPrefix}
}

func (q *Queue) queueKey(name string) string { return q.prefix + name }
func (q *Queue) processingKey() string       { return q.prefix + "processing" }
func (q *Queue) scheduledKey() string        { return q.prefix + "scheduled" }
func (q *Queue) cancelledKey() string        { return q.prefix + "cancelled" }

// Enqueue adds a task to its queue. High-priority tasks enter at the head
// of the list so BLPOP hands them out before the waiting backlog.
func (q *Queue) Enqueue(ctx context.Context, task *Task) error {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	if task.Priority == model.PriorityHigh {
		return q.client.LPush(ctx, q.queueKey(task.QueueName), string(data)).Err()
	}
	return q.client.RPush(ctx, q.queueKey(task.QueueName), string(data)).Err()
}

// EnqueueDelayed schedules a task to enter its queue at notBefore.
// PromoteDue moves it when the time comes.
func (q *Queue) EnqueueDelayed(ctx context.Context, task *Task, notBefore time.Time) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	return q.client.ZAdd(ctx, q.scheduledKey(), redis.Z{
		Score:  float64(notBefore.Unix()),
		Member: string(data),
	}).Err()
}

// PromoteDue moves every scheduled task whose time has come onto its
// queue. Returns the number promoted.
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	now := fmt.Sprintf("%d", time.Now().Unix())
	members, err := q.client.ZRangeByScore(ctx, q.scheduledKey(), &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read scheduled tasks: %w", err)
	}

	promoted := 0
	for _, member := range members {
		var task Task
		if err := json.Unmarshal([]byte(member), &task); err != nil {
			// Unreadable entry; drop it rather than loop forever.
			q.client.ZRem(ctx, q.scheduledKey(), member)
			continue
		}
		removed, err := q.client.ZRem(ctx, q.scheduledKey(), member).Result()
		if err != nil {
			return promoted, err
		}
		if removed == 0 {
			continue // another worker promoted it first
		}
		if err := q.client.RPush(ctx, q.queueKey(task.QueueName), member).Err(); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// Dequeue blocks on the given queues in priority order and returns the
// next task, or nil on timeout.
func (q *Queue) Dequeue(ctx context.Context, queues []string, timeout time.Duration) (*Task, error) {
	keys := make([]string, len(queues))
	for i, name := range queues {
		keys[i] = q.queueKey(name)
	}

	// Fresh bounded context per dequeue so a long-lived worker context
	// does not pin the blocking read.
	dctx, cancel := context.WithTimeout(context.Background(), timeout+time.Second)
	defer cancel()

	result, err := q.client.BLPop(dctx, timeout, keys...).Result()
	if err == redis.Nil {
		return nil, nil // timeout, no task available
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}
	if len(result) < 2 {
		return nil, nil
	}

	task := &Task{}
	if err := json.Unmarshal([]byte(result[1]), task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return task, nil
}

// MarkProcessing adds a task to the processing set with its hard deadline.
func (q *Queue) MarkProcessing(ctx context.Context, task *Task, deadline time.Time) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	return q.client.ZAdd(ctx, q.processingKey(), redis.Z{
		Score:  float64(deadline.Unix()),
		Member: string(data),
	}).Err()
}

// CompleteTask removes a task from the processing set.
func (q *Queue) CompleteTask(ctx context.Context, task *Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	return q.client.ZRem(ctx, q.processingKey(), string(data)).Err()
}

// ReapStale re-enqueues every processing-set entry whose hard deadline has
// passed, bumping its retry count. An entry already at the retry budget is
// dropped instead and returned so the caller can record the failure; a
// worker that keeps dying mid-task must not re-execute the same task
// forever. Covers workers that died mid-task.
func (q *Queue) ReapStale(ctx context.Context, maxRetries int) (int, []Task, error) {
	now := fmt.Sprintf("%d", time.Now().Unix())
	members, err := q.client.ZRangeByScore(ctx, q.processingKey(), &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read processing set: %w", err)
	}

	reaped := 0
	var dropped []Task
	for _, member := range members {
		removed, err := q.client.ZRem(ctx, q.processingKey(), member).Result()
		if err != nil {
			return reaped, dropped, err
		}
		if removed == 0 {
			continue
		}

		var task Task
		if err := json.Unmarshal([]byte(member), &task); err != nil {
			continue
		}
		if task.RetryCount >= maxRetries {
			dropped = append(dropped, task)
			continue
		}
		task.RetryCount++
		if err := q.Enqueue(ctx, &task); err != nil {
			return reaped, dropped, err
		}
		reaped++
	}
	return reaped, dropped, nil
}

// Depth returns the number of waiting tasks in a queue.
func (q *Queue) Depth(ctx context.Context, queueName string) (int64, error) {
	return q.client.LLen(ctx, q.queueKey(queueName)).Result()
}

// Cancel flags a task id so workers refuse it on dequeue. Flags expire
// after a day.
func (q *Queue) Cancel(ctx context.Context, taskID string) error {
	pipe := q.client.TxPipeline()
	pipe.SAdd(ctx, q.cancelledKey(), taskID)
	pipe.Expire(ctx, q.cancelledKey(), 24*time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}

// IsCancelled reports whether a task id carries the cancellation flag.
func (q *Queue) IsCancelled(ctx context.Context, taskID string) (bool, error) {
	return q.client.SIsMember(ctx, q.cancelledKey(), taskID).Result()
}
