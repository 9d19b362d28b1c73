// Package state implements the Redis-backed state store for the lexflow
// pipeline: per-document state hashes with compare-and-set versioning,
// scoped TTL locks, stage result caches, batch bookkeeping, shared token
// buckets, and hour-bucketed metric counters.
//
// All mutations are single-key atomic operations, Lua scripts, or WATCH
// transactions; no caller ever holds in-process authoritative state.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// TTLs for the documented key layout.
const (
	OCRCacheTTL      = 24 * time.Hour
	ChunkCacheTTL    = time.Hour
	JobTTL           = 24 * time.Hour
	BatchManifestTTL = 24 * time.Hour
	BatchProgressTTL = time.Hour
	BatchRetryTTL    = 24 * time.Hour
	MetricsTTL       = 7 * 24 * time.Hour
)

// ErrVersionRace is returned when a document state update lost a
// compare-and-set race; callers re-read and retry.
var ErrVersionRace = errors.New("document state version race")

// ErrCacheMiss is returned when a cache key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// DocState mirrors the doc:state:{uuid} hash. Version increases by one on
// every successful write.
type DocState struct {
	Stage     string
	Status    string
	StartedAt time.Time
	Error     string
	Version   int64
}

// DocStatus mirrors the doc:status:{uuid} hash read by batch monitoring.
type DocStatus struct {
	OverallStatus   string
	CurrentStage    string
	StagesCompleted int
}

// Store is the Redis state store handle shared by all workers.
type Store struct {
	client *redis.Client
}

// New connects to Redis at the given URL and verifies the connection.
func New(ctx context.Context, url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{client: client}, nil
}

// NewFromClient wraps an existing client. Used by tests with miniredis.
func NewFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close closes the Redis connection.
func (s *Store) Close() error { return s.client.Close() }

// Client exposes the underlying connection for components sharing it (the
// task queues, metrics collector).
func (s *Store) Client() *redis.Client { return s.client }

// Document state

func docStateKey(docUUID string) string  { return "doc:state:" + docUUID }
func docStatusKey(docUUID string) string { return "doc:status:" + docUUID }

// GetDocState reads the state hash for a document. A missing key returns a
// zero DocState with Version 0.
func (s *Store) GetDocState(ctx context.Context, docUUID string) (*DocState, error) {
	vals, err := s.client.HGetAll(ctx, docStateKey(docUUID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read doc state: %w", err)
	}
	return docStateFromMap(vals), nil
}

// UpdateDocState applies mutate to the current state under a WATCH
// transaction keyed on the version field. A concurrent writer causes
// ErrVersionRace; the caller re-reads and retries.
func (s *Store) UpdateDocState(ctx context.Context, docUUID string, mutate func(*DocState)) (*DocState, error) {
	key := docStateKey(docUUID)
	var updated *DocState

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		st := docStateFromMap(vals)
		mutate(st)
		st.Version++

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, docStateToMap(st))
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return nil, ErrVersionRace
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update doc state: %w", err)
	}

	// Re-read outside the transaction for the caller's benefit.
	updated, err = s.GetDocState(ctx, docUUID)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SetDocStatus writes the monitoring hash for a document.
func (s *Store) SetDocStatus(ctx context.Context, docUUID string, st DocStatus) error {
	return s.client.HSet(ctx, docStatusKey(docUUID), map[string]interface{}{
		"overall_status":   st.OverallStatus,
		"current_stage":    st.CurrentStage,
		"stages_completed": st.StagesCompleted,
	}).Err()
}

// GetDocStatus reads the monitoring hash. A missing key returns a zero
// DocStatus.
func (s *Store) GetDocStatus(ctx context.Context, docUUID string) (*DocStatus, error) {
	vals, err := s.client.HGetAll(ctx, docStatusKey(docUUID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read doc status: %w", err)
	}
	st := &DocStatus{
		OverallStatus: vals["overall_status"],
		CurrentStage:  vals["current_stage"],
	}
	if n, err := strconv.Atoi(vals["stages_completed"]); err == nil {
		st.StagesCompleted = n
	}
	return st, nil
}

// Scoped stage locks

func stageLockKey(docUUID, stage string) string {
	return fmt.Sprintf("lock:doc:%s:%s", docUUID, stage)
}

// releaseScript deletes a lock only when held by the named owner.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AcquireStageLock takes the per-(document, stage) lock with the given TTL.
// Returns false without error when another owner holds it.
func (s *Store) AcquireStageLock(ctx context.Context, docUUID, stage, owner string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, stageLockKey(docUUID, stage), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire stage lock: %w", err)
	}
	return ok, nil
}

// ReleaseStageLock releases the lock if owner still holds it. Releasing a
// lock lost to TTL expiry is a no-op.
func (s *Store) ReleaseStageLock(ctx context.Context, docUUID, stage, owner string) error {
	return releaseScript.Run(ctx, s.client, []string{stageLockKey(docUUID, stage)}, owner).Err()
}

// StageLockHolder returns the current owner of the lock, or "" when free.
func (s *Store) StageLockHolder(ctx context.Context, docUUID, stage string) (string, error) {
	owner, err := s.client.Get(ctx, stageLockKey(docUUID, stage)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return owner, err
}

// Stage result caches

// SetOCRText caches concatenated OCR text for a document (24h TTL).
func (s *Store) SetOCRText(ctx context.Context, docUUID, text string) error {
	return s.SetOCRTextTTL(ctx, docUUID, text, OCRCacheTTL)
}

// SetOCRTextTTL caches OCR text with an explicit TTL. Cache warming uses a
// shorter TTL than the OCR stage itself.
func (s *Store) SetOCRTextTTL(ctx context.Context, docUUID, text string, ttl time.Duration) error {
	return s.client.Set(ctx, "doc:ocr:"+docUUID, text, ttl).Err()
}

// GetOCRText returns cached OCR text or ErrCacheMiss.
func (s *Store) GetOCRText(ctx context.Context, docUUID string) (string, error) {
	text, err := s.client.Get(ctx, "doc:ocr:"+docUUID).Result()
	if err == redis.Nil {
		return "", ErrCacheMiss
	}
	return text, err
}

// SetJSON caches any value as JSON under the given key and TTL.
func (s *Store) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return s.client.Set(ctx, key, data, ttl).Err()
}

// GetJSON reads a JSON cache entry into value, or returns ErrCacheMiss.
func (s *Store) GetJSON(ctx context.Context, key string, value interface{}) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return ErrCacheMiss
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, value)
}

// ChunksKey returns the cache key for a document's chunk list.
func ChunksKey(docUUID string) string { return "doc:chunks:" + docUUID }

// ProjectEntitiesKey returns the cache key for a project's frequent
// canonical entities.
func ProjectEntitiesKey(projectUUID string) string { return "proj:entities:" + projectUUID }

// ResolutionKey returns the cache key for a document's mention-to-canonical
// map.
func ResolutionKey(docUUID string) string { return "doc:resolution:" + docUUID }

// OCR job records

func ocrJobKey(jobID string) string { return "job:ocr:" + jobID }

// SetOCRJob writes the job hash for an outstanding provider job.
func (s *Store) SetOCRJob(ctx context.Context, jobID, docUUID, status string, attempts int) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, ocrJobKey(jobID), map[string]interface{}{
		"status":   status,
		"doc_uuid": docUUID,
		"attempts": attempts,
	})
	pipe.Expire(ctx, ocrJobKey(jobID), JobTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// IncrOCRJobAttempts atomically bumps the poll attempt counter and returns
// the new value.
func (s *Store) IncrOCRJobAttempts(ctx context.Context, jobID string) (int64, error) {
	return s.client.HIncrBy(ctx, ocrJobKey(jobID), "attempts", 1).Result()
}

// GetOCRJob reads the job hash; a missing job returns empty values.
func (s *Store) GetOCRJob(ctx context.Context, jobID string) (status, docUUID string, attempts int, err error) {
	vals, err := s.client.HGetAll(ctx, ocrJobKey(jobID)).Result()
	if err != nil {
		return "", "", 0, err
	}
	attempts, _ = strconv.Atoi(vals["attempts"])
	return vals["status"], vals["doc_uuid"], attempts, nil
}

// Batch bookkeeping

// SetBatchManifest stores the batch manifest JSON (24h TTL).
func (s *Store) SetBatchManifest(ctx context.Context, batchID string, manifest interface{}) error {
	return s.SetJSON(ctx, "batch:manifest:"+batchID, manifest, BatchManifestTTL)
}

// GetBatchManifest reads the manifest into out, or ErrCacheMiss.
func (s *Store) GetBatchManifest(ctx context.Context, batchID string, out interface{}) error {
	return s.GetJSON(ctx, "batch:manifest:"+batchID, out)
}

// SetBatchTasks stores the task id list for a batch (24h TTL).
func (s *Store) SetBatchTasks(ctx context.Context, batchID string, taskIDs []string) error {
	return s.SetJSON(ctx, "batch:job:"+batchID, taskIDs, BatchManifestTTL)
}

// SetBatchProgress caches the latest progress report (1h TTL).
func (s *Store) SetBatchProgress(ctx context.Context, batchID string, progress interface{}) error {
	return s.SetJSON(ctx, "batch:progress:"+batchID, progress, BatchProgressTTL)
}

// GetBatchProgress reads the cached progress report into out.
func (s *Store) GetBatchProgress(ctx context.Context, batchID string, out interface{}) error {
	return s.GetJSON(ctx, "batch:progress:"+batchID, out)
}

// IncrBatchRetries bumps the batch recovery counter and returns its value.
func (s *Store) IncrBatchRetries(ctx context.Context, batchID string) (int64, error) {
	key := "batch:retry_count:" + batchID
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	s.client.Expire(ctx, key, BatchRetryTTL)
	return n, nil
}

// GetBatchRetries reads the batch recovery counter.
func (s *Store) GetBatchRetries(ctx context.Context, batchID string) (int, error) {
	v, err := s.client.Get(ctx, "batch:retry_count:"+batchID).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(v)
}

// Metrics

// MetricKey builds the hour-bucketed counter key.
func MetricKey(bucket time.Time, stage, status string) string {
	return fmt.Sprintf("metrics:%d:%s:%s", bucket.Truncate(time.Hour).Unix(), stage, status)
}

// IncrMetric bumps an hour-bucketed stage/status counter (7d TTL).
func (s *Store) IncrMetric(ctx context.Context, bucket time.Time, stage, status string) error {
	key := MetricKey(bucket, stage, status)
	pipe := s.client.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, MetricsTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// GetMetric reads one counter; missing counters read as zero.
func (s *Store) GetMetric(ctx context.Context, bucket time.Time, stage, status string) (int64, error) {
	v, err := s.client.Get(ctx, MetricKey(bucket, stage, status)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

// RecordError bumps the classified error kind in the hour's error log
// sorted set (7d TTL).
func (s *Store) RecordError(ctx context.Context, bucket time.Time, kind string) error {
	key := fmt.Sprintf("metrics:errors:%d", bucket.Truncate(time.Hour).Unix())
	pipe := s.client.TxPipeline()
	pipe.ZIncrBy(ctx, key, 1, kind)
	pipe.Expire(ctx, key, MetricsTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// ErrorSummary returns error kind counts for the hour bucket, highest first.
func (s *Store) ErrorSummary(ctx context.Context, bucket time.Time) (map[string]int64, error) {
	key := fmt.Sprintf("metrics:errors:%d", bucket.Truncate(time.Hour).Unix())
	zs, err := s.client.ZRevRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(zs))
	for _, z := range zs {
		if member, ok := z.Member.(string); ok {
			out[member] = int64(z.Score)
		}
	}
	return out, nil
}

// Shared token buckets

// tokenScript implements a TTL-refilled token bucket: the key is created
// with the burst capacity and refill-interval expiry, then decremented
// atomically until empty.
var tokenScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	v = ARGV[1]
end
if tonumber(v) > 0 then
	redis.call("DECR", KEYS[1])
	return 1
end
return 0
`)

// TakeToken consumes one token from the provider's shared bucket. Returns
// false when the bucket is empty for the current refill window.
func (s *Store) TakeToken(ctx context.Context, provider string, burst int, refill time.Duration) (bool, error) {
	key := "ratelimit:" + provider
	res, err := tokenScript.Run(ctx, s.client, []string{key},
		burst, refill.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to take token: %w", err)
	}
	return res == 1, nil
}

// helpers

func docStateFromMap(vals map[string]string) *DocState {
	st := &DocState{
		Stage:  vals["stage"],
		Status: vals["status"],
		Error:  vals["error"],
	}
	if v, err := strconv.ParseInt(vals["version"], 10, 64); err == nil {
		st.Version = v
	}
	if v, err := strconv.ParseInt(vals["started_at"], 10, 64); err == nil && v > 0 {
		st.StartedAt = time.Unix(v, 0).UTC()
	}
	return st
}

func docStateToMap(st *DocState) map[string]interface{} {
	started := int64(0)
	if !st.StartedAt.IsZero() {
		started = st.StartedAt.Unix()
	}
	return map[string]interface{}{
		"stage":      st.Stage,
		"status":     st.Status,
		"started_at": started,
		"error":      st.Error,
		"version":    st.Version,
	}
}
