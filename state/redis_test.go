package state

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewFromClient(client), mr
}

func TestDocStateLifecycle(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	st, err := store.GetDocState(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Version)
	assert.Empty(t, st.Stage)

	updated, err := store.UpdateDocState(ctx, "doc-1", func(st *DocState) {
		st.Stage = "ocr"
		st.Status = "in_progress"
		st.StartedAt = time.Unix(1700000000, 0).UTC()
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.Version)
	assert.Equal(t, "ocr", updated.Stage)

	updated, err = store.UpdateDocState(ctx, "doc-1", func(st *DocState) {
		st.Status = "completed"
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, "ocr", updated.Stage)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), updated.StartedAt)
}

func TestDocStatus(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetDocStatus(ctx, "doc-1", DocStatus{
		OverallStatus:   "processing",
		CurrentStage:    "chunking",
		StagesCompleted: 1,
	}))

	st, err := store.GetDocStatus(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "processing", st.OverallStatus)
	assert.Equal(t, "chunking", st.CurrentStage)
	assert.Equal(t, 1, st.StagesCompleted)
}

func TestStageLocks(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := store.AcquireStageLock(ctx, "doc-1", "ocr", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second acquirer is refused.
	ok, err = store.AcquireStageLock(ctx, "doc-1", "ocr", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Same document, different stage is independent.
	ok, err = store.AcquireStageLock(ctx, "doc-1", "chunking", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// Release by the wrong owner is a no-op.
	require.NoError(t, store.ReleaseStageLock(ctx, "doc-1", "ocr", "worker-b"))
	holder, err := store.StageLockHolder(ctx, "doc-1", "ocr")
	require.NoError(t, err)
	assert.Equal(t, "worker-a", holder)

	require.NoError(t, store.ReleaseStageLock(ctx, "doc-1", "ocr", "worker-a"))
	holder, err = store.StageLockHolder(ctx, "doc-1", "ocr")
	require.NoError(t, err)
	assert.Empty(t, holder)
}

func TestStageLockExpiry(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	ok, err := store.AcquireStageLock(ctx, "doc-1", "ocr", "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)

	ok, err = store.AcquireStageLock(ctx, "doc-1", "ocr", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOCRTextCache(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetOCRText(ctx, "doc-1")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, store.SetOCRText(ctx, "doc-1", "page one\fpage two"))
	text, err := store.GetOCRText(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "page one\fpage two", text)
}

func TestJSONCache(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	type chunk struct {
		Index int    `json:"index"`
		Text  string `json:"text"`
	}

	var out []chunk
	assert.ErrorIs(t, store.GetJSON(ctx, ChunksKey("doc-1"), &out), ErrCacheMiss)

	in := []chunk{{0, "a"}, {1, "b"}}
	require.NoError(t, store.SetJSON(ctx, ChunksKey("doc-1"), in, time.Hour))
	require.NoError(t, store.GetJSON(ctx, ChunksKey("doc-1"), &out))
	assert.Equal(t, in, out)
}

func TestOCRJobRecords(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetOCRJob(ctx, "job-1", "doc-1", "in_progress", 0))

	n, err := store.IncrOCRJobAttempts(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = store.IncrOCRJobAttempts(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	status, docUUID, attempts, err := store.GetOCRJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "in_progress", status)
	assert.Equal(t, "doc-1", docUUID)
	assert.Equal(t, 2, attempts)
}

func TestBatchBookkeeping(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	type manifest struct {
		BatchID string   `json:"batch_id"`
		Docs    []string `json:"docs"`
	}

	in := manifest{BatchID: "b-1", Docs: []string{"d1", "d2"}}
	require.NoError(t, store.SetBatchManifest(ctx, "b-1", in))

	var out manifest
	require.NoError(t, store.GetBatchManifest(ctx, "b-1", &out))
	assert.Equal(t, in, out)

	n, err := store.GetBatchRetries(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	v, err := store.IncrBatchRetries(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	n, err = store.GetBatchRetries(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMetrics(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	bucket := time.Unix(1700000000, 0)

	require.NoError(t, store.IncrMetric(ctx, bucket, "ocr", "completed"))
	require.NoError(t, store.IncrMetric(ctx, bucket, "ocr", "completed"))
	require.NoError(t, store.IncrMetric(ctx, bucket, "ocr", "failed"))

	n, err := store.GetMetric(ctx, bucket, "ocr", "completed")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Missing counters read as zero.
	n, err = store.GetMetric(ctx, bucket, "chunking", "completed")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	require.NoError(t, store.RecordError(ctx, bucket, "transient"))
	require.NoError(t, store.RecordError(ctx, bucket, "transient"))
	require.NoError(t, store.RecordError(ctx, bucket, "data"))

	summary, err := store.ErrorSummary(ctx, bucket)
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary["transient"])
	assert.Equal(t, int64(1), summary["data"])
}

func TestTakeToken(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := store.TakeToken(ctx, "llm", 3, time.Second)
		require.NoError(t, err)
		assert.True(t, ok, "token %d", i)
	}

	ok, err := store.TakeToken(ctx, "llm", 3, time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "bucket should be empty")

	// Bucket refills after the window expires.
	mr.FastForward(2 * time.Second)
	ok, err = store.TakeToken(ctx, "llm", 3, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}
