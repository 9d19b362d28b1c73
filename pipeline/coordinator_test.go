package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexflow.evalgo.org/common"
	"lexflow.evalgo.org/model"
	"lexflow.evalgo.org/runtime"
)

// The full stage machine runs against Postgres in the integration tests;
// these cover dispatch and the pure helpers.

type fakeWarmer struct {
	batches []string
	err     error
}

func (f *fakeWarmer) WarmBatch(ctx context.Context, batchID string) error {
	f.batches = append(f.batches, batchID)
	return f.err
}

func TestProcessDispatchErrors(t *testing.T) {
	c := &Coordinator{}
	ctx := context.Background()

	t.Run("unknown task type", func(t *testing.T) {
		err := c.Process(ctx, &runtime.Task{TaskID: "t1", Type: "bogus"})
		var se *common.StageError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "unknown_task_type", se.Code)
		assert.Equal(t, common.ErrPermanent, se.Kind)
	})

	t.Run("unknown stage", func(t *testing.T) {
		err := c.Process(ctx, &runtime.Task{TaskID: "t1", Type: TaskStageRun, Stage: "bogus"})
		var se *common.StageError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "unknown_stage", se.Code)
	})

	t.Run("cache warm without warmer", func(t *testing.T) {
		err := c.Process(ctx, &runtime.Task{TaskID: "t1", Type: TaskCacheWarm})
		var se *common.StageError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "warmer_unavailable", se.Code)
		assert.Equal(t, common.ErrConfiguration, se.Kind)
	})
}

func TestProcessCacheWarmDispatch(t *testing.T) {
	c := &Coordinator{}
	w := &fakeWarmer{}
	c.SetWarmer(w)

	err := c.Process(context.Background(), &runtime.Task{
		TaskID:  "t1",
		Type:    TaskCacheWarm,
		BatchID: "b-1",
		Payload: map[string]string{payloadBatchID: "b-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b-1"}, w.batches)
}

func TestFailureMessageLeadsWithCode(t *testing.T) {
	err := common.NewStageError(common.ErrTransient, "ocr_timeout", "no result after 30 polls")
	msg := failureMessage(err, common.Classify(err))

	assert.True(t, strings.HasPrefix(msg, "ocr_timeout"),
		"persisted message must begin with the error code, got %q", msg)
	assert.Contains(t, msg, "[transient]")
}

func TestChunkUUIDDeterministic(t *testing.T) {
	a := chunkUUID("doc-1", 0)
	b := chunkUUID("doc-1", 0)
	assert.Equal(t, a, b)

	assert.NotEqual(t, chunkUUID("doc-1", 0), chunkUUID("doc-1", 1))
	assert.NotEqual(t, chunkUUID("doc-1", 0), chunkUUID("doc-2", 0))

	_, err := uuid.Parse(a)
	assert.NoError(t, err)
}

func TestPageAt(t *testing.T) {
	text := "page one\fpage two\fpage three"

	tests := []struct {
		name   string
		offset int
		want   int
	}{
		{"start of document", 0, 1},
		{"inside first page", 4, 1},
		{"start of second page", 9, 2},
		{"inside third page", 20, 3},
		{"end of document", len(text), 3},
		{"offset past end clamps", len(text) + 100, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pageAt(text, tt.offset))
		})
	}
}

func TestStageHandlerCoverage(t *testing.T) {
	c := &Coordinator{}
	for _, stage := range []model.Stage{
		model.StageChunking,
		model.StageExtraction,
		model.StageResolution,
		model.StageRelationships,
		model.StageFinalization,
	} {
		fn, err := c.stageHandler(stage)
		require.NoError(t, err, "stage %s", stage)
		assert.NotNil(t, fn)
	}

	// OCR runs through its submit/poll task types, not stage.run.
	_, err := c.stageHandler(model.StageOCR)
	assert.Error(t, err)
}
