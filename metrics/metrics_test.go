package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexflow.evalgo.org/common"
	"lexflow.evalgo.org/model"
	"lexflow.evalgo.org/state"
)

func newTestCollector(t *testing.T) (*Collector, *state.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	ss := state.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return NewCollector(ss), ss
}

func TestCollectorCounters(t *testing.T) {
	c, ss := newTestCollector(t)
	ctx := context.Background()
	stage := string(model.StageOCR)

	c.TaskSucceeded(ctx, stage)
	c.TaskSucceeded(ctx, stage)
	c.TaskFailed(ctx, stage, common.ErrTransient)
	c.TaskCancelled(ctx, stage)

	now := time.Now()
	completed, err := ss.GetMetric(ctx, now, stage, OutcomeCompleted)
	require.NoError(t, err)
	assert.Equal(t, int64(2), completed)

	failed, err := ss.GetMetric(ctx, now, stage, OutcomeFailed)
	require.NoError(t, err)
	assert.Equal(t, int64(1), failed)

	cancelled, err := ss.GetMetric(ctx, now, stage, OutcomeCancelled)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cancelled)

	// Failures also land in the classified error log.
	summary, err := ss.ErrorSummary(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary[string(common.ErrTransient)])
}

func TestCollectorStagelessOutcomes(t *testing.T) {
	c, ss := newTestCollector(t)
	ctx := context.Background()

	// Control tasks (batch fan-out, cache warm) carry no stage.
	c.TaskSucceeded(ctx, "")

	n, err := ss.GetMetric(ctx, time.Now(), "control", OutcomeCompleted)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestThroughputReport(t *testing.T) {
	c, ss := newTestCollector(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, ss.IncrMetric(ctx, now, string(model.StageOCR), OutcomeCompleted))
	require.NoError(t, ss.IncrMetric(ctx, now, string(model.StageOCR), OutcomeCompleted))
	require.NoError(t, ss.IncrMetric(ctx, now, string(model.StageExtraction), OutcomeFailed))
	require.NoError(t, ss.IncrMetric(ctx, now.Add(-time.Hour), string(model.StageOCR), OutcomeCompleted))

	report, err := c.ThroughputReport(ctx, 2)
	require.NoError(t, err)
	require.Len(t, report, 3, "silent stage/hour pairs are omitted")

	// Newest hour first.
	assert.Equal(t, string(model.StageOCR), report[0].Stage)
	assert.Equal(t, int64(2), report[0].Completed)
	assert.Equal(t, string(model.StageExtraction), report[1].Stage)
	assert.Equal(t, int64(1), report[1].Failed)
	assert.Equal(t, string(model.StageOCR), report[2].Stage)
	assert.True(t, report[2].Bucket.Before(report[0].Bucket))
}

func TestThroughputReportEmpty(t *testing.T) {
	c, _ := newTestCollector(t)
	report, err := c.ThroughputReport(context.Background(), 3)
	require.NoError(t, err)
	assert.Empty(t, report)
}

func TestErrorReport(t *testing.T) {
	c, ss := newTestCollector(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, ss.RecordError(ctx, now, string(common.ErrTransient)))
	require.NoError(t, ss.RecordError(ctx, now, string(common.ErrTransient)))
	require.NoError(t, ss.RecordError(ctx, now.Add(-time.Hour), string(common.ErrTransient)))
	require.NoError(t, ss.RecordError(ctx, now.Add(-time.Hour), string(common.ErrData)))

	totals, err := c.ErrorReport(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), totals[string(common.ErrTransient)])
	assert.Equal(t, int64(1), totals[string(common.ErrData)])

	// A one-hour window excludes the older bucket.
	totals, err = c.ErrorReport(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), totals[string(common.ErrTransient)])
	assert.NotContains(t, totals, string(common.ErrData))
}
