// Package metrics emits and queries the hour-bucketed pipeline counters
// kept in the state store.
package metrics

import (
	"context"
	"time"

	"lexflow.evalgo.org/common"
	"lexflow.evalgo.org/model"
	"lexflow.evalgo.org/state"
)

// Outcome labels recorded per stage counter.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Collector writes task outcome counters and classified error entries.
// It implements the worker pool's Recorder interface; emission failures
// are logged and swallowed so metrics never fail a task.
type Collector struct {
	ss *state.Store
}

func NewCollector(ss *state.Store) *Collector {
	return &Collector{ss: ss}
}

func (c *Collector) TaskSucceeded(ctx context.Context, stage string) {
	c.incr(ctx, stage, OutcomeCompleted)
}

func (c *Collector) TaskFailed(ctx context.Context, stage string, kind common.ErrorKind) {
	c.incr(ctx, stage, OutcomeFailed)
	if err := c.ss.RecordError(ctx, time.Now(), string(kind)); err != nil {
		common.Logger.WithError(err).Debug("failed to record error metric")
	}
}

func (c *Collector) TaskCancelled(ctx context.Context, stage string) {
	c.incr(ctx, stage, OutcomeCancelled)
}

func (c *Collector) incr(ctx context.Context, stage, outcome string) {
	if stage == "" {
		stage = "control"
	}
	if err := c.ss.IncrMetric(ctx, time.Now(), stage, outcome); err != nil {
		common.Logger.WithError(err).Debug("failed to record stage metric")
	}
}

// HourlyThroughput is one hour's outcome counts for one stage.
type HourlyThroughput struct {
	Bucket    time.Time `json:"bucket"`
	Stage     string    `json:"stage"`
	Completed int64     `json:"completed"`
	Failed    int64     `json:"failed"`
	Cancelled int64     `json:"cancelled"`
}

// ThroughputReport reads per-stage counters for the trailing window of
// whole hours, newest first.
func (c *Collector) ThroughputReport(ctx context.Context, hours int) ([]HourlyThroughput, error) {
	var report []HourlyThroughput
	now := time.Now().Truncate(time.Hour)

	for h := 0; h < hours; h++ {
		bucket := now.Add(-time.Duration(h) * time.Hour)
		for _, stage := range model.Stages {
			completed, err := c.ss.GetMetric(ctx, bucket, string(stage), OutcomeCompleted)
			if err != nil {
				return nil, err
			}
			failed, err := c.ss.GetMetric(ctx, bucket, string(stage), OutcomeFailed)
			if err != nil {
				return nil, err
			}
			cancelled, err := c.ss.GetMetric(ctx, bucket, string(stage), OutcomeCancelled)
			if err != nil {
				return nil, err
			}
			if completed == 0 && failed == 0 && cancelled == 0 {
				continue
			}
			report = append(report, HourlyThroughput{
				Bucket:    bucket,
				Stage:     string(stage),
				Completed: completed,
				Failed:    failed,
				Cancelled: cancelled,
			})
		}
	}
	return report, nil
}

// ErrorReport aggregates classified error counts over the trailing window
// of whole hours.
func (c *Collector) ErrorReport(ctx context.Context, hours int) (map[string]int64, error) {
	totals := make(map[string]int64)
	now := time.Now().Truncate(time.Hour)

	for h := 0; h < hours; h++ {
		bucket := now.Add(-time.Duration(h) * time.Hour)
		summary, err := c.ss.ErrorSummary(ctx, bucket)
		if err != nil {
			return nil, err
		}
		for kind, n := range summary {
			totals[kind] += n
		}
	}
	return totals, nil
}
