// Package batch implements the batch orchestrator: manifest fan-out onto
// priority queues, progress monitoring with ETA, failure recovery plans,
// and cache warming ahead of large batches.
package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"lexflow.evalgo.org/common"
	"lexflow.evalgo.org/config"
	"lexflow.evalgo.org/db"
	"lexflow.evalgo.org/model"
	"lexflow.evalgo.org/pipeline"
	"lexflow.evalgo.org/runtime"
	"lexflow.evalgo.org/state"
)

// DocumentRef names one document in a batch submission.
type DocumentRef struct {
	DocumentUUID string `json:"document_uuid"`
	BlobLocation string `json:"blob_location"`
}

// Options tune one batch.
type Options struct {
	WarmCache        bool `json:"warm_cache"`
	MaxRetries       int  `json:"max_retries"`
	EntityResolution bool `json:"entity_resolution"`
}

// Manifest is the durable description of a batch, stored in the state
// store under batch:manifest:{id}.
type Manifest struct {
	BatchID     string         `json:"batch_id"`
	ProjectUUID string         `json:"project_uuid"`
	Priority    model.Priority `json:"priority"`
	Documents   []DocumentRef  `json:"documents"`
	Options     Options        `json:"options"`
	CreatedAt   time.Time      `json:"created_at"`
}

// DocumentFailure surfaces one failed document in the progress report.
type DocumentFailure struct {
	DocumentUUID string `json:"document_uuid"`
	Stage        string `json:"stage"`
	Error        string `json:"error"`
}

// Progress is the monitoring snapshot of a batch.
type Progress struct {
	BatchID   string `json:"batch_id"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Cancelled int    `json:"cancelled"`

	// ByStage counts documents per (current stage, status).
	ByStage map[string]map[string]int `json:"by_stage"`

	PercentComplete float64           `json:"percent_complete"`
	Elapsed         time.Duration     `json:"elapsed"`
	ElapsedHuman    string            `json:"elapsed_human"`
	ETA             time.Duration     `json:"eta"`
	ETAHuman        string            `json:"eta_human"`
	Status          string            `json:"status"`
	Failures        []DocumentFailure `json:"failures,omitempty"`
}

// Batch terminal statuses in the progress report.
const (
	StatusProcessing     = "processing"
	StatusCompleted      = "completed"
	StatusPartialSuccess = "partial_success"
	StatusFailed         = "failed"
)

// Recovery strategies.
const (
	RecoverImmediate = "immediate"
	RecoverDelayed   = "delayed"
	RecoverManual    = "manual"
)

// RecoveryPlan describes how to retry a batch's failed documents.
type RecoveryPlan struct {
	BatchID     string        `json:"batch_id"`
	Strategy    string        `json:"strategy"`
	Documents   []DocumentRef `json:"documents"`
	RetryCount  int           `json:"retry_count"`
	Delay       time.Duration `json:"delay"`
	FailureRate float64       `json:"failure_rate"`
}

// Orchestrator submits, monitors, and recovers batches.
type Orchestrator struct {
	ss     *state.Store
	ps     *db.Store
	queue  *runtime.Queue
	coord  *pipeline.Coordinator
	warmer *Warmer
	cfg    config.BatchConfig
	worker config.WorkerConfig
}

// New wires an orchestrator and installs its warmer on the coordinator so
// asynchronous cache.warm tasks dispatch back here.
func New(ss *state.Store, ps *db.Store, queue *runtime.Queue, coord *pipeline.Coordinator,
	cfg config.BatchConfig, worker config.WorkerConfig) *Orchestrator {
	o := &Orchestrator{
		ss:     ss,
		ps:     ps,
		queue:  queue,
		coord:  coord,
		warmer: NewWarmer(ss, ps, cfg),
		cfg:    cfg,
	}
	o.worker = worker
	coord.SetWarmer(o.warmer)
	return o
}

// Submit registers N documents under one batch and fans their chains out
// onto the priority queue. Returns the batch id and the control task id.
func (o *Orchestrator) Submit(ctx context.Context, docs []DocumentRef, projectUUID string,
	priority model.Priority, opts Options) (string, string, error) {
	if len(docs) == 0 {
		return "", "", common.NewStageError(common.ErrData, "empty_batch", "batch has no documents")
	}
	if !priority.Valid() {
		return "", "", common.NewStageError(common.ErrData, "invalid_priority", "unknown priority %q", priority)
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = o.worker.MaxRetries
	}

	queueName := runtime.BatchQueue(priority)
	depth, err := o.queue.Depth(ctx, queueName)
	if err != nil {
		return "", "", err
	}

	batchID := uuid.NewString()
	log := common.BatchLogger(batchID)

	// Over the backpressure threshold the batch is still accepted; its
	// tasks are scheduled after BackpressureDelay instead of rejected.
	notBefore := o.backpressureNotBefore(depth, time.Now())
	if !notBefore.IsZero() {
		log.WithFields(map[string]interface{}{
			"queue":      queueName,
			"depth":      depth,
			"not_before": notBefore.Format(time.RFC3339),
		}).Warn("queue depth exceeds backpressure threshold, delaying batch enqueue")
	}

	manifest := &Manifest{
		BatchID:     batchID,
		ProjectUUID: projectUUID,
		Priority:    priority,
		Documents:   docs,
		Options:     opts,
		CreatedAt:   time.Now().UTC(),
	}
	if err := o.ss.SetBatchManifest(ctx, batchID, manifest); err != nil {
		return "", "", err
	}

	for _, d := range docs {
		if _, err := o.ps.CreateDocument(ctx, &model.SourceDocument{
			DocumentUUID: d.DocumentUUID,
			ProjectUUID:  projectUUID,
			BlobLocation: d.BlobLocation,
			Status:       model.DocStatusPending,
		}); err != nil {
			return "", "", err
		}
	}

	controlTaskID := o.warm(ctx, manifest, queueName, depth)

	taskIDs := make([]string, 0, len(docs))
	for _, d := range docs {
		taskID, err := o.coord.EnqueueForBatch(ctx, d.DocumentUUID, d.BlobLocation, queueName, batchID, 0, notBefore)
		if err != nil {
			return "", "", err
		}
		taskIDs = append(taskIDs, taskID)
	}
	if err := o.ss.SetBatchTasks(ctx, batchID, taskIDs); err != nil {
		return "", "", err
	}

	log.WithFields(map[string]interface{}{
		"documents": len(docs),
		"priority":  string(priority),
		"delayed":   !notBefore.IsZero(),
	}).Info("batch submitted")
	return batchID, controlTaskID, nil
}

// backpressureNotBefore returns the earliest start time for a batch's tasks
// given the current queue depth. Zero means enqueue immediately.
func (o *Orchestrator) backpressureNotBefore(depth int64, now time.Time) time.Time {
	if depth <= int64(o.cfg.BackpressureDepth) {
		return time.Time{}
	}
	return now.Add(o.cfg.BackpressureDelay)
}

// warm triggers cache warming per policy: synchronously for high priority,
// via an async task otherwise. Low-priority batches skip warming entirely
// under backpressure. Returns the control task id, if any.
func (o *Orchestrator) warm(ctx context.Context, m *Manifest, queueName string, depth int64) string {
	if !m.Options.WarmCache || len(m.Documents) < o.cfg.WarmThreshold {
		return ""
	}
	log := common.BatchLogger(m.BatchID)

	if m.Priority == model.PriorityLow && depth > int64(o.cfg.BackpressureDepth)/2 {
		log.Info("skipping cache warm for low priority batch under load")
		return ""
	}

	if m.Priority == model.PriorityHigh {
		if err := o.warmer.WarmBatch(ctx, m.BatchID); err != nil {
			log.WithError(err).Warn("synchronous cache warm failed")
		}
		return ""
	}

	taskID := uuid.NewString()
	task := &runtime.Task{
		TaskID:    taskID,
		Type:      pipeline.TaskCacheWarm,
		QueueName: runtime.QueueDefault,
		BatchID:   m.BatchID,
		Payload:   map[string]string{"batch_id": m.BatchID},
	}
	if err := o.queue.Enqueue(ctx, task); err != nil {
		log.WithError(err).Warn("failed to enqueue cache warm task")
		return ""
	}
	return taskID
}

// Monitor computes the live progress report for a batch and caches it
// under batch:progress:{id}.
func (o *Orchestrator) Monitor(ctx context.Context, batchID string) (*Progress, error) {
	manifest := &Manifest{}
	if err := o.ss.GetBatchManifest(ctx, batchID, manifest); err != nil {
		return nil, fmt.Errorf("unknown batch %s: %w", batchID, err)
	}

	p := &Progress{
		BatchID: batchID,
		Total:   len(manifest.Documents),
		ByStage: make(map[string]map[string]int),
	}

	for _, d := range manifest.Documents {
		st, err := o.ss.GetDocStatus(ctx, d.DocumentUUID)
		if err != nil {
			return nil, err
		}
		stage, status := st.CurrentStage, st.OverallStatus
		if stage == "" {
			stage, status = "queued", string(model.DocStatusPending)
		}
		if p.ByStage[stage] == nil {
			p.ByStage[stage] = make(map[string]int)
		}
		p.ByStage[stage][status]++

		switch status {
		case string(model.DocStatusCompleted):
			p.Completed++
		case string(model.DocStatusFailed):
			p.Failed++
			p.Failures = append(p.Failures, o.failureDetail(ctx, d.DocumentUUID, stage))
		case string(model.DocStatusCancelled):
			p.Cancelled++
		}
	}

	p.Elapsed = time.Since(manifest.CreatedAt)
	p.ElapsedHuman = humanize.RelTime(manifest.CreatedAt, time.Now(), "ago", "from now")
	if p.Total > 0 {
		p.PercentComplete = 100 * float64(p.Completed+p.Failed+p.Cancelled) / float64(p.Total)
	}
	if p.Completed > 0 {
		remaining := p.Total - p.Completed - p.Failed - p.Cancelled
		avg := p.Elapsed / time.Duration(p.Completed)
		p.ETA = avg * time.Duration(remaining)
		p.ETAHuman = humanize.RelTime(time.Now(), time.Now().Add(p.ETA), "", "")
	}

	settled := p.Completed + p.Failed + p.Cancelled
	switch {
	case settled < p.Total:
		p.Status = StatusProcessing
	case p.Failed == 0:
		p.Status = StatusCompleted
	case p.Completed > 0:
		p.Status = StatusPartialSuccess
	default:
		p.Status = StatusFailed
	}

	if err := o.ss.SetBatchProgress(ctx, batchID, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (o *Orchestrator) failureDetail(ctx context.Context, docUUID, stage string) DocumentFailure {
	f := DocumentFailure{DocumentUUID: docUUID, Stage: stage}
	if doc, err := o.ps.GetDocument(ctx, docUUID); err == nil {
		f.Error = doc.ErrorMessage
	}
	return f
}

// Recover builds a recovery plan for a batch's failed documents.
func (o *Orchestrator) Recover(ctx context.Context, batchID string) (*RecoveryPlan, error) {
	manifest := &Manifest{}
	if err := o.ss.GetBatchManifest(ctx, batchID, manifest); err != nil {
		return nil, fmt.Errorf("unknown batch %s: %w", batchID, err)
	}

	var failed []DocumentRef
	for _, d := range manifest.Documents {
		st, err := o.ss.GetDocStatus(ctx, d.DocumentUUID)
		if err != nil {
			return nil, err
		}
		if st.OverallStatus == string(model.DocStatusFailed) {
			failed = append(failed, d)
		}
	}

	retries, err := o.ss.GetBatchRetries(ctx, batchID)
	if err != nil {
		return nil, err
	}

	plan := &RecoveryPlan{
		BatchID:    batchID,
		Documents:  failed,
		RetryCount: retries,
	}
	if len(manifest.Documents) > 0 {
		plan.FailureRate = float64(len(failed)) / float64(len(manifest.Documents))
	}

	maxRetries := manifest.Options.MaxRetries
	if maxRetries <= 0 {
		maxRetries = o.worker.MaxRetries
	}
	switch {
	case len(failed) == 0:
		plan.Strategy = RecoverManual // nothing to do
	case retries >= maxRetries:
		plan.Strategy = RecoverManual
	case plan.FailureRate > 0.5:
		plan.Strategy = RecoverDelayed
		plan.Delay = o.cfg.RecoveryDelay
	default:
		plan.Strategy = RecoverImmediate
	}
	return plan, nil
}

// Execute re-enqueues the plan's documents. Manual plans are a no-op; the
// operator resubmits explicitly.
func (o *Orchestrator) Execute(ctx context.Context, plan *RecoveryPlan) error {
	log := common.BatchLogger(plan.BatchID)
	if plan.Strategy == RecoverManual || len(plan.Documents) == 0 {
		log.Info("recovery plan requires manual intervention, nothing enqueued")
		return nil
	}

	manifest := &Manifest{}
	if err := o.ss.GetBatchManifest(ctx, plan.BatchID, manifest); err != nil {
		return err
	}
	queueName := runtime.BatchQueue(manifest.Priority)

	retries, err := o.ss.IncrBatchRetries(ctx, plan.BatchID)
	if err != nil {
		return err
	}

	var notBefore time.Time
	if plan.Strategy == RecoverDelayed {
		notBefore = time.Now().Add(plan.Delay)
	}

	for _, d := range plan.Documents {
		if _, err := o.coord.EnqueueForBatch(ctx, d.DocumentUUID, d.BlobLocation,
			queueName, plan.BatchID, int(retries), notBefore); err != nil {
			return err
		}
	}

	log.WithFields(map[string]interface{}{
		"strategy":  plan.Strategy,
		"documents": len(plan.Documents),
		"retry":     retries,
	}).Info("recovery executed")
	return nil
}
