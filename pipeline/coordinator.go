// Package pipeline implements the coordinator for the six-stage document
// state machine: ocr, chunking, entity_extraction, entity_resolution,
// relationship_building, finalization. The coordinator is the task
// processor behind the worker pool; it owns stage locks, idempotent
// re-entry, transitions, and cancellation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"lexflow.evalgo.org/chunker"
	"lexflow.evalgo.org/common"
	"lexflow.evalgo.org/config"
	"lexflow.evalgo.org/db"
	"lexflow.evalgo.org/extractor"
	"lexflow.evalgo.org/model"
	"lexflow.evalgo.org/ocr"
	"lexflow.evalgo.org/relations"
	"lexflow.evalgo.org/resolver"
	"lexflow.evalgo.org/runtime"
	"lexflow.evalgo.org/state"
)

// Task types dispatched by Process. Stage tasks carry the stage in
// Task.Stage; the OCR stage splits into submit and poll sub-tasks.
const (
	TaskOCRSubmit = "ocr.submit"
	TaskOCRPoll   = "ocr.poll"
	TaskStageRun  = "stage.run"
	TaskCacheWarm = "cache.warm"
)

// payload keys
const (
	payloadHandle  = "ocr_handle"
	payloadBatchID = "batch_id"
)

// Warmer preloads caches for a batch. Implemented by the batch package;
// wired after construction to keep the dependency one-way.
type Warmer interface {
	WarmBatch(ctx context.Context, batchID string) error
}

// Coordinator drives documents through the pipeline.
type Coordinator struct {
	ss     *state.Store
	ps     *db.Store
	queue  *runtime.Queue
	ocr    *ocr.Adapter
	ex     *extractor.Extractor
	er     *resolver.Resolver
	rb     *relations.Builder
	events runtime.EventPublisher
	cfg    *config.Config

	warmer Warmer
}

// New wires a coordinator. events may be a NopPublisher.
func New(ss *state.Store, ps *db.Store, queue *runtime.Queue, ocrAdapter *ocr.Adapter,
	ex *extractor.Extractor, er *resolver.Resolver, rb *relations.Builder,
	events runtime.EventPublisher, cfg *config.Config) *Coordinator {
	return &Coordinator{
		ss:     ss,
		ps:     ps,
		queue:  queue,
		ocr:    ocrAdapter,
		ex:     ex,
		er:     er,
		rb:     rb,
		events: events,
		cfg:    cfg,
	}
}

// SetWarmer installs the cache warmer used by cache.warm tasks.
func (c *Coordinator) SetWarmer(w Warmer) { c.warmer = w }

// SubmitDocument registers a document and enqueues its OCR submission.
// Idempotent on document UUID: resubmitting a known document returns a new
// task only when the document is not already processing or terminal.
func (c *Coordinator) SubmitDocument(ctx context.Context, docUUID, blobRef, projectUUID, metadata string) (string, error) {
	doc, err := c.ps.CreateDocument(ctx, &model.SourceDocument{
		DocumentUUID: docUUID,
		BlobLocation: blobRef,
		ProjectUUID:  projectUUID,
		Metadata:     metadata,
		Status:       model.DocStatusPending,
	})
	if err != nil {
		return "", err
	}
	if doc.Status == model.DocStatusProcessing {
		return "", fmt.Errorf("document %s is already processing", docUUID)
	}

	return c.enqueueDocument(ctx, doc.DocumentUUID, doc.BlobLocation, runtime.QueueOCR, "", 0, time.Time{})
}

// EnqueueForBatch enqueues a document's chain start onto a batch priority
// queue. A non-zero notBefore delays entry (delayed recovery). Used by the
// batch orchestrator's fan-out and recovery paths.
func (c *Coordinator) EnqueueForBatch(ctx context.Context, docUUID, blobRef, queueName, batchID string, retryCount int, notBefore time.Time) (string, error) {
	return c.enqueueDocument(ctx, docUUID, blobRef, queueName, batchID, retryCount, notBefore)
}

func (c *Coordinator) enqueueDocument(ctx context.Context, docUUID, blobRef, queueName, batchID string, retryCount int, notBefore time.Time) (string, error) {
	if _, err := c.ss.UpdateDocState(ctx, docUUID, func(st *state.DocState) {
		st.Stage = string(model.StageOCR)
		st.Status = string(model.TaskPending)
		st.StartedAt = time.Now().UTC()
		st.Error = ""
	}); err != nil {
		return "", err
	}
	if err := c.ss.SetDocStatus(ctx, docUUID, state.DocStatus{
		OverallStatus:   string(model.DocStatusPending),
		CurrentStage:    string(model.StageOCR),
		StagesCompleted: 0,
	}); err != nil {
		return "", err
	}

	taskID := uuid.NewString()
	if err := c.ps.CreateTask(ctx, taskID, docUUID, model.StageOCR, retryCount); err != nil {
		return "", err
	}

	task := &runtime.Task{
		TaskID:       taskID,
		Type:         TaskOCRSubmit,
		QueueName:    queueName,
		DocumentUUID: docUUID,
		Stage:        model.StageOCR,
		BatchID:      batchID,
		RetryCount:   retryCount,
		Payload:      map[string]string{"blob_ref": blobRef},
	}
	if !notBefore.IsZero() && notBefore.After(time.Now()) {
		if err := c.queue.EnqueueDelayed(ctx, task, notBefore); err != nil {
			return "", err
		}
		return taskID, nil
	}
	if err := c.queue.Enqueue(ctx, task); err != nil {
		return "", err
	}
	return taskID, nil
}

// CancelDocument marks a document cancelled. In-flight stages observe the
// status on their next checkpoint and stop without side effects.
func (c *Coordinator) CancelDocument(ctx context.Context, docUUID string) error {
	if _, err := c.ss.UpdateDocState(ctx, docUUID, func(st *state.DocState) {
		st.Status = string(model.TaskCancelled)
	}); err != nil {
		return err
	}
	if err := c.ps.UpdateDocumentStatus(ctx, docUUID, model.DocStatusCancelled, ""); err != nil {
		return err
	}

	tasks, err := c.ps.ListTasks(ctx, docUUID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Status == model.TaskPending || t.Status == model.TaskInProgress {
			if err := c.queue.Cancel(ctx, t.TaskID); err != nil {
				return err
			}
			if err := c.ps.CancelTask(ctx, t.TaskID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Process implements runtime.Processor.
func (c *Coordinator) Process(ctx context.Context, task *runtime.Task) error {
	switch task.Type {
	case TaskOCRSubmit:
		return c.runStage(ctx, task, c.ocrSubmit)
	case TaskOCRPoll:
		return c.runStage(ctx, task, c.ocrPoll)
	case TaskStageRun:
		handler, err := c.stageHandler(task.Stage)
		if err != nil {
			return err
		}
		return c.runStage(ctx, task, handler)
	case TaskCacheWarm:
		if c.warmer == nil {
			return common.NewStageError(common.ErrConfiguration, "warmer_unavailable",
				"cache.warm task but no warmer installed")
		}
		return c.warmer.WarmBatch(ctx, task.Payload[payloadBatchID])
	}
	return common.NewStageError(common.ErrPermanent, "unknown_task_type",
		"unknown task type %q", task.Type)
}

func (c *Coordinator) stageHandler(stage model.Stage) (stageFunc, error) {
	switch stage {
	case model.StageChunking:
		return c.chunking, nil
	case model.StageExtraction:
		return c.extraction, nil
	case model.StageResolution:
		return c.resolution, nil
	case model.StageRelationships:
		return c.relationships, nil
	case model.StageFinalization:
		return c.finalization, nil
	}
	return nil, common.NewStageError(common.ErrPermanent, "unknown_stage", "unknown stage %q", stage)
}

// stageOutcome tells runStage what to do after the handler returns.
type stageOutcome int

const (
	outcomeAdvance    stageOutcome = iota // stage complete, enqueue successor
	outcomeReschedule                     // stage still running, handler re-enqueued itself
	outcomeTerminal                       // document reached terminal state
)

type stageFunc func(ctx context.Context, task *runtime.Task) (stageOutcome, error)

// runStage wraps a handler with the per-(document, stage) lock, the
// cancellation checkpoint, state transitions, and task row bookkeeping.
func (c *Coordinator) runStage(ctx context.Context, task *runtime.Task, fn stageFunc) error {
	docUUID, stage := task.DocumentUUID, task.Stage
	log := common.StageLogger(docUUID, string(stage))

	st, err := c.ss.GetDocState(ctx, docUUID)
	if err != nil {
		return err
	}
	if st.Status == string(model.TaskCancelled) {
		log.Info("document cancelled, skipping stage")
		return nil
	}

	ttl := c.cfg.Worker.StageLockTTL(string(stage))
	owner := task.TaskID
	acquired, err := c.ss.AcquireStageLock(ctx, docUUID, string(stage), owner, ttl)
	if err != nil {
		return err
	}
	if !acquired {
		// Another worker holds the stage. Refuse duplicate work.
		log.Info("stage lock held elsewhere, refusing duplicate work")
		return nil
	}
	defer func() {
		if err := c.ss.ReleaseStageLock(context.Background(), docUUID, string(stage), owner); err != nil {
			log.WithError(err).Warn("failed to release stage lock")
		}
	}()

	if err := c.markInProgress(ctx, task); err != nil {
		return err
	}

	outcome, runErr := fn(ctx, task)
	if runErr != nil {
		c.recordFailure(ctx, task, runErr)
		return runErr
	}

	switch outcome {
	case outcomeReschedule:
		return nil
	case outcomeTerminal:
		return c.completeTask(ctx, task)
	}

	if err := c.completeTask(ctx, task); err != nil {
		return err
	}
	return c.advance(ctx, task)
}

// docStateAttempts bounds the re-read-and-retry loop on version races.
const docStateAttempts = 5

// updateDocState retries lost CAS races. UpdateDocState re-reads the hash
// on every call, so each attempt applies the mutation to fresh state.
func (c *Coordinator) updateDocState(ctx context.Context, docUUID string, mutate func(*state.DocState)) error {
	var err error
	for i := 0; i < docStateAttempts; i++ {
		if _, err = c.ss.UpdateDocState(ctx, docUUID, mutate); !errors.Is(err, state.ErrVersionRace) {
			return err
		}
	}
	return err
}

func (c *Coordinator) markInProgress(ctx context.Context, task *runtime.Task) error {
	if err := c.updateDocState(ctx, task.DocumentUUID, func(st *state.DocState) {
		st.Stage = string(task.Stage)
		st.Status = string(model.TaskInProgress)
		if st.StartedAt.IsZero() {
			st.StartedAt = time.Now().UTC()
		}
	}); err != nil {
		return err
	}
	if err := c.ss.SetDocStatus(ctx, task.DocumentUUID, state.DocStatus{
		OverallStatus:   string(model.DocStatusProcessing),
		CurrentStage:    string(task.Stage),
		StagesCompleted: task.Stage.Index(),
	}); err != nil {
		return err
	}
	if err := c.ps.UpdateDocumentStatus(ctx, task.DocumentUUID, model.DocStatusProcessing, task.Stage); err != nil {
		return err
	}
	if err := c.ps.StartTask(ctx, task.TaskID); err != nil {
		return err
	}
	c.publish(task, string(model.TaskInProgress), "")
	return nil
}

func (c *Coordinator) completeTask(ctx context.Context, task *runtime.Task) error {
	if err := c.ps.CompleteTask(ctx, task.TaskID); err != nil {
		return err
	}
	if err := c.updateDocState(ctx, task.DocumentUUID, func(st *state.DocState) {
		st.Stage = string(task.Stage)
		st.Status = string(model.TaskCompleted)
		st.Error = ""
	}); err != nil {
		return err
	}
	c.publish(task, string(model.TaskCompleted), "")
	return nil
}

// recordFailure writes the classified error to PS and SS. Retry
// scheduling belongs to the worker pool; terminal failure marks the
// document failed.
func (c *Coordinator) recordFailure(ctx context.Context, task *runtime.Task, runErr error) {
	kind := common.Classify(runErr)
	msg := failureMessage(runErr, kind)
	log := common.StageLogger(task.DocumentUUID, string(task.Stage)).WithError(runErr)

	if err := c.ps.FailTask(ctx, task.TaskID, msg); err != nil {
		log.WithError(err).Warn("failed to record task failure")
	}
	if err := c.updateDocState(ctx, task.DocumentUUID, func(st *state.DocState) {
		st.Status = string(model.TaskFailed)
		st.Error = msg
	}); err != nil {
		log.WithError(err).Warn("failed to record state failure")
	}

	terminal := !kind.Retryable() || task.RetryCount >= c.cfg.Worker.MaxRetries
	if terminal {
		if err := c.ps.SetDocumentError(ctx, task.DocumentUUID, msg); err != nil {
			log.WithError(err).Warn("failed to mark document failed")
		}
		if err := c.ss.SetDocStatus(ctx, task.DocumentUUID, state.DocStatus{
			OverallStatus:   string(model.DocStatusFailed),
			CurrentStage:    string(task.Stage),
			StagesCompleted: task.Stage.Index(),
		}); err != nil {
			log.WithError(err).Warn("failed to update doc status")
		}
	}
	c.publish(task, string(model.TaskFailed), msg)
}

// failureMessage renders the persisted error message. The stable error
// code leads so operators and monitors can match on it;
// StageError.Error() starts with the code.
func failureMessage(runErr error, kind common.ErrorKind) string {
	return fmt.Sprintf("%s [%s]", runErr.Error(), kind)
}

// advance enqueues the successor stage with a fresh task on the same batch
// path the document arrived on.
func (c *Coordinator) advance(ctx context.Context, task *runtime.Task) error {
	next, ok := task.Stage.Next()
	if !ok {
		return nil
	}

	queueName := runtime.StageQueue(next)
	if task.BatchID != "" {
		queueName = task.QueueName // batch documents stay on their priority queue
	}

	taskID := uuid.NewString()
	if err := c.ps.CreateTask(ctx, taskID, task.DocumentUUID, next, 0); err != nil {
		return err
	}
	return c.queue.Enqueue(ctx, &runtime.Task{
		TaskID:       taskID,
		Type:         TaskStageRun,
		QueueName:    queueName,
		DocumentUUID: task.DocumentUUID,
		Stage:        next,
		BatchID:      task.BatchID,
		Priority:     task.Priority,
	})
}

func (c *Coordinator) publish(task *runtime.Task, status, errMsg string) {
	if c.events == nil {
		return
	}
	event := runtime.TaskEvent{
		TaskID:       task.TaskID,
		DocumentUUID: task.DocumentUUID,
		Stage:        string(task.Stage),
		BatchID:      task.BatchID,
		Status:       status,
		Error:        errMsg,
	}
	if err := c.events.PublishEvent(event); err != nil {
		common.Logger.WithError(err).Debug("failed to mirror task event")
	}
}

// Stage handlers

// ocrSubmit submits the document to the OCR provider and schedules the
// first poll. Re-entry with OCR text already present skips straight to
// chunking.
func (c *Coordinator) ocrSubmit(ctx context.Context, task *runtime.Task) (stageOutcome, error) {
	docUUID := task.DocumentUUID

	if _, err := c.ss.GetOCRText(ctx, docUUID); err == nil {
		return outcomeAdvance, nil
	}
	doc, err := c.ps.GetDocument(ctx, docUUID)
	if err != nil {
		return 0, err
	}
	if doc.RawText != "" {
		// Re-warm the cache from the durable copy.
		if err := c.ss.SetOCRText(ctx, docUUID, doc.RawText); err != nil {
			return 0, err
		}
		return outcomeAdvance, nil
	}

	blobRef := task.Payload["blob_ref"]
	if blobRef == "" {
		blobRef = doc.BlobLocation
	}

	handle, err := c.ocr.Submit(ctx, docUUID, blobRef)
	if err != nil {
		return 0, err
	}
	encoded, err := handle.Encode()
	if err != nil {
		return 0, err
	}

	poll := &runtime.Task{
		TaskID:       task.TaskID, // poll continues the same stage attempt
		Type:         TaskOCRPoll,
		QueueName:    task.QueueName,
		DocumentUUID: docUUID,
		Stage:        model.StageOCR,
		BatchID:      task.BatchID,
		Priority:     task.Priority,
		RetryCount:   task.RetryCount,
		Payload:      map[string]string{payloadHandle: encoded},
	}
	if err := c.queue.EnqueueDelayed(ctx, poll, time.Now().Add(c.cfg.OCR.InitialDelay)); err != nil {
		return 0, err
	}
	return outcomeReschedule, nil
}

// ocrPoll checks provider status once. In-progress polls reschedule
// themselves; completion persists the text and advances to chunking.
func (c *Coordinator) ocrPoll(ctx context.Context, task *runtime.Task) (stageOutcome, error) {
	handle, err := ocr.DecodeHandle(task.Payload[payloadHandle])
	if err != nil {
		return 0, err
	}

	result, err := c.ocr.Poll(ctx, handle)
	if err != nil {
		return 0, err
	}

	if result.State == ocr.JobInProgress {
		if err := c.queue.EnqueueDelayed(ctx, task, time.Now().Add(c.cfg.OCR.PollInterval)); err != nil {
			return 0, err
		}
		return outcomeReschedule, nil
	}

	if err := c.ps.SetDocumentText(ctx, task.DocumentUUID, result.Text, result.Pages); err != nil {
		return 0, err
	}
	if err := c.ss.SetOCRText(ctx, task.DocumentUUID, result.Text); err != nil {
		return 0, err
	}
	return outcomeAdvance, nil
}

// chunking splits the document text deterministically and replaces the
// chunk set. Re-entry with a matching chunk count skips recomputation.
func (c *Coordinator) chunking(ctx context.Context, task *runtime.Task) (stageOutcome, error) {
	docUUID := task.DocumentUUID

	doc, err := c.ps.GetDocument(ctx, docUUID)
	if err != nil {
		return 0, err
	}
	if existing, err := c.ps.CountChunks(ctx, docUUID); err != nil {
		return 0, err
	} else if existing > 0 && int(existing) == doc.ChunkCount {
		return outcomeAdvance, nil
	}

	text, err := c.documentText(ctx, doc)
	if err != nil {
		return 0, err
	}

	pieces, err := chunker.Split(text, c.cfg.Chunking)
	if err != nil {
		return 0, err
	}

	chunks := make([]model.DocumentChunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = model.DocumentChunk{
			ChunkUUID:    chunkUUID(docUUID, p.Index),
			DocumentUUID: docUUID,
			ChunkIndex:   p.Index,
			Text:         p.Text,
			CharStart:    p.CharStart,
			CharEnd:      p.CharEnd,
			PageStart:    pageAt(text, p.CharStart),
			PageEnd:      pageAt(text, p.CharEnd),
		}
	}

	if err := c.ps.ReplaceChunks(ctx, docUUID, chunks); err != nil {
		return 0, err
	}
	if err := c.ss.SetJSON(ctx, state.ChunksKey(docUUID), chunks, state.ChunkCacheTTL); err != nil {
		return 0, err
	}
	return outcomeAdvance, nil
}

// extraction produces entity mentions per chunk. Re-entry with mentions
// already stored skips the provider round trips.
func (c *Coordinator) extraction(ctx context.Context, task *runtime.Task) (stageOutcome, error) {
	docUUID := task.DocumentUUID

	existing, err := c.ps.GetMentions(ctx, docUUID)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		return outcomeAdvance, nil
	}

	chunks, err := c.documentChunks(ctx, docUUID)
	if err != nil {
		return 0, err
	}

	mentions, err := c.ex.ExtractDocument(ctx, docUUID, chunks)
	if err != nil {
		return 0, err
	}
	if err := c.ps.ReplaceMentions(ctx, docUUID, mentions); err != nil {
		return 0, err
	}
	return outcomeAdvance, nil
}

// resolution clusters mentions into canonical entities. Deterministic
// UUIDs make re-runs replace the set with identical rows.
func (c *Coordinator) resolution(ctx context.Context, task *runtime.Task) (stageOutcome, error) {
	docUUID := task.DocumentUUID

	mentions, err := c.ps.GetMentions(ctx, docUUID)
	if err != nil {
		return 0, err
	}

	result, err := c.er.Resolve(docUUID, mentions)
	if err != nil {
		return 0, err
	}
	if err := c.ps.SaveResolution(ctx, docUUID, result.Entities, result.Resolutions); err != nil {
		return 0, err
	}
	return outcomeAdvance, nil
}

// relationships builds the staged edge set. Mentions and canonical
// entities are both fetched and passed explicitly; the builder never
// derives one from the other.
func (c *Coordinator) relationships(ctx context.Context, task *runtime.Task) (stageOutcome, error) {
	docUUID := task.DocumentUUID

	chunks, err := c.documentChunks(ctx, docUUID)
	if err != nil {
		return 0, err
	}
	mentions, err := c.ps.GetMentions(ctx, docUUID)
	if err != nil {
		return 0, err
	}
	canonicals, err := c.ps.GetCanonicalEntities(ctx, docUUID)
	if err != nil {
		return 0, err
	}

	edges, err := c.rb.Build(ctx, docUUID, chunks, mentions, canonicals)
	if err != nil {
		return 0, err
	}
	if err := c.ps.ReplaceRelationships(ctx, docUUID, edges); err != nil {
		return 0, err
	}
	return outcomeAdvance, nil
}

// finalization settles counters and marks the document completed.
func (c *Coordinator) finalization(ctx context.Context, task *runtime.Task) (stageOutcome, error) {
	docUUID := task.DocumentUUID

	canonicals, err := c.ps.GetCanonicalEntities(ctx, docUUID)
	if err != nil {
		return 0, err
	}
	if err := c.ps.SetDocumentEntityCount(ctx, docUUID, len(canonicals)); err != nil {
		return 0, err
	}
	if err := c.ps.UpdateDocumentStatus(ctx, docUUID, model.DocStatusCompleted, model.StageFinalization); err != nil {
		return 0, err
	}
	if err := c.ss.SetDocStatus(ctx, docUUID, state.DocStatus{
		OverallStatus:   string(model.DocStatusCompleted),
		CurrentStage:    string(model.StageFinalization),
		StagesCompleted: len(model.Stages),
	}); err != nil {
		return 0, err
	}
	common.StageLogger(docUUID, string(model.StageFinalization)).Info("document completed")
	return outcomeTerminal, nil
}

// helpers

// documentText prefers the SS cache and falls back to the PS row.
func (c *Coordinator) documentText(ctx context.Context, doc *model.SourceDocument) (string, error) {
	if text, err := c.ss.GetOCRText(ctx, doc.DocumentUUID); err == nil {
		return text, nil
	} else if !errors.Is(err, state.ErrCacheMiss) {
		return "", err
	}
	if doc.RawText == "" {
		return "", common.NewStageError(common.ErrData, "empty_ocr", "document has no OCR text")
	}
	return doc.RawText, nil
}

// documentChunks prefers the SS cache and falls back to the PS rows.
func (c *Coordinator) documentChunks(ctx context.Context, docUUID string) ([]model.DocumentChunk, error) {
	var chunks []model.DocumentChunk
	err := c.ss.GetJSON(ctx, state.ChunksKey(docUUID), &chunks)
	if err == nil && len(chunks) > 0 {
		return chunks, nil
	}
	if err != nil && !errors.Is(err, state.ErrCacheMiss) {
		return nil, err
	}

	chunks, err = c.ps.GetChunks(ctx, docUUID)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, common.NewStageError(common.ErrData, "missing_chunks",
			"document has no chunks")
	}
	return chunks, nil
}

// chunkNamespace seeds deterministic chunk UUIDs so re-chunking replaces
// rows in place.
var chunkNamespace = uuid.MustParse("b7a1c3d5-2e4f-46a8-9c0b-3d5e7f9a1b2c")

func chunkUUID(docUUID string, index int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s|%d", docUUID, index))).String()
}

// pageAt returns the 1-based page number at a byte offset, counting page
// break characters.
func pageAt(text string, offset int) int {
	if offset > len(text) {
		offset = len(text)
	}
	return 1 + strings.Count(text[:offset], "\f")
}
