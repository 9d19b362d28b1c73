package runtime

import (
	"context"
	goruntime "runtime"
	"runtime/debug"
	"sync"
	"time"

	"lexflow.evalgo.org/common"
	"lexflow.evalgo.org/config"
)

// Processor executes one task. Implemented by the pipeline coordinator and
// the batch orchestrator.
type Processor interface {
	Process(ctx context.Context, task *Task) error
}

// Recorder receives task lifecycle outcomes for metric counters.
// Implemented by the metrics collector; a nil Recorder disables emission.
type Recorder interface {
	TaskSucceeded(ctx context.Context, stage string)
	TaskFailed(ctx context.Context, stage string, kind common.ErrorKind)
	TaskCancelled(ctx context.Context, stage string)
}

// dequeueTimeout is the blocking read window per poll.
const dequeueTimeout = 5 * time.Second

// maintenanceInterval paces scheduled-task promotion and stale reaping.
const maintenanceInterval = 15 * time.Second

// Pool manages workers pinned to named queues.
type Pool struct {
	queue     *Queue
	processor Processor
	recorder  Recorder
	cfg       config.WorkerConfig

	workers  []*worker
	stopChan chan struct{}
	wg       sync.WaitGroup
}

type worker struct {
	id     int
	queues []string
	pool   *Pool
}

// NewPool builds a pool per the configured queue map. batch.normal workers
// also drain batch.low when their own queue is idle.
func NewPool(queue *Queue, processor Processor, recorder Recorder, cfg config.WorkerConfig) *Pool {
	p := &Pool{
		queue:     queue,
		processor: processor,
		recorder:  recorder,
		cfg:       cfg,
		stopChan:  make(chan struct{}),
	}

	for queueName, count := range cfg.Queues {
		queues := []string{queueName}
		if queueName == QueueBatchNormal {
			queues = append(queues, QueueBatchLow)
		}
		for i := 0; i < count; i++ {
			p.workers = append(p.workers, &worker{id: i, queues: queues, pool: p})
		}
	}
	return p
}

// Start launches every worker plus the maintenance loop.
func (p *Pool) Start() {
	common.Logger.Infof("starting worker pool with %d workers", len(p.workers))

	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *worker) {
			defer p.wg.Done()
			w.run()
		}(w)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.maintain()
	}()
}

// Stop signals every worker and waits for in-flight tasks to finish.
func (p *Pool) Stop() {
	common.Logger.Info("stopping worker pool")
	close(p.stopChan)
	p.wg.Wait()
	common.Logger.Info("worker pool stopped")
}

// run is the worker loop: dequeue, refuse cancelled tasks, execute under
// the time limits, then record the outcome.
func (w *worker) run() {
	for {
		select {
		case <-w.pool.stopChan:
			return
		default:
		}

		if err := w.processNext(); err != nil {
			common.Logger.WithError(err).Errorf("worker %d (%v) queue error", w.id, w.queues)
			time.Sleep(time.Second)
		}
	}
}

func (w *worker) processNext() error {
	ctx := context.Background()

	task, err := w.pool.queue.Dequeue(ctx, w.queues, dequeueTimeout)
	if err != nil {
		return err
	}
	if task == nil {
		return nil // timeout, no task available
	}

	log := common.Logger.WithFields(map[string]interface{}{
		"worker":  w.id,
		"task_id": task.TaskID,
		"type":    task.Type,
		"doc":     task.DocumentUUID,
	})

	cancelled, err := w.pool.queue.IsCancelled(ctx, task.TaskID)
	if err != nil {
		return err
	}
	if cancelled {
		log.Info("refusing cancelled task")
		if w.pool.recorder != nil {
			w.pool.recorder.TaskCancelled(ctx, string(task.Stage))
		}
		return nil
	}

	deadline := time.Now().Add(w.pool.cfg.HardTimeLimit)
	if err := w.pool.queue.MarkProcessing(ctx, task, deadline); err != nil {
		// Could not claim; put it back for another worker.
		log.WithError(err).Warn("failed to mark task processing, re-enqueueing")
		return w.pool.queue.Enqueue(ctx, task)
	}

	runErr := w.execute(task)

	if err := w.pool.queue.CompleteTask(ctx, task); err != nil {
		log.WithError(err).Warn("failed to clear processing entry")
	}

	if runErr != nil {
		w.handleFailure(ctx, task, runErr)
		return nil
	}

	if w.pool.recorder != nil {
		w.pool.recorder.TaskSucceeded(ctx, string(task.Stage))
	}
	return nil
}

// execute runs the processor under the hard time limit, logging when the
// soft limit passes.
func (w *worker) execute(task *Task) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.pool.cfg.HardTimeLimit)
	defer cancel()

	soft := time.AfterFunc(w.pool.cfg.SoftTimeLimit, func() {
		common.Logger.Warnf("task %s exceeded soft time limit (%s)", task.TaskID, w.pool.cfg.SoftTimeLimit)
	})
	defer soft.Stop()

	err := w.pool.processor.Process(ctx, task)
	if ctx.Err() == context.DeadlineExceeded {
		return common.NewStageError(common.ErrTransient, "timeout",
			"task exceeded hard time limit of %s", w.pool.cfg.HardTimeLimit)
	}
	return err
}

// handleFailure classifies the error and schedules a retry on the same
// queue when the category and retry budget allow it.
func (w *worker) handleFailure(ctx context.Context, task *Task, runErr error) {
	kind := common.Classify(runErr)
	log := common.Logger.WithError(runErr).WithFields(map[string]interface{}{
		"task_id": task.TaskID,
		"kind":    string(kind),
		"retries": task.RetryCount,
	})

	if w.pool.recorder != nil {
		w.pool.recorder.TaskFailed(ctx, string(task.Stage), kind)
	}

	if !kind.Retryable() || task.RetryCount >= w.pool.cfg.MaxRetries {
		log.Error("task failed permanently")
		return
	}

	retry := *task
	retry.RetryCount++
	delay := common.RetryDelay(kind, retry.RetryCount)
	if err := w.pool.queue.EnqueueDelayed(ctx, &retry, time.Now().Add(delay)); err != nil {
		log.WithError(err).Error("failed to schedule retry")
		return
	}
	log.Warnf("task failed, retry %d scheduled in %s", retry.RetryCount, delay)
}

// maintain promotes due scheduled tasks, reaps stale processing entries,
// and watches the memory ceiling.
func (p *Pool) maintain() {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
		}

		p.runMaintenance(context.Background())
	}
}

// runMaintenance performs one promotion, reap, and memory pass.
func (p *Pool) runMaintenance(ctx context.Context) {
	if n, err := p.queue.PromoteDue(ctx); err != nil {
		common.Logger.WithError(err).Warn("failed to promote scheduled tasks")
	} else if n > 0 {
		common.Logger.Debugf("promoted %d scheduled tasks", n)
	}

	n, dropped, err := p.queue.ReapStale(ctx, p.cfg.MaxRetries)
	if err != nil {
		common.Logger.WithError(err).Warn("failed to reap stale tasks")
	} else if n > 0 {
		common.Logger.Warnf("re-enqueued %d stale tasks", n)
	}
	for _, task := range dropped {
		common.Logger.Errorf("task %s stale past retry budget (%d), failing", task.TaskID, task.RetryCount)
		if p.recorder != nil {
			p.recorder.TaskFailed(ctx, string(task.Stage), common.ErrTransient)
		}
	}

	p.checkMemory()
}

// checkMemory forces a collection when the heap passes the ceiling. The
// ceiling is advisory for in-process workers; the operator restarts the
// process when pressure persists.
func (p *Pool) checkMemory() {
	if p.cfg.MemoryCeilingMB <= 0 {
		return
	}
	var ms goruntime.MemStats
	goruntime.ReadMemStats(&ms)
	usedMB := int(ms.HeapAlloc / (1 << 20))
	if usedMB <= p.cfg.MemoryCeilingMB {
		return
	}
	common.Logger.Warnf("heap %d MB exceeds ceiling %d MB, forcing collection", usedMB, p.cfg.MemoryCeilingMB)
	debug.FreeOSMemory()

	goruntime.ReadMemStats(&ms)
	if int(ms.HeapAlloc/(1<<20)) > p.cfg.MemoryCeilingMB {
		common.Logger.Error("heap still above ceiling after collection, restart advised")
	}
}
