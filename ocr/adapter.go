package ocr

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"lexflow.evalgo.org/common"
	"lexflow.evalgo.org/config"
	"lexflow.evalgo.org/state"
	"lexflow.evalgo.org/storage"
)

// JobRecorder persists OCR job audit rows. Satisfied by db.Store.
type JobRecorder interface {
	CreateOCRJob(ctx context.Context, jobID, docUUID string) error
	CompleteOCRJob(ctx context.Context, jobID string, pages int, resultRef string) error
	FailOCRJob(ctx context.Context, jobID, reason string) error
	SetDocumentOCRJob(ctx context.Context, docUUID, jobID string) error
}

// Handle identifies one submission: a single provider job for readable
// PDFs, or one job per rasterized page for scanned ones. JobIDs are in
// ascending page order. The handle travels inside the poll task payload.
type Handle struct {
	HandleID     string   `json:"handle_id"`
	DocumentUUID string   `json:"document_uuid"`
	JobIDs       []string `json:"job_ids"`
	Scanned      bool     `json:"scanned"`
	Pages        int      `json:"pages"`
}

// Encode serializes the handle for embedding in a task payload.
func (h *Handle) Encode() (string, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("failed to encode OCR handle: %w", err)
	}
	return string(data), nil
}

// DecodeHandle is the inverse of Encode.
func DecodeHandle(s string) (*Handle, error) {
	h := &Handle{}
	if err := json.Unmarshal([]byte(s), h); err != nil {
		return nil, common.WrapStageError(common.ErrData, "bad_ocr_handle", err)
	}
	return h, nil
}

// Result is the aggregate outcome of one poll.
type Result struct {
	State    JobState
	Text     string
	Pages    int
	Attempts int
}

// Adapter drives the submit-and-poll lifecycle against a Provider.
type Adapter struct {
	provider  Provider
	converter PageConverter
	blobs     storage.BlobStore
	ss        *state.Store
	jobs      JobRecorder
	cfg       config.OCRConfig

	// scheme and bucket place converted page images
	scheme string
	bucket string
}

// NewAdapter wires the adapter. converter may be nil when scanned-PDF
// support is not deployed; scanned documents then fail with a
// configuration error instead of hanging.
func NewAdapter(provider Provider, converter PageConverter, blobs storage.BlobStore,
	ss *state.Store, jobs JobRecorder, cfg config.OCRConfig, scheme, bucket string) *Adapter {
	return &Adapter{
		provider:  provider,
		converter: converter,
		blobs:     blobs,
		ss:        ss,
		jobs:      jobs,
		cfg:       cfg,
		scheme:    scheme,
		bucket:    bucket,
	}
}

// Submit inspects the source PDF and starts OCR. Readable PDFs go to the
// provider whole; scanned ones are rasterized page by page first, with one
// provider job per page image.
func (a *Adapter) Submit(ctx context.Context, docUUID, sourceRef string) (*Handle, error) {
	if a.provider == nil {
		return nil, common.NewStageError(common.ErrConfiguration, "ocr_provider_unconfigured",
			"no OCR provider configured")
	}
	log := common.StageLogger(docUUID, "ocr")

	pdf, err := a.blobs.Get(ctx, sourceRef)
	if err != nil {
		return nil, common.WrapStageError(common.ErrResource, "blob_fetch_failed", err)
	}

	insp, err := Inspect(pdf, a.cfg.ScannedThreshold)
	if err != nil {
		return nil, err
	}
	log.WithFields(map[string]interface{}{
		"pages":           insp.Pages,
		"readable_blocks": insp.ReadableBlocks,
		"scanned":         insp.Scanned,
	}).Info("OCR preflight complete")

	var jobIDs []string
	if insp.Scanned {
		jobIDs, err = a.submitScanned(ctx, docUUID, pdf, insp.Pages)
	} else {
		var jobID string
		jobID, err = a.startWithRetry(ctx, sourceRef)
		jobIDs = []string{jobID}
	}
	if err != nil {
		return nil, err
	}

	h := &Handle{
		HandleID:     jobIDs[0],
		DocumentUUID: docUUID,
		JobIDs:       jobIDs,
		Scanned:      insp.Scanned,
		Pages:        insp.Pages,
	}

	if err := a.ss.SetOCRJob(ctx, h.HandleID, docUUID, string(JobInProgress), 0); err != nil {
		return nil, fmt.Errorf("failed to record OCR job: %w", err)
	}
	for _, id := range jobIDs {
		if err := a.jobs.CreateOCRJob(ctx, id, docUUID); err != nil {
			return nil, err
		}
	}
	if err := a.jobs.SetDocumentOCRJob(ctx, docUUID, h.HandleID); err != nil {
		return nil, err
	}

	log.WithField("jobs", len(jobIDs)).Info("OCR submitted")
	return h, nil
}

// submitScanned rasterizes each page, stores the image, and starts one
// provider job per page.
func (a *Adapter) submitScanned(ctx context.Context, docUUID string, pdf []byte, pages int) ([]string, error) {
	if a.converter == nil {
		return nil, common.NewStageError(common.ErrConfiguration, "converter_unavailable",
			"scanned document but no page converter configured")
	}

	jobIDs := make([]string, 0, pages)
	for page := 1; page <= pages; page++ {
		img, err := a.converter.ConvertPage(ctx, pdf, page, a.cfg.ConvertDPI)
		if err != nil {
			return nil, common.WrapStageError(common.ErrData, "page_conversion_failed",
				fmt.Errorf("page %d: %w", page, err))
		}

		ref := storage.ConvertedImageRef(a.scheme, a.bucket, docUUID, page)
		if err := a.blobs.Put(ctx, ref, img); err != nil {
			return nil, common.WrapStageError(common.ErrResource, "blob_put_failed",
				fmt.Errorf("page %d: %w", page, err))
		}

		jobID, err := a.startWithRetry(ctx, ref)
		if err != nil {
			return nil, err
		}
		jobIDs = append(jobIDs, jobID)
	}
	return jobIDs, nil
}

// startWithRetry submits one blob to the provider, retrying transient
// failures with exponential backoff up to the configured attempt budget.
func (a *Adapter) startWithRetry(ctx context.Context, blobRef string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= a.cfg.SubmitRetries; attempt++ {
		jobID, err := a.provider.Start(ctx, blobRef)
		if err == nil {
			return jobID, nil
		}
		lastErr = err

		kind := common.Classify(err)
		if !kind.Retryable() {
			break
		}
		if attempt == a.cfg.SubmitRetries {
			break
		}
		if err := sleep(ctx, common.RetryDelay(kind, attempt)); err != nil {
			return "", err
		}
	}
	return "", common.WrapStageError(common.Classify(lastErr), "ocr_submit_failed",
		fmt.Errorf("after %d attempts: %w", a.cfg.SubmitRetries, lastErr))
}

// Poll checks every provider job under the handle once and aggregates.
// Exhausting the poll budget fails the handle with ocr_timeout.
func (a *Adapter) Poll(ctx context.Context, h *Handle) (*Result, error) {
	attempts, err := a.ss.IncrOCRJobAttempts(ctx, h.HandleID)
	if err != nil {
		return nil, fmt.Errorf("failed to count poll attempt: %w", err)
	}
	if int(attempts) > a.cfg.MaxPolls {
		a.failJobs(ctx, h, "ocr_timeout")
		return nil, common.NewStageError(common.ErrTransient, "ocr_timeout",
			"OCR did not complete within %d polls", a.cfg.MaxPolls)
	}

	pageTexts := make([]string, 0, len(h.JobIDs))
	pages := 0
	for _, jobID := range h.JobIDs {
		st, err := a.provider.Status(ctx, jobID)
		if err != nil {
			return nil, common.WrapStageError(common.Classify(err), "ocr_status_failed", err)
		}

		switch st.State {
		case JobInProgress:
			return &Result{State: JobInProgress, Attempts: int(attempts)}, nil
		case JobFailed:
			a.failJobs(ctx, h, st.Reason)
			return nil, common.NewStageError(common.ErrPermanent, "ocr_failed",
				"OCR job %s failed: %s", jobID, st.Reason)
		}

		pageTexts = append(pageTexts, strings.Join(st.Blocks, "\n"))
		pages += st.Pages
	}

	text := strings.Join(pageTexts, "\n\f")
	for _, jobID := range h.JobIDs {
		if err := a.jobs.CompleteOCRJob(ctx, jobID, pages, ""); err != nil {
			return nil, err
		}
	}
	if err := a.ss.SetOCRJob(ctx, h.HandleID, h.DocumentUUID, string(JobCompleted), int(attempts)); err != nil {
		return nil, err
	}

	common.StageLogger(h.DocumentUUID, "ocr").WithFields(map[string]interface{}{
		"pages":    pages,
		"attempts": attempts,
	}).Info("OCR completed")

	return &Result{State: JobCompleted, Text: text, Pages: pages, Attempts: int(attempts)}, nil
}

// Cancel aborts every provider job under the handle and records the
// cancellation.
func (a *Adapter) Cancel(ctx context.Context, h *Handle) error {
	var firstErr error
	for _, jobID := range h.JobIDs {
		if err := a.provider.Cancel(ctx, jobID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.failJobs(ctx, h, "cancelled")
	return firstErr
}

// failJobs marks every job row failed and updates the state store record.
// Recording failures is best effort; the stage error carries the outcome.
func (a *Adapter) failJobs(ctx context.Context, h *Handle, reason string) {
	for _, jobID := range h.JobIDs {
		if err := a.jobs.FailOCRJob(ctx, jobID, reason); err != nil {
			common.StageLogger(h.DocumentUUID, "ocr").WithError(err).Warn("failed to record OCR job failure")
		}
	}
	if err := a.ss.SetOCRJob(ctx, h.HandleID, h.DocumentUUID, string(JobFailed), 0); err != nil {
		common.StageLogger(h.DocumentUUID, "ocr").WithError(err).Warn("failed to record OCR job failure")
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
