// Package ocr implements the submit-and-poll adapter over an external async
// OCR service, including scanned-PDF detection and per-page image conversion
// fallback. The provider itself is a black box behind the Provider
// interface; poll scheduling is owned by the pipeline coordinator.
package ocr

import "context"

// JobState is the provider-side state of one OCR job.
type JobState string

const (
	JobInProgress JobState = "in_progress"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
)

// JobStatus is one provider job's status snapshot.
type JobStatus struct {
	State JobState

	// Pages and Blocks are populated on completion. Blocks holds the
	// recognized text blocks in reading order.
	Pages  int
	Blocks []string

	// Reason is populated on provider-reported failure.
	Reason string
}

// Provider is the external OCR service contract.
type Provider interface {
	// Start submits the blob at ref and returns the provider job id.
	Start(ctx context.Context, blobRef string) (string, error)

	// Status reports the current job state.
	Status(ctx context.Context, jobID string) (*JobStatus, error)

	// Cancel aborts an outstanding job. Optional: providers without
	// cancellation return nil.
	Cancel(ctx context.Context, jobID string) error
}

// PageConverter rasterizes one PDF page to a PNG at the given DPI. The
// conversion backend is an external collaborator.
type PageConverter interface {
	ConvertPage(ctx context.Context, pdf []byte, page, dpi int) ([]byte, error)
}
