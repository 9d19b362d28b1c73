package ocr

import (
	"bytes"

	"lexflow.evalgo.org/common"
)

var pdfHeader = []byte("%PDF-")

// Inspection is the preflight summary of a source PDF.
type Inspection struct {
	// Pages is the page object count.
	Pages int

	// ReadableBlocks counts text-showing operators in uncompressed content.
	// Image-only scans carry none.
	ReadableBlocks int

	// Scanned is true when ReadableBlocks is at or below the configured
	// threshold.
	Scanned bool
}

// Inspect scans raw PDF bytes without decoding object streams. It counts
// page objects and text-showing operators (Tj, TJ) and classifies the
// document as scanned when the operator count is at or below threshold.
// Compressed text streams can undercount, which errs toward rasterizing a
// readable page rather than skipping a scanned one.
func Inspect(pdf []byte, threshold int) (*Inspection, error) {
	if !bytes.HasPrefix(pdf, pdfHeader) {
		return nil, common.NewStageError(common.ErrData, "unreadable_pdf", "missing PDF header")
	}

	pages := bytes.Count(pdf, []byte("/Type /Page")) + bytes.Count(pdf, []byte("/Type/Page"))
	pages -= bytes.Count(pdf, []byte("/Type /Pages")) + bytes.Count(pdf, []byte("/Type/Pages"))
	if pages < 1 {
		return nil, common.NewStageError(common.ErrData, "unreadable_pdf", "no page objects found")
	}

	blocks := countOperator(pdf, []byte("Tj")) + countOperator(pdf, []byte("TJ"))

	return &Inspection{
		Pages:          pages,
		ReadableBlocks: blocks,
		Scanned:        blocks <= threshold,
	}, nil
}

// countOperator counts standalone occurrences of a content stream operator.
// The operator must be delimited to avoid matching inside names or data.
func countOperator(data, op []byte) int {
	count := 0
	for i := 0; ; {
		idx := bytes.Index(data[i:], op)
		if idx < 0 {
			break
		}
		pos := i + idx
		if delimitedAt(data, pos, len(op)) {
			count++
		}
		i = pos + len(op)
	}
	return count
}

func delimitedAt(data []byte, pos, length int) bool {
	if pos > 0 && !isDelim(data[pos-1]) {
		return false
	}
	if end := pos + length; end < len(data) && !isDelim(data[end]) {
		return false
	}
	return true
}

func isDelim(b byte) bool {
	switch b {
	case ' ', '\t', '\r', '\n', '\f', '(', ')', '<', '>', '[', ']', '/':
		return true
	}
	return false
}
