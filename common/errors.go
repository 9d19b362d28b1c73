package common

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrorKind is the closed taxonomy of pipeline errors. The kind drives the
// retry strategy in the task runtime.
type ErrorKind string

const (
	ErrTransient     ErrorKind = "transient"     // network blips, provider 5xx, short timeouts
	ErrResource      ErrorKind = "resource"      // OOM, disk full, memory ceiling breach
	ErrRateLimit     ErrorKind = "rate_limit"    // 429s, empty token bucket
	ErrConfiguration ErrorKind = "configuration" // missing credentials, invalid bucket
	ErrData          ErrorKind = "data"          // unreadable PDF, corrupt bytes, empty OCR
	ErrPermanent     ErrorKind = "permanent"     // provider rejection, schema violation
)

// Retryable reports whether tasks failing with this kind may be retried
// automatically.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrTransient, ErrResource, ErrRateLimit:
		return true
	}
	return false
}

// StageError is the structured error every stage returns across the runtime
// boundary. Code is a stable machine-readable token (e.g. "ocr_timeout",
// "empty_ocr") that leads the persisted error message.
type StageError struct {
	Kind    ErrorKind
	Code    string
	Message string
	Cause   error
}

func (e *StageError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func (e *StageError) Unwrap() error { return e.Cause }

// NewStageError builds a StageError with a formatted message.
func NewStageError(kind ErrorKind, code, format string, args ...interface{}) *StageError {
	return &StageError{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapStageError attaches taxonomy information to an underlying error.
func WrapStageError(kind ErrorKind, code string, cause error) *StageError {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &StageError{Kind: kind, Code: code, Message: msg, Cause: cause}
}

// Classify maps an arbitrary error to its ErrorKind. StageErrors keep their
// kind; known stdlib error shapes are recognized; everything else is
// transient so the retry budget, not the classifier, decides its fate.
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrTransient
	}

	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrTransient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"), strings.Contains(msg, "429"):
		return ErrRateLimit
	case strings.Contains(msg, "out of memory"), strings.Contains(msg, "no space left"):
		return ErrResource
	case strings.Contains(msg, "credential"), strings.Contains(msg, "permission denied"), strings.Contains(msg, "access denied"):
		return ErrConfiguration
	}
	return ErrTransient
}

// Backoff intervals per kind. Rate-limit retries start slower than plain
// transient retries because the provider window is typically seconds wide.
const (
	transientBaseDelay = 2 * time.Second
	rateLimitBaseDelay = 10 * time.Second
	resourceStepDelay  = 30 * time.Second
	maxRetryDelay      = 10 * time.Minute
)

// RetryDelay computes the delay before retry number attempt (1-based) for an
// error of the given kind. Non-retryable kinds return a negative duration.
func RetryDelay(kind ErrorKind, attempt int) time.Duration {
	if !kind.Retryable() {
		return -1
	}
	if attempt < 1 {
		attempt = 1
	}

	switch kind {
	case ErrResource:
		// Linear backoff so reduced concurrency has time to take effect.
		d := time.Duration(attempt) * resourceStepDelay
		if d > maxRetryDelay {
			d = maxRetryDelay
		}
		return d
	case ErrRateLimit:
		return exponentialDelay(rateLimitBaseDelay, attempt)
	default:
		return exponentialDelay(transientBaseDelay, attempt)
	}
}

// exponentialDelay walks a jittered exponential schedule to the requested
// attempt. The schedule is rebuilt per call so concurrent workers do not
// share mutable backoff state.
func exponentialDelay(base time.Duration, attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = maxRetryDelay
	b.MaxElapsedTime = 0 // never give up here; the retry budget is enforced elsewhere
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}
