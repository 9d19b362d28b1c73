package common

import (
	"time"

	"github.com/sirupsen/logrus"
)

// ContextLogger carries a fixed set of structured fields through a unit of
// work. Stage executors create one per (document, stage) and derive from it
// rather than repeating fields at every call site.
type ContextLogger struct {
	logger *logrus.Logger
	fields logrus.Fields
}

// NewContextLogger creates a context logger with base fields. A nil logger
// uses the global Logger.
func NewContextLogger(logger *logrus.Logger, fields map[string]interface{}) *ContextLogger {
	if logger == nil {
		logger = Logger
	}

	baseFields := make(logrus.Fields, len(fields))
	for k, v := range fields {
		baseFields[k] = v
	}

	return &ContextLogger{logger: logger, fields: baseFields}
}

// WithField returns a derived logger with one additional field.
func (cl *ContextLogger) WithField(key string, value interface{}) *ContextLogger {
	return cl.WithFields(map[string]interface{}{key: value})
}

// WithFields returns a derived logger with additional fields.
func (cl *ContextLogger) WithFields(fields map[string]interface{}) *ContextLogger {
	newFields := make(logrus.Fields, len(cl.fields)+len(fields))
	for k, v := range cl.fields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}
	return &ContextLogger{logger: cl.logger, fields: newFields}
}

// WithError returns a derived logger carrying the error message.
func (cl *ContextLogger) WithError(err error) *ContextLogger {
	return cl.WithField("error", err.Error())
}

func (cl *ContextLogger) Debug(msg string)                          { cl.logger.WithFields(cl.fields).Debug(msg) }
func (cl *ContextLogger) Debugf(format string, args ...interface{}) { cl.logger.WithFields(cl.fields).Debugf(format, args...) }
func (cl *ContextLogger) Info(msg string)                           { cl.logger.WithFields(cl.fields).Info(msg) }
func (cl *ContextLogger) Infof(format string, args ...interface{})  { cl.logger.WithFields(cl.fields).Infof(format, args...) }
func (cl *ContextLogger) Warn(msg string)                           { cl.logger.WithFields(cl.fields).Warn(msg) }
func (cl *ContextLogger) Warnf(format string, args ...interface{})  { cl.logger.WithFields(cl.fields).Warnf(format, args...) }
func (cl *ContextLogger) Error(msg string)                          { cl.logger.WithFields(cl.fields).Error(msg) }
func (cl *ContextLogger) Errorf(format string, args ...interface{}) { cl.logger.WithFields(cl.fields).Errorf(format, args...) }

// StageLogger creates a logger pre-configured with document and stage fields.
func StageLogger(documentUUID, stage string) *ContextLogger {
	return NewContextLogger(Logger, map[string]interface{}{
		"document_uuid": documentUUID,
		"stage":         stage,
	})
}

// BatchLogger creates a logger pre-configured with a batch identifier.
func BatchLogger(batchID string) *ContextLogger {
	return NewContextLogger(Logger, map[string]interface{}{
		"batch_id": batchID,
	})
}

// LogOperation runs fn and logs its duration and outcome under the given
// operation name.
func LogOperation(logger *ContextLogger, operation string, fn func() error) error {
	start := time.Now()
	logger.WithField("operation", operation).Debug("operation started")

	err := fn()

	entry := logger.WithFields(map[string]interface{}{
		"operation":   operation,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("operation failed")
		return err
	}
	entry.Info("operation completed")
	return nil
}
