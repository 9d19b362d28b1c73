// Package common provides the shared logging and error-classification
// infrastructure for the lexflow pipeline. Logging is built on logrus with
// an output splitter that routes error-level entries to stderr and all other
// levels to stdout, so containerized deployments can treat the two streams
// differently.
//
// The package exposes a global Logger instance that every component uses for
// consistent formatting, plus a ContextLogger for structured per-document and
// per-stage fields.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log entries to stderr or stdout based on
// the entry's level marker. It operates on the final formatted output and
// works with both the text and JSON formatters.
type OutputSplitter struct{}

// Write routes entries containing "level=error" to stderr and everything
// else to stdout.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance for the lexflow pipeline. All
// components log through it so that stage transitions, retries, and failures
// share one format and one output policy.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

// ConfigureLogger applies level and format settings from configuration to
// the global logger. Unknown values fall back to info/text.
func ConfigureLogger(level, format string) {
	switch level {
	case "debug":
		Logger.SetLevel(logrus.DebugLevel)
	case "warn":
		Logger.SetLevel(logrus.WarnLevel)
	case "error":
		Logger.SetLevel(logrus.ErrorLevel)
	default:
		Logger.SetLevel(logrus.InfoLevel)
	}

	if format == "json" {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
