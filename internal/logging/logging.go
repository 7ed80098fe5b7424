// Package logging configures the gateway's structured application logs
// and the per-request access log line as two outputs of the same
// sirupsen/logrus logger, using structured (field-based) logging rather
// than a fixed text format.
package logging

import (
	"io"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Options configures the application logger.
type Options struct {
	Level  string
	JSON   bool
	Output io.Writer
}

// Init configures the standard logrus logger used throughout the gateway
// via the package-level log.WithError/log.WithField calls in the other
// internal packages.
func Init(o Options) {
	level, err := logrus.ParseLevel(o.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if o.JSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if o.Output != nil {
		logrus.SetOutput(o.Output)
	} else {
		logrus.SetOutput(os.Stderr)
	}
}

// AccessEntry is one completed request, logged by the middleware dispatch
// stage after the response has been written.
type AccessEntry struct {
	Request      *http.Request
	StatusCode   int
	Duration     time.Duration
	RequestID    string
	Identity     string
	RouteService string
}

// LogAccess emits one structured access log line per request using logrus
// fields instead of a fixed combined-log-format string.
func LogAccess(entry *AccessEntry) {
	fields := logrus.Fields{
		"status_code": entry.StatusCode,
		"duration_ms": entry.Duration.Milliseconds(),
		"request_id":  entry.RequestID,
		"identity":    entry.Identity,
		"service":     entry.RouteService,
	}

	if entry.Request != nil {
		fields["method"] = entry.Request.Method
		fields["path"] = entry.Request.URL.Path
		fields["remote_addr"] = entry.Request.RemoteAddr
	}

	logrus.WithFields(fields).Info("request completed")
}
