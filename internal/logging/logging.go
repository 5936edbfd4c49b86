// Package logging configures logrus and provides the structured fields
// used when logging jobs.
package logging

import (
	"errors"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"dataset-job-orchestrator/internal/models"
)

// Options selects level and output format.
type Options struct {
	Level  string
	Format string
	Debug  bool
	Output io.Writer
}

// New builds a logger. Unknown levels fall back to info.
func New(opts Options) *logrus.Logger {
	log := logrus.New()
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	log.SetOutput(out)

	switch strings.ToLower(opts.Format) {
	case "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	if opts.Debug && level < logrus.DebugLevel {
		level = logrus.DebugLevel
	}
	log.SetLevel(level)
	return log
}

// ErrorHandler reports errors at decode boundaries. It never swallows: the
// error is logged and handed back to the caller.
type ErrorHandler struct {
	Log   logrus.FieldLogger
	Debug bool
}

// Handle logs err and returns it unchanged. In debug mode the offending
// input is logged as well.
func (h ErrorHandler) Handle(err error, input []byte) error {
	if err == nil {
		return nil
	}
	entry := h.Log.WithField("error_kind", errorKind(err))
	if h.Debug {
		entry = entry.WithField("input", string(input))
	}
	entry.Error(err.Error())
	return err
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, models.ErrInvalidJob):
		return "InvalidJob"
	case errors.Is(err, models.ErrEntityNotFound):
		return "EntityNotFound"
	case errors.Is(err, models.ErrArchiveFileNotFound):
		return "ArchiveFileNotFound"
	case errors.Is(err, models.ErrSerialization):
		return "SerializationError"
	case errors.Is(err, models.ErrStoreUnavailable):
		return "StoreUnavailable"
	default:
		return "Error"
	}
}
