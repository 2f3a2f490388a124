// Package logging configures logrus for the command line tools and routes
// copy engine messages into it.
package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"cbmcopy/internal/transfer"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup sets the level of the standard logger and, when file is not empty,
// tees its output into file. The returned closer closes the log file.
func Setup(level, file string, out io.Writer) (io.Closer, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrap(err, "log level")
	}
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if out == nil {
		out = os.Stderr
	}
	if file == "" {
		log.SetOutput(out)
		return nopCloser{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return nil, errors.Wrap(err, "log file")
	}
	f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "log file")
	}
	log.SetOutput(io.MultiWriter(out, f))
	return f, nil
}

// MessageFunc returns a copy engine message callback logging to l.
func MessageFunc(l log.FieldLogger) transfer.MessageFunc {
	return func(sev transfer.Severity, format string, args ...interface{}) {
		switch sev {
		case transfer.SevFatal:
			l.Errorf(format, args...)
		case transfer.SevWarning:
			l.Warnf(format, args...)
		case transfer.SevInfo:
			l.Infof(format, args...)
		default:
			l.Debugf(format, args...)
		}
	}
}
