// Package blog wraps github.com/charmbracelet/log with the structured
// fields Blink components attach to every message, replacing the
// teacher's global dw_printf/text_color_set pair with an injected,
// per-component logger (spec.md section 9: no process-wide globals).
package blog

import (
	"io"

	charmlog "github.com/charmbracelet/log"

	"github.com/blinknet/blink/event"
)

// Logger is a thin, Blink-flavored wrapper around *charmlog.Logger.
type Logger struct {
	base *charmlog.Logger
}

// New returns a Logger writing to w at the given level, with the given
// component name attached as a field to every message (e.g. "mac",
// "assoc", "scheduler").
func New(w io.Writer, component string, level charmlog.Level) *Logger {
	l := charmlog.NewWithOptions(w, charmlog.Options{
		Level:           level,
		ReportTimestamp: true,
		Prefix:          component,
	})
	return &Logger{base: l}
}

// Nop returns a Logger that discards everything, the default when a
// component is constructed without an explicit logger.
func Nop() *Logger {
	return New(io.Discard, "nop", charmlog.FatalLevel+1)
}

// orNop lets every component tolerate a nil *Logger the way the teacher's
// config functions tolerate a missing config file.
func (l *Logger) orNop() *Logger {
	if l == nil {
		return Nop()
	}
	return l
}

// Slot logs a message tagged with the current absolute slot number.
func (l *Logger) Slot(asn uint64, msg string, keyvals ...interface{}) {
	l = l.orNop()
	l.base.With("asn", asn).Debug(msg, keyvals...)
}

// Event logs an emitted application event at Info level, with its kind
// and reason attached as fields.
func (l *Logger) Event(e event.Event, keyvals ...interface{}) {
	l = l.orNop()
	fields := append([]interface{}{"kind", e.Kind.String(), "reason", e.Reason.String()}, keyvals...)
	l.base.Info("event", fields...)
}

// Debugf, Infof, Warnf, Errorf forward to the underlying logger, nil-safe.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.orNop().base.Debugf(format, args...)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.orNop().base.Infof(format, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.orNop().base.Warnf(format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.orNop().base.Errorf(format, args...)
}

// With returns a derived Logger with additional structured fields
// attached to every subsequent message.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	l = l.orNop()
	return &Logger{base: l.base.With(keyvals...)}
}
