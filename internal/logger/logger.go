// Package logger provides the leveled logging used across the
// download core. Setting up handlers/sinks for the process is the
// embedding front end's job (per spec.md §1); this package only
// provides the Logger type every internal package logs through.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cenkalti/log"
)

var handler log.Handler

func init() {
	SetHandler(log.NewWriterHandler(os.Stderr))
}

// SetHandler replaces the global logging handler. Embedding front ends
// may call this before starting a download to redirect logs.
func SetHandler(h log.Handler) {
	handler = h
	handler.SetFormatter(logFormatter{})
}

// SetLevel sets the logging level on the global handler.
func SetLevel(l log.Level) {
	handler.SetLevel(l)
}

// Logger logs messages prefixed with a component name.
type Logger log.Logger

// New returns a Logger with the given name. Every message logged
// through it is prefixed with that name by the formatter.
func New(name string) Logger {
	l := log.NewLogger(name)
	l.SetLevel(log.DEBUG) // forward everything to the handler; the handler applies the level filter
	l.SetHandler(handler)
	return l
}

type logFormatter struct{}

func (f logFormatter) Format(rec *log.Record) string {
	return fmt.Sprintf("%s %-8s [%s] %-8s %s",
		fmt.Sprint(rec.Time)[:19],
		rec.Level,
		rec.LoggerName,
		filepath.Base(rec.Filename)+":"+strconv.Itoa(rec.Line),
		rec.Message)
}
