// Package monitoring holds the process-wide diagnostic logger.
package monitoring

import (
	"log"
	"sync/atomic"
)

// LogFunc is a printf-style logger.
type LogFunc func(format string, v ...interface{})

var current atomic.Pointer[LogFunc]

func init() {
	SetLogger(log.Printf)
}

// Logf writes through the current logger. It defaults to log.Printf and is
// safe to call while another goroutine swaps the logger with SetLogger.
func Logf(format string, v ...interface{}) {
	(*current.Load())(format, v...)
}

// Logger returns the current logger, e.g. to restore it after a test.
func Logger() LogFunc {
	return *current.Load()
}

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f LogFunc) {
	if f == nil {
		f = func(string, ...interface{}) {}
	}
	current.Store(&f)
}

// Component returns a logger that prefixes every line with "[name] ". The
// current logger is looked up on every call so SetLogger still applies.
func Component(name string) LogFunc {
	prefix := "[" + name + "] "
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}
