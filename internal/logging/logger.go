// Package logging provides structured logging for the sync core.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// global logger instance
	global *logrus.Logger
	once   sync.Once
)

// Init initializes the global logger. Subsequent calls are no-ops.
func Init(out io.Writer, level string) {
	once.Do(func() {
		l := logrus.New()
		l.SetOutput(out)
		l.SetFormatter(&logrus.JSONFormatter{})

		parsed, err := logrus.ParseLevel(level)
		if err != nil {
			parsed = logrus.InfoLevel
		}
		l.SetLevel(parsed)

		global = l
	})
}

// Get returns the global logger instance.
func Get() *logrus.Logger {
	if global == nil {
		Init(os.Stdout, "info")
	}
	return global
}

// Debug logs a debug message with optional context fields.
func Debug(message string, context ...map[string]interface{}) {
	entry(context...).Debug(message)
}

// Info logs an info message with optional context fields.
func Info(message string, context ...map[string]interface{}) {
	entry(context...).Info(message)
}

// Warn logs a warning message with optional context fields.
func Warn(message string, context ...map[string]interface{}) {
	entry(context...).Warn(message)
}

// Error logs an error message with optional context fields.
func Error(message string, err error, context ...map[string]interface{}) {
	e := entry(context...)
	if err != nil {
		e = e.WithError(err)
	}
	e.Error(message)
}

// entry merges context maps into a single logrus entry.
func entry(context ...map[string]interface{}) *logrus.Entry {
	fields := logrus.Fields{}
	for _, c := range context {
		for k, v := range c {
			fields[k] = v
		}
	}
	return Get().WithFields(fields)
}
