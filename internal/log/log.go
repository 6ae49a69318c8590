// Package log is the process-wide structured logger, backed by logrus.
package log

import (
	"io"
	"os"
	"sync"

	"firestige.xyz/dropsock/internal/config"
)

// Logger is the logging surface used across dropsock. Fields attached with
// WithField/WithFields/WithError are carried by the returned Logger only.
type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})

	WithField(field string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger

	IsDebugEnabled() bool
}

var (
	mu     sync.RWMutex
	logger Logger = newDefault()
	output *MultiWriter
)

// GetLogger returns the current logger. Before Init it logs info and above
// to stdout.
func GetLogger() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Init (re)builds the logger from configuration. It may be called again on
// reload; outputs of the previous logger are closed.
func Init(cfg config.LogConfig) error {
	l, w, err := initByConfig(cfg, os.Stdout)
	if err != nil {
		return err
	}

	mu.Lock()
	prev := output
	logger, output = l, w
	mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	return nil
}

// Flush closes file outputs so buffered data hits the disk. The logger keeps
// writing to stdout afterwards.
func Flush() {
	mu.Lock()
	w := output
	output = nil
	mu.Unlock()
	if w != nil {
		w.Close()
	}
}

// SetOutputForTest swaps the logger for one writing to w at the given level.
func SetOutputForTest(w io.Writer, level string) {
	l, _, _ := initByConfig(config.LogConfig{Level: level, Format: "text"}, w)
	mu.Lock()
	logger = l
	mu.Unlock()
}
