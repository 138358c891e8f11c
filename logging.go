// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package shimipc

import (
	"io"
	"log"
	"os"
	"sync/atomic"
)

// LogLevel represents different logging levels
type LogLevel int32

const (
	LogLevelError LogLevel = iota
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
	LogLevelTrace
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LogLevelError:
		return "ERROR"
	case LogLevelWarn:
		return "WARN"
	case LogLevelInfo:
		return "INFO"
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelTrace:
		return "TRACE"
	default:
		return "UNKNOWN"
	}
}

// Logger provides leveled logging for the IPC worker and its peers.
// The level may be changed while the worker runs.
type Logger struct {
	logger *log.Logger
	level  atomic.Int32
}

// NewLogger creates a new Logger writing to stderr with the specified level
func NewLogger(level LogLevel) *Logger {
	return NewLoggerWithWriter(os.Stderr, level)
}

// NewLoggerWithWriter creates a new Logger with custom writer and level
func NewLoggerWithWriter(w io.Writer, level LogLevel) *Logger {
	l := &Logger{logger: log.New(w, "shimipc: ", log.LstdFlags|log.Lmicroseconds)}
	l.level.Store(int32(level))
	return l
}

// SetLevel sets the minimum logging level
func (l *Logger) SetLevel(level LogLevel) {
	l.level.Store(int32(level))
}

// GetLevel returns the current logging level
func (l *Logger) GetLevel() LogLevel {
	return LogLevel(l.level.Load())
}

// IsEnabled checks if a log level is enabled
func (l *Logger) IsEnabled(level LogLevel) bool {
	return level <= l.GetLevel()
}

func (l *Logger) output(level LogLevel, format string, args []interface{}) {
	if l == nil || !l.IsEnabled(level) {
		return
	}
	l.logger.Printf("["+level.String()+"] "+format, args...)
}

// Error logs at error level
func (l *Logger) Error(format string, args ...interface{}) {
	l.output(LogLevelError, format, args)
}

// Warn logs at warning level
func (l *Logger) Warn(format string, args ...interface{}) {
	l.output(LogLevelWarn, format, args)
}

// Info logs at info level
func (l *Logger) Info(format string, args ...interface{}) {
	l.output(LogLevelInfo, format, args)
}

// Debug logs at debug level
func (l *Logger) Debug(format string, args ...interface{}) {
	l.output(LogLevelDebug, format, args)
}

// Trace logs at trace level (per message wire events)
func (l *Logger) Trace(format string, args ...interface{}) {
	l.output(LogLevelTrace, format, args)
}

var (
	// DevNullLogger discards all output
	DevNullLogger = NewLoggerWithWriter(io.Discard, LogLevelError)

	// DefaultLogger logs warnings and errors to stderr
	DefaultLogger = NewLogger(LogLevelWarn)
)
