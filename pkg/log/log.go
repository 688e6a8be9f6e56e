// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// Level describes the severity of a log message.
type Level int

const (
	// LevelDebug is the severity for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity for informational messages.
	LevelInfo
	// LevelWarn is the severity for warnings.
	LevelWarn
	// LevelError is the severity for errors.
	LevelError
)

// Logger is the interface for producing log messages for a source.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Fatal formats and emits an error message and os.Exit()'s with status 1.
	Fatal(format string, args ...interface{})
	// Panic formats and emits an error message then panics with the same.
	Panic(format string, args ...interface{})

	// Debugf is an alias for Debug.
	Debugf(format string, args ...interface{})
	// Infof is an alias for Info.
	Infof(format string, args ...interface{})
	// Warnf is an alias for Warn.
	Warnf(format string, args ...interface{})
	// Errorf is an alias for Error.
	Errorf(format string, args ...interface{})

	// DebugEnabled checks if debug messages are enabled for this Logger.
	DebugEnabled() bool
	// Source returns the source name of this Logger.
	Source() string
	// SlogHandler returns an slog.Handler which emits through this Logger.
	SlogHandler() slog.Handler
}

// logging tracks the runtime state of all loggers.
type logging struct {
	sync.RWMutex
	level   Level
	dbgmap  srcmap
	prefix  bool
	loggers map[string]logger
}

// logger implements Logger for a single source.
type logger struct {
	source string
}

var (
	log = &logging{
		level:   DefaultLevel,
		dbgmap:  make(srcmap),
		loggers: make(map[string]logger),
	}
	deflog = log.get("default")
)

// Get returns the named Logger, creating it if necessary.
func Get(source string) Logger {
	return log.get(source)
}

// NewLogger is an alias for Get.
func NewLogger(source string) Logger {
	return log.get(source)
}

// Default returns the default Logger.
func Default() Logger {
	return deflog
}

// SetLevel sets the lowest severity level of messages to emit.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// EnableDebug turns debugging on or off for the given source.
func EnableDebug(source string, enabled bool) {
	log.Lock()
	defer log.Unlock()
	dbgmap := make(srcmap)
	for src, state := range log.dbgmap {
		dbgmap[src] = state
	}
	dbgmap[source] = enabled
	log.setDbgMap(dbgmap)
}

func (l *logging) get(source string) logger {
	l.Lock()
	defer l.Unlock()

	if lg, ok := l.loggers[source]; ok {
		return lg
	}
	lg := logger{source: source}
	l.loggers[source] = lg
	return lg
}

// setDbgMap updates the debug source map. The caller must hold the lock.
func (l *logging) setDbgMap(dbgmap srcmap) {
	l.dbgmap = dbgmap
}

// setPrefix turns source prefixing on or off. The caller must hold the lock.
func (l *logging) setPrefix(prefix bool) {
	l.prefix = prefix
}

func (l *logging) debugEnabled(source string) bool {
	l.RLock()
	defer l.RUnlock()

	if state, ok := l.dbgmap[source]; ok {
		return state
	}
	if state, ok := l.dbgmap["*"]; ok {
		return state
	}
	return l.level <= LevelDebug
}

func (l *logging) passes(level Level) bool {
	l.RLock()
	defer l.RUnlock()
	return l.level <= level
}

func (l *logging) format(source, format string, args ...interface{}) string {
	l.RLock()
	prefix := l.prefix
	l.RUnlock()

	msg := fmt.Sprintf(format, args...)
	if !prefix {
		return msg
	}
	return "[" + source + "] " + msg
}

func (l logger) Debug(format string, args ...interface{}) {
	if !l.DebugEnabled() {
		return
	}
	for _, line := range lines(log.format(l.source, format, args...)) {
		klog.InfoDepth(1, "D: "+line)
	}
}

func (l logger) Info(format string, args ...interface{}) {
	if !log.passes(LevelInfo) {
		return
	}
	for _, line := range lines(log.format(l.source, format, args...)) {
		klog.InfoDepth(1, line)
	}
}

func (l logger) Warn(format string, args ...interface{}) {
	if !log.passes(LevelWarn) {
		return
	}
	for _, line := range lines(log.format(l.source, format, args...)) {
		klog.WarningDepth(1, line)
	}
}

func (l logger) Error(format string, args ...interface{}) {
	for _, line := range lines(log.format(l.source, format, args...)) {
		klog.ErrorDepth(1, line)
	}
}

func (l logger) Fatal(format string, args ...interface{}) {
	klog.ErrorDepth(1, log.format(l.source, format, args...))
	klog.Flush()
	os.Exit(1)
}

func (l logger) Panic(format string, args ...interface{}) {
	msg := log.format(l.source, format, args...)
	klog.ErrorDepth(1, msg)
	panic(msg)
}

func (l logger) Debugf(format string, args ...interface{}) { l.Debug(format, args...) }
func (l logger) Infof(format string, args ...interface{})  { l.Info(format, args...) }
func (l logger) Warnf(format string, args ...interface{})  { l.Warn(format, args...) }
func (l logger) Errorf(format string, args ...interface{}) { l.Error(format, args...) }

func (l logger) DebugEnabled() bool {
	return log.debugEnabled(l.source)
}

func (l logger) Source() string {
	return l.source
}

// lines splits a multiline message so each line gets a proper klog header.
func lines(msg string) []string {
	if !strings.Contains(msg, "\n") {
		return []string{msg}
	}
	return strings.Split(strings.TrimRight(msg, "\n"), "\n")
}

// loggerError returns a package-specific formatted error.
func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("logger: "+format, args...)
}
