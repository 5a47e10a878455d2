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
	"os"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// Level is the severity of a log message.
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

	// Warnf is an alias for Warn.
	Warnf(format string, args ...interface{})
	// Errorf is an alias for Error.
	Errorf(format string, args ...interface{})

	// Assert checks an invariant. On violation it panics if assertions
	// are enabled and logs an error otherwise. It returns cond.
	Assert(cond bool, format string, args ...interface{}) bool

	// EnableDebug enables or disables debug messages for this Logger.
	EnableDebug(bool) bool
	// DebugEnabled checks if debug messages are enabled for this Logger.
	DebugEnabled() bool
	// Source returns the source name of this Logger.
	Source() string
}

type logger struct {
	source string
}

type logging struct {
	sync.RWMutex
	level   Level
	prefix  bool
	dbgmap  srcmap
	forced  map[string]bool
	asserts bool
}

const (
	assertEnvVar = "MEMRT_ASSERT"
)

var (
	log = &logging{
		level:   DefaultLevel,
		dbgmap:  make(srcmap),
		forced:  make(map[string]bool),
		asserts: assertsByDefault || os.Getenv(assertEnvVar) != "",
	}
	deflog = logger{source: "default"}
)

// Get returns the Logger for the given source.
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

// SetLevel sets the lowest severity emitted by all loggers.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// EnableAsserts turns panicking on invariant violations on or off. It
// returns the previous setting.
func EnableAsserts(state bool) bool {
	log.Lock()
	defer log.Unlock()
	old := log.asserts
	log.asserts = state
	return old
}

// AssertsEnabled returns true if invariant violations panic.
func AssertsEnabled() bool {
	log.RLock()
	defer log.RUnlock()
	return log.asserts
}

func (l *logging) get(source string) logger {
	return logger{source: source}
}

func (l *logging) setDbgMap(m srcmap) {
	l.dbgmap = m
}

func (l *logging) setPrefix(prefix bool) {
	l.prefix = prefix
}

func (l *logging) enabled(level Level) bool {
	l.RLock()
	defer l.RUnlock()
	return l.level <= level
}

func (l *logging) debugEnabled(source string) bool {
	l.RLock()
	defer l.RUnlock()

	if state, ok := l.forced[source]; ok {
		return state
	}
	if state, ok := l.dbgmap[source]; ok {
		return state
	}
	return l.dbgmap["*"]
}

func (l *logging) format(source, format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)

	l.RLock()
	prefix := l.prefix
	l.RUnlock()

	if !prefix {
		return msg
	}
	return "[" + source + "] " + msg
}

func (l logger) Debug(format string, args ...interface{}) {
	if !l.DebugEnabled() {
		return
	}
	klog.InfoDepth(1, log.format(l.source, "D: "+format, args...))
}

func (l logger) Info(format string, args ...interface{}) {
	if !log.enabled(LevelInfo) {
		return
	}
	klog.InfoDepth(1, log.format(l.source, format, args...))
}

func (l logger) Warn(format string, args ...interface{}) {
	if !log.enabled(LevelWarn) {
		return
	}
	klog.WarningDepth(1, log.format(l.source, format, args...))
}

func (l logger) Error(format string, args ...interface{}) {
	klog.ErrorDepth(1, log.format(l.source, format, args...))
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

func (l logger) Warnf(format string, args ...interface{}) {
	l.Warn(format, args...)
}

func (l logger) Errorf(format string, args ...interface{}) {
	l.Error(format, args...)
}

func (l logger) Assert(cond bool, format string, args ...interface{}) bool {
	if cond {
		return true
	}

	msg := log.format(l.source, "invariant violation: "+format, args...)
	if AssertsEnabled() {
		klog.ErrorDepth(1, msg)
		panic(msg)
	}
	klog.ErrorDepth(1, msg)

	return false
}

func (l logger) EnableDebug(state bool) bool {
	log.Lock()
	defer log.Unlock()

	old, ok := log.forced[l.source]
	if !ok {
		old = log.dbgmap[l.source] || log.dbgmap["*"]
	}
	log.forced[l.source] = state

	return old
}

func (l logger) DebugEnabled() bool {
	return log.debugEnabled(l.source)
}

func (l logger) Source() string {
	return l.source
}

// loggerError returns a package-specific formatted error.
func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("logger: "+format, args...)
}

// Flush flushes any buffered log messages.
func Flush() {
	klog.Flush()
}

// Sources returns the sources which have debugging explicitly configured.
func Sources() []string {
	log.RLock()
	defer log.RUnlock()

	names := make([]string, 0, len(log.dbgmap))
	for src := range log.dbgmap {
		names = append(names, src)
	}
	return names
}

// String returns the log level as a string.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warning"
	case LevelError:
		return "error"
	}
	return fmt.Sprintf("<unknown log level %d>", l)
}

// ParseLevel parses the given string into a log level.
func ParseLevel(str string) (Level, error) {
	switch strings.ToLower(str) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, loggerError("invalid log level %q", str)
}
