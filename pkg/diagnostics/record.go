// Package diagnostics collects the structured event stream of a bulk run.
//
// Records are append-only and keyed by run ID. Every message and field is
// redacted before it is stored, so nothing held by a Recorder, mirrored to the
// run log, or written to an exported bundle carries a usable token or session
// cookie.
package diagnostics

import (
	"fmt"
	"strings"
	"time"
)

// Level is the severity of a record.
type Level int

const (
	LevelDebug Level = iota
	LevelVerbose
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelVerbose:
		return "verbose"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// MarshalText renders the level name in exported bundles.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// ParseLevel maps a verbosity name to the lowest level that is kept.
func ParseLevel(verbosity string) Level {
	switch strings.ToLower(strings.TrimSpace(verbosity)) {
	case "quiet":
		return LevelWarn
	case "verbose":
		return LevelVerbose
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// Record is one diagnostic event.
type Record struct {
	Time      time.Time         `json:"time"`
	RunID     string            `json:"run_id"`
	Level     Level             `json:"level"`
	Component string            `json:"component"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Sink accepts records. Implementations must not retain references to the
// Fields map beyond the call.
type Sink interface {
	Append(rec Record)
}

// Discard is a Sink that drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Append(Record) {}

// Logger is a component-scoped front end for a Sink. A nil *Logger discards.
type Logger struct {
	sink      Sink
	component string
}

// NewLogger returns a Logger that tags records with component.
func NewLogger(sink Sink, component string) *Logger {
	if sink == nil {
		sink = Discard
	}
	return &Logger{sink: sink, component: component}
}

// Event appends a record with structured fields.
func (l *Logger) Event(level Level, msg string, fields map[string]string) {
	if l == nil {
		return
	}
	l.sink.Append(Record{
		Time:      time.Now(),
		Level:     level,
		Component: l.component,
		Message:   msg,
		Fields:    fields,
	})
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.Event(LevelDebug, fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Verbosef(format string, args ...interface{}) {
	l.Event(LevelVerbose, fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.Event(LevelInfo, fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.Event(LevelWarn, fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.Event(LevelError, fmt.Sprintf(format, args...), nil)
}
