// Package diag provides the diagnostics sinks the module resolver reports to:
// a structured logger, a websocket stream and a fan-out of both.
package diag

import (
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/zot/modns/internal/module"
)

// Level names used in events.
const (
	LevelTrace = "trace"
	LevelWarn  = "warn"
	LevelFatal = "fatal"
)

// Event is one diagnostic message.
type Event struct {
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
	Time    time.Time      `json:"time"`
}

// NewEvent builds an Event from alternating key/value pairs.
func NewEvent(level, msg string, keyvals ...any) Event {
	ev := Event{Level: level, Message: msg, Time: time.Now()}
	if len(keyvals) > 0 {
		ev.Fields = make(map[string]any, len(keyvals)/2)
		for i := 0; i < len(keyvals); i += 2 {
			key := fmt.Sprint(keyvals[i])
			if i+1 < len(keyvals) {
				ev.Fields[key] = keyvals[i+1]
			} else {
				ev.Fields[key] = nil
			}
		}
	}
	return ev
}

// Logger reports diagnostics through a charm logger. Traces are debug output.
type Logger struct {
	log *log.Logger
}

var _ module.Diagnostics = (*Logger)(nil)

// NewLogger wraps l.
func NewLogger(l *log.Logger) *Logger {
	return &Logger{log: l}
}

// Trace logs at debug level.
func (d *Logger) Trace(msg string, keyvals ...any) {
	d.log.Debug(msg, keyvals...)
}

// Warn logs at warn level.
func (d *Logger) Warn(msg string, keyvals ...any) {
	d.log.Warn(msg, keyvals...)
}

// Fatal logs a load error at error level.
func (d *Logger) Fatal(err error) {
	d.log.Error("module error", "err", err)
}

// Multi fans diagnostics out to several sinks.
type Multi []module.Diagnostics

// Trace forwards to every sink.
func (m Multi) Trace(msg string, keyvals ...any) {
	for _, d := range m {
		d.Trace(msg, keyvals...)
	}
}

// Warn forwards to every sink.
func (m Multi) Warn(msg string, keyvals ...any) {
	for _, d := range m {
		d.Warn(msg, keyvals...)
	}
}

// Fatal forwards to every sink.
func (m Multi) Fatal(err error) {
	for _, d := range m {
		d.Fatal(err)
	}
}
