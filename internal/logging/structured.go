// Package logging provides structured JSON logging for aide components.
// Protocol frames own stdout; all logs go to stderr.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level represents log severity
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event represents a structured log event
type Event struct {
	Timestamp string         `json:"ts"`
	Level     Level          `json:"level"`
	Component string         `json:"component"`
	Event     string         `json:"event"`
	Session   string         `json:"session,omitempty"`
	Project   string         `json:"project,omitempty"`
	Duration  int64          `json:"duration_ms,omitempty"`
	Error     string         `json:"error,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

var (
	outMu sync.Mutex
	out   io.Writer = os.Stderr
)

// SetOutput redirects log output (for testing).
func SetOutput(w io.Writer) {
	outMu.Lock()
	out = w
	outMu.Unlock()
}

// Logger provides structured logging
type Logger struct {
	component string
	session   string
	project   string
}

// New creates a new logger for a component
func New(component string) *Logger {
	return &Logger{
		component: component,
		project:   os.Getenv("AIDE_PROJECT"),
	}
}

// WithSession sets the session context
func (l *Logger) WithSession(session string) *Logger {
	return &Logger{
		component: l.component,
		session:   session,
		project:   l.project,
	}
}

// WithProject sets the project context
func (l *Logger) WithProject(project string) *Logger {
	return &Logger{
		component: l.component,
		session:   l.session,
		project:   project,
	}
}

// log emits a structured log event
func (l *Logger) log(level Level, event string, extra map[string]any, err error) {
	e := Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     level,
		Component: l.component,
		Event:     event,
		Session:   l.session,
		Project:   l.project,
		Extra:     extra,
	}

	if err != nil {
		e.Error = err.Error()
	}

	emit(e)
}

func emit(e Event) {
	data, _ := json.Marshal(e)
	outMu.Lock()
	fmt.Fprintln(out, string(data))
	outMu.Unlock()
}

// Debug logs a debug event
func (l *Logger) Debug(event string, extra map[string]any) {
	l.log(LevelDebug, event, extra, nil)
}

// Info logs an info event
func (l *Logger) Info(event string, extra map[string]any) {
	l.log(LevelInfo, event, extra, nil)
}

// Warn logs a warning event
func (l *Logger) Warn(event string, extra map[string]any, err error) {
	l.log(LevelWarn, event, extra, err)
}

// Error logs an error event
func (l *Logger) Error(event string, extra map[string]any, err error) {
	l.log(LevelError, event, extra, err)
}

// TimedEvent logs an event with duration
func (l *Logger) TimedEvent(event string, start time.Time, extra map[string]any) {
	emit(Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     LevelInfo,
		Component: l.component,
		Event:     event,
		Session:   l.session,
		Project:   l.project,
		Duration:  time.Since(start).Milliseconds(),
		Extra:     extra,
	})
}

// ProvisionEvent logs a sandbox provisioning outcome.
func ProvisionEvent(envID, project string, success bool, duration time.Duration, err error) {
	e := Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     LevelInfo,
		Component: "sandbox",
		Event:     "provision",
		Project:   project,
		Duration:  duration.Milliseconds(),
		Extra: map[string]any{
			"env_id":  envID,
			"success": success,
		},
	}

	if err != nil {
		e.Level = LevelError
		e.Error = err.Error()
	}

	emit(e)
}

// PhaseEvent logs a session phase transition.
func PhaseEvent(sessionID, from, to, reason string) {
	extra := map[string]any{"from": from, "to": to}
	if reason != "" {
		extra["reason"] = reason
	}
	emit(Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     LevelInfo,
		Component: "session",
		Event:     "phase_changed",
		Session:   sessionID,
		Extra:     extra,
	})
}
