// Package telemetry wires structured logging (zerolog) to the stable
// severity/event_type contract the core uses for every logged event,
// persists CRITICAL events through a hook, and fans every event out to
// subscribers such as a loopback event hub.
package telemetry

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Severity is the event-level enum: INFO, WARNING, ERROR, or CRITICAL.
type Severity string

const (
	Info     Severity = "INFO"
	Warning  Severity = "WARNING"
	Error    Severity = "ERROR"
	Critical Severity = "CRITICAL"
)

// Event is one structured log record, also the shape persisted to
// system_events for CRITICAL severity.
type Event struct {
	Time      time.Time
	Severity  Severity
	EventType string
	Symbol    string
	Details   string
}

// CriticalSink receives every CRITICAL event for durable persistence.
// internal/store implements this against the system_events table.
type CriticalSink interface {
	RecordSystemEvent(Event) error
}

// Subscriber receives every event regardless of severity, for the loopback
// operator console (internal event hub, not an external dashboard).
type Subscriber interface {
	Publish(Event)
}

// Logger wraps a zerolog.Logger with the event_type/severity contract and
// sends CRITICAL events to an optional sink and every event to subscribers.
type Logger struct {
	zl   zerolog.Logger
	mu   sync.RWMutex
	sink CriticalSink
	subs []Subscriber
}

// New builds a console-writer zerolog.Logger at info level, matching the
// pack's convention for long-running service processes.
func New() *Logger {
	w := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	zl := zerolog.New(w).With().Timestamp().Logger()
	return &Logger{zl: zl}
}

// SetCriticalSink attaches the durable persistence hook. Safe to call once
// the store is ready; events before that point are simply not persisted.
func (l *Logger) SetCriticalSink(sink CriticalSink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = sink
}

// Subscribe registers a subscriber that receives every event going forward.
func (l *Logger) Subscribe(s Subscriber) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs = append(l.subs, s)
}

func (l *Logger) emit(sev Severity, eventType, symbol, details string) {
	var zev *zerolog.Event
	switch sev {
	case Warning:
		zev = l.zl.Warn()
	case Error:
		zev = l.zl.Error()
	case Critical:
		zev = l.zl.Error()
	default:
		zev = l.zl.Info()
	}
	zev.Str("severity", string(sev)).Str("event_type", eventType)
	if symbol != "" {
		zev.Str("symbol", symbol)
	}
	zev.Msg(details)

	ev := Event{Time: time.Now(), Severity: sev, EventType: eventType, Symbol: symbol, Details: details}

	l.mu.RLock()
	sink := l.sink
	subs := append([]Subscriber(nil), l.subs...)
	l.mu.RUnlock()

	if sev == Critical && sink != nil {
		if err := sink.RecordSystemEvent(ev); err != nil {
			l.zl.Error().Err(err).Msg("failed to persist critical system event")
		}
	}
	for _, s := range subs {
		s.Publish(ev)
	}
}

func (l *Logger) Info(eventType, symbol, details string)     { l.emit(Info, eventType, symbol, details) }
func (l *Logger) Warn(eventType, symbol, details string)      { l.emit(Warning, eventType, symbol, details) }
func (l *Logger) Err(eventType, symbol string, err error)     { l.emit(Error, eventType, symbol, err.Error()) }
func (l *Logger) Critical(eventType, symbol, details string)  { l.emit(Critical, eventType, symbol, details) }
