// Package telemetry provides the bridge's observability surface: a
// process-local emitter for metric and log events correlated by session and
// query. Hooks are telemetry only; no bridge contract depends on them.
package telemetry

import (
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Bridge lifecycle event names.
const (
	EventQuerySubmitted     = "query_submitted"
	EventQueryCompleted     = "query_completed"
	EventQueryFailed        = "query_failed"
	EventInjectionPerformed = "injection_performed"
	EventInjectionDropped   = "injection_dropped"
	EventInterrupt          = "interrupt"
	EventSessionClosed      = "session_closed"
)

// MetricPendingQueries tracks the current number of in-flight queries.
const MetricPendingQueries = "pending_queries"

// MetricQueryLatencyMS records submit-to-completion latency observations.
const MetricQueryLatencyMS = "query_latency_ms"

// Correlation carries the identifiers attached to every emission.
type Correlation struct {
	SessionID string `json:"session_id,omitempty"`
	QueryID   string `json:"query_id,omitempty"`
	Kind      string `json:"kind,omitempty"`
}

// Event is one normalized telemetry emission.
type Event struct {
	Name        string            `json:"name"`
	Severity    string            `json:"severity,omitempty"`
	Message     string            `json:"message,omitempty"`
	Value       float64           `json:"value,omitempty"`
	TimestampMS int64             `json:"timestamp_ms"`
	Correlation Correlation       `json:"correlation"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Emitter is a non-blocking telemetry emission handle.
type Emitter interface {
	EmitLog(name, severity, message string, correlation Correlation)
	EmitMetric(name string, value float64, correlation Correlation)
}

type noopEmitter struct{}

func (noopEmitter) EmitLog(string, string, string, Correlation) {}
func (noopEmitter) EmitMetric(string, float64, Correlation)     {}

type emitterHolder struct {
	emitter Emitter
}

var globalEmitter atomic.Value

func init() {
	globalEmitter.Store(emitterHolder{emitter: noopEmitter{}})
}

// SetDefaultEmitter replaces the process-local default emitter. A nil emitter
// restores the no-op default.
func SetDefaultEmitter(emitter Emitter) {
	if emitter == nil {
		emitter = noopEmitter{}
	}
	globalEmitter.Store(emitterHolder{emitter: emitter})
}

// DefaultEmitter returns the process-local default emitter.
func DefaultEmitter() Emitter {
	return globalEmitter.Load().(emitterHolder).emitter
}

// MemorySink is an in-memory emitter for tests and dry runs.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
	now    func() time.Time
}

// NewMemorySink creates an empty sink. A nil now falls back to time.Now.
func NewMemorySink(now func() time.Time) *MemorySink {
	if now == nil {
		now = time.Now
	}
	return &MemorySink{now: now}
}

// EmitLog records a log event.
func (s *MemorySink) EmitLog(name, severity, message string, correlation Correlation) {
	s.append(Event{Name: name, Severity: severity, Message: message, Correlation: correlation})
}

// EmitMetric records a metric sample.
func (s *MemorySink) EmitMetric(name string, value float64, correlation Correlation) {
	s.append(Event{Name: name, Value: value, Correlation: correlation})
}

// Events returns a copy of everything recorded so far.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Named returns recorded events matching name, in emission order.
func (s *MemorySink) Named(name string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, event := range s.events {
		if event.Name == name {
			out = append(out, event)
		}
	}
	return out
}

func (s *MemorySink) append(event Event) {
	event.TimestampMS = s.now().UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

// WriterSink emits JSON lines to a writer, used by the CLI host.
type WriterSink struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

// NewWriterSink creates a sink over w. A nil now falls back to time.Now.
func NewWriterSink(w io.Writer, now func() time.Time) *WriterSink {
	if now == nil {
		now = time.Now
	}
	return &WriterSink{w: w, now: now}
}

// EmitLog writes a log event as one JSON line.
func (s *WriterSink) EmitLog(name, severity, message string, correlation Correlation) {
	s.write(Event{Name: name, Severity: severity, Message: message, Correlation: correlation})
}

// EmitMetric writes a metric sample as one JSON line.
func (s *WriterSink) EmitMetric(name string, value float64, correlation Correlation) {
	s.write(Event{Name: name, Value: value, Correlation: correlation})
}

func (s *WriterSink) write(event Event) {
	event.TimestampMS = s.now().UnixMilli()
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.w.Write(append(data, '\n'))
}
