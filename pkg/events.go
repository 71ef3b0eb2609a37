package pkg

import (
	"sync"
	"time"
)

// EventType names a selection lifecycle event
type EventType string

const (
	EventRequestSubmitted  EventType = "request_submitted"
	EventRequestDeduped    EventType = "request_deduped"
	EventScanStarted       EventType = "scan_started"
	EventScanResults       EventType = "scan_results"
	EventScanError         EventType = "scan_error"
	EventSwitchRequested   EventType = "switch_requested"
	EventSwitchCompleted   EventType = "switch_completed"
	EventModemToggled      EventType = "modem_toggled"
	EventSelectionFinished EventType = "selection_finished"
	EventEnableChanged     EventType = "enable_changed"
	EventProfilesChanged   EventType = "profiles_changed"
)

// Event is emitted by the selector for diagnostics and telemetry
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	RequestID string                 `json:"request_id,omitempty"`
	Class     string                 `json:"class,omitempty"`
	SubID     int                    `json:"sub_id,omitempty"`
	Result    string                 `json:"result,omitempty"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
}

// EventSink consumes events. Emit must not block for long.
type EventSink interface {
	Emit(e *Event)
}

// EventSinkFunc adapts a function to EventSink
type EventSinkFunc func(e *Event)

func (f EventSinkFunc) Emit(e *Event) { f(e) }

// MultiSink fans events out to several sinks
type MultiSink struct {
	mu    sync.RWMutex
	sinks []EventSink
}

// NewMultiSink creates a fan-out sink, skipping nil entries
func NewMultiSink(sinks ...EventSink) *MultiSink {
	m := &MultiSink{}
	for _, s := range sinks {
		m.Add(s)
	}
	return m
}

// Add registers another sink
func (m *MultiSink) Add(s EventSink) {
	if s == nil {
		return
	}
	m.mu.Lock()
	m.sinks = append(m.sinks, s)
	m.mu.Unlock()
}

func (m *MultiSink) Emit(e *Event) {
	m.mu.RLock()
	sinks := m.sinks
	m.mu.RUnlock()
	for _, s := range sinks {
		s.Emit(e)
	}
}
