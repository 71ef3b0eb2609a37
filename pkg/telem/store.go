// Package telem keeps recent selection events in RAM for the status API.
package telem

import (
	"fmt"
	"sync"
	"time"

	"github.com/markus-lassfolk/ons/pkg"
)

// Store keeps the most recent events in a ring buffer with time based
// retention
type Store struct {
	mu sync.RWMutex

	// Configuration
	retention time.Duration

	events      *RingBuffer
	lastCleanup time.Time
	total       int64
	byType      map[pkg.EventType]int64

	// Event callback for real-time publishing
	eventCallback func(*pkg.Event)
}

// NewStore creates a store holding up to capacity events for retentionHours
func NewStore(capacity, retentionHours int) (*Store, error) {
	if capacity < 16 || capacity > 65536 {
		return nil, fmt.Errorf("event buffer must be between 16 and 65536, got %d", capacity)
	}
	if retentionHours < 1 || retentionHours > 720 {
		return nil, fmt.Errorf("retention_hours must be between 1 and 720, got %d", retentionHours)
	}
	return &Store{
		retention:   time.Duration(retentionHours) * time.Hour,
		events:      NewRingBuffer(capacity),
		lastCleanup: time.Now(),
		byType:      make(map[pkg.EventType]int64),
	}, nil
}

// Emit stores an event. It implements pkg.EventSink.
func (s *Store) Emit(e *pkg.Event) {
	if e == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	s.mu.Lock()
	s.events.Add(e)
	s.total++
	s.byType[e.Type]++
	callback := s.eventCallback
	if time.Since(s.lastCleanup) > time.Hour {
		s.cleanupLocked()
	}
	s.mu.Unlock()

	if callback != nil {
		callback(e)
	}
}

// SetEventCallback sets a function called after every stored event
func (s *Store) SetEventCallback(callback func(*pkg.Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventCallback = callback
}

// GetEvents returns events newer than since, oldest first. A non-empty
// filter keeps only those types. limit > 0 keeps the newest limit events.
func (s *Store) GetEvents(since time.Time, limit int, filter ...pkg.EventType) []*pkg.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[pkg.EventType]bool, len(filter))
	for _, t := range filter {
		want[t] = true
	}

	var out []*pkg.Event
	for _, e := range s.events.Items() {
		if !e.Timestamp.After(since) {
			continue
		}
		if len(want) > 0 && !want[e.Type] {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Stats summarizes stored and seen events
type Stats struct {
	Stored int                     `json:"stored"`
	Total  int64                   `json:"total"`
	ByType map[pkg.EventType]int64 `json:"by_type"`
}

// GetStats returns event counters
func (s *Store) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byType := make(map[pkg.EventType]int64, len(s.byType))
	for k, v := range s.byType {
		byType[k] = v
	}
	return Stats{Stored: s.events.Size(), Total: s.total, ByType: byType}
}

// Cleanup removes events past the retention window
func (s *Store) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupLocked()
}

func (s *Store) cleanupLocked() {
	s.events.RemoveBefore(time.Now().Add(-s.retention))
	s.lastCleanup = time.Now()
}

// RingBuffer is a fixed capacity event buffer that overwrites the oldest
// entry when full. Callers synchronize access.
type RingBuffer struct {
	data     []*pkg.Event
	capacity int
	head     int
	size     int
}

// NewRingBuffer creates a ring buffer
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{
		data:     make([]*pkg.Event, capacity),
		capacity: capacity,
	}
}

// Add appends an event, evicting the oldest when full
func (rb *RingBuffer) Add(e *pkg.Event) {
	tail := (rb.head + rb.size) % rb.capacity
	rb.data[tail] = e
	if rb.size < rb.capacity {
		rb.size++
	} else {
		rb.head = (rb.head + 1) % rb.capacity
	}
}

// Items returns the buffered events, oldest first
func (rb *RingBuffer) Items() []*pkg.Event {
	out := make([]*pkg.Event, 0, rb.size)
	for i := 0; i < rb.size; i++ {
		out = append(out, rb.data[(rb.head+i)%rb.capacity])
	}
	return out
}

// RemoveBefore drops leading events older than before and returns how many
// were removed
func (rb *RingBuffer) RemoveBefore(before time.Time) int {
	removed := 0
	for rb.size > 0 {
		e := rb.data[rb.head]
		if e.Timestamp.After(before) {
			break
		}
		rb.data[rb.head] = nil
		rb.head = (rb.head + 1) % rb.capacity
		rb.size--
		removed++
	}
	return removed
}

// Size returns the current number of events
func (rb *RingBuffer) Size() int {
	return rb.size
}

// Capacity returns the buffer capacity
func (rb *RingBuffer) Capacity() int {
	return rb.capacity
}
