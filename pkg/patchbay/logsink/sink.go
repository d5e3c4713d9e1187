// Package logsink collects the log lines instance logic emits.
//
// Appends come from the control loop and must never block it: sinks either
// store the line immediately in memory or queue it and drop it when the
// queue is full.
package logsink

import (
	"sync"
	"time"
)

// Sink receives per-instance log lines. Append must not block.
type Sink interface {
	Append(instanceID, msg string)
}

// Line is one logged message.
type Line struct {
	InstanceID string
	Message    string
	At         time.Time
}

// Discard drops every line.
type Discard struct{}

// Append implements Sink.
func (Discard) Append(string, string) {}

// DefaultCapacity is the per-instance line limit of a MemorySink.
const DefaultCapacity = 256

// MemorySink keeps the most recent lines per instance.
// MemorySink is safe for concurrent use.
type MemorySink struct {
	capacity int

	mu    sync.RWMutex
	lines map[string][]Line
	now   func() time.Time
}

// NewMemorySink creates a sink holding up to capacity lines per instance.
// Older lines are discarded first.
func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemorySink{
		capacity: capacity,
		lines:    make(map[string][]Line),
		now:      time.Now,
	}
}

// Append implements Sink.
func (s *MemorySink) Append(instanceID, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.lines[instanceID]
	if len(buf) >= s.capacity {
		buf = append(buf[:0], buf[len(buf)-s.capacity+1:]...)
	}
	s.lines[instanceID] = append(buf, Line{InstanceID: instanceID, Message: msg, At: s.now()})
}

// Lines returns an instance's lines, oldest first.
func (s *MemorySink) Lines(instanceID string) []Line {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Line(nil), s.lines[instanceID]...)
}

// Forget drops an instance's lines.
func (s *MemorySink) Forget(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lines, instanceID)
}

// Tee fans each line out to several sinks.
type Tee []Sink

// Append implements Sink.
func (t Tee) Append(instanceID, msg string) {
	for _, s := range t {
		s.Append(instanceID, msg)
	}
}
