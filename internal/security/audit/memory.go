// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"sync"
)

// =============================================================================
// MEMORY SINK
// =============================================================================

// Memory keeps events in process. Data is stored unredacted.
type Memory struct {
	opts options

	mu     sync.Mutex
	events []Event
}

// NewMemory creates an empty Memory sink.
func NewMemory(opts ...Option) *Memory {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Memory{opts: o}
}

// RecordEvent implements Sink.
func (m *Memory) RecordEvent(name string, data map[string]string) {
	event := NewEvent(name, data, m.opts.clock.Now())

	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
}

// Events returns a copy of every recorded event in order.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Event, len(m.events))
	for i, e := range m.events {
		e.Data = copyData(e.Data)
		out[i] = e
	}
	return out
}

// Named returns the recorded events with the given name.
func (m *Memory) Named(name string) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of recorded events.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// Reset drops every recorded event.
func (m *Memory) Reset() {
	m.mu.Lock()
	m.events = nil
	m.mu.Unlock()
}

// =============================================================================
// FAN-OUT
// =============================================================================

// Multi forwards every event to each sink in order.
type Multi []Sink

// RecordEvent implements Sink.
func (m Multi) RecordEvent(name string, data map[string]string) {
	for _, s := range m {
		if s != nil {
			s.RecordEvent(name, data)
		}
	}
}
