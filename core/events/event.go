package events

import (
	"strings"
	"sync"
)

// Event represents a structured state change emitted by the escrow engine.
type Event struct {
	Type       string
	Attributes map[string]string
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, indexers).
type Emitter interface {
	Emit(*Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(*Event) {}

// Log is an append-only, sequence-numbered event sink. External observers read
// emitted events back through List; entries are never mutated or removed.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
}

// Entry pairs an emitted event with its position in the log.
type Entry struct {
	Sequence int64
	Event    *Event
}

// NewLog returns an empty event log.
func NewLog() *Log { return &Log{} }

// Emit appends the event to the log. Nil events are ignored.
func (l *Log) Emit(evt *Event) {
	if l == nil || evt == nil {
		return
	}
	attrs := make(map[string]string, len(evt.Attributes))
	for k, v := range evt.Attributes {
		attrs[k] = v
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, Entry{
		Sequence: int64(len(l.entries)),
		Event:    &Event{Type: evt.Type, Attributes: attrs},
	})
}

// List returns up to limit entries whose event type carries the prefix. A
// non-positive limit returns all matches.
func (l *Log) List(prefix string, limit int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, 0, len(l.entries))
	for _, entry := range l.entries {
		if prefix != "" && !strings.HasPrefix(entry.Event.Type, prefix) {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
