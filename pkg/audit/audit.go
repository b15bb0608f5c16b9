// Package audit records the diagnostic trace events a device emits.
package audit

import (
	"io"
	"sync"
	"time"

	"github.com/srediag/shmdev/api"
	internalaudit "github.com/srediag/shmdev/internal/audit"
)

// Kind names a trace event.
type Kind string

const (
	KindOpen    Kind = "open"
	KindRelease Kind = "release"
	KindRead    Kind = "read"
	KindWrite   Kind = "write"
	KindPrint   Kind = "print"
	KindNotify  Kind = "notify"
)

// Event is one diagnostic trace event.
type Event struct {
	Kind   Kind
	Device string
	Handle api.Handle
	Caller api.PID
	Detail string
	Time   time.Time
}

func (e Event) String() string {
	return internalaudit.Format(internalaudit.Fields{
		Kind:   string(e.Kind),
		Device: e.Device,
		Handle: uint64(e.Handle),
		Caller: int32(e.Caller),
		Detail: e.Detail,
	})
}

// Sink receives trace events. Implementations must be safe for concurrent
// use and must not block.
type Sink interface {
	Record(Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Record(Event) {}

// FuncSink adapts a function to Sink.
type FuncSink func(Event)

func (f FuncSink) Record(e Event) { f(e) }

// MemorySink keeps the most recent events in memory.
type MemorySink struct {
	mu     sync.Mutex
	limit  int
	events []Event
}

// NewMemorySink keeps at most limit events; limit <= 0 keeps everything.
func NewMemorySink(limit int) *MemorySink {
	return &MemorySink{limit: limit}
}

func (m *MemorySink) Record(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	if m.limit > 0 && len(m.events) > m.limit {
		m.events = append(m.events[:0], m.events[len(m.events)-m.limit:]...)
	}
}

// Events returns a copy of the recorded events, oldest first.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Filter returns the recorded events of the given kind.
func (m *MemorySink) Filter(kind Kind) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// WriterSink writes one formatted line per event.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Record(e Event) {
	line := e.String() + "\n"
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = io.WriteString(s.w, line)
}

// Multi fans an event out to every sink.
type Multi []Sink

func (m Multi) Record(e Event) {
	for _, s := range m {
		s.Record(e)
	}
}
