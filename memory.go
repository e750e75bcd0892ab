package mastra

import (
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SpanRecord is the materialized form of a span in the in-memory backend.
type SpanRecord struct {
	ID         uuid.UUID      `json:"id"`
	ParentID   *uuid.UUID     `json:"parent_id,omitempty"`
	Name       string         `json:"name"`
	Type       SpanType       `json:"type"`
	Attributes map[string]any `json:"attributes"`
	Output     any            `json:"output,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
}

// Ended reports whether the span has been closed.
func (r *SpanRecord) Ended() bool { return r.EndedAt != nil }

// MemorySpanner is an in-process span backend. It records every span as a
// SpanRecord for later inspection — the backend used by this module's own
// tests and by the replay tool when no OTLP endpoint is configured.
//
// Suppressed mode makes child creation return nil handles, which is how a
// real backend signals "tracing suppressed"; it exists to exercise that
// tolerance path.
type MemorySpanner struct {
	mu         sync.Mutex
	records    []*SpanRecord
	suppressed bool
}

// NewMemorySpanner creates an empty in-memory backend.
func NewMemorySpanner() *MemorySpanner {
	return &MemorySpanner{}
}

// Suppress toggles suppressed mode for subsequent child/event creation.
func (m *MemorySpanner) Suppress(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suppressed = on
}

// Generation opens the root span for one streamed response and returns its
// handle, suitable as the generation argument to NewSpanTracker.
func (m *MemorySpanner) Generation(name string) Span {
	return m.open(nil, name, SpanGeneration, nil)
}

// Records returns a snapshot of every span recorded so far, creation order.
func (m *MemorySpanner) Records() []*SpanRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*SpanRecord, len(m.records))
	copy(out, m.records)
	return out
}

// RecordsOfType returns recorded spans of one type, creation order.
func (m *MemorySpanner) RecordsOfType(typ SpanType) []*SpanRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*SpanRecord
	for _, r := range m.records {
		if r.Type == typ {
			out = append(out, r)
		}
	}
	return out
}

func (m *MemorySpanner) open(parent *uuid.UUID, name string, typ SpanType, attrs map[string]any) Span {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.suppressed {
		return nil
	}
	rec := &SpanRecord{
		ID:         uuid.New(),
		ParentID:   parent,
		Name:       name,
		Type:       typ,
		Attributes: maps.Clone(attrs),
		StartedAt:  time.Now().UTC(),
	}
	if rec.Attributes == nil {
		rec.Attributes = make(map[string]any)
	}
	m.records = append(m.records, rec)
	return &memorySpan{backend: m, rec: rec}
}

// memorySpan is a handle onto one SpanRecord.
type memorySpan struct {
	backend *MemorySpanner
	rec     *SpanRecord
}

func (s *memorySpan) StartChild(name string, typ SpanType, attributes map[string]any) Span {
	id := s.rec.ID
	return s.backend.open(&id, name, typ, attributes)
}

func (s *memorySpan) AddEvent(name string, typ SpanType, attributes map[string]any, output any) Span {
	id := s.rec.ID
	child := s.backend.open(&id, name, typ, attributes)
	if child != nil {
		child.End(output)
	}
	return child
}

func (s *memorySpan) Update(attributes map[string]any) {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	if s.rec.Ended() {
		return
	}
	maps.Copy(s.rec.Attributes, attributes)
}

func (s *memorySpan) End(output any) {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	if s.rec.Ended() {
		return
	}
	now := time.Now().UTC()
	s.rec.EndedAt = &now
	s.rec.Output = output
}

// Record exposes the underlying record so tests can assert on a handle
// returned by SpanTracker.CompletedSpans.
func (s *memorySpan) Record() *SpanRecord { return s.rec }
