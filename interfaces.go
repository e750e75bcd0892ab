package mastra

// SpanType classifies a span in the generation → step → chunk hierarchy.
type SpanType string

const (
	SpanGeneration SpanType = "generation"
	SpanStep       SpanType = "step"
	SpanChunk      SpanType = "chunk"
)

// Span is an open span handle provided by a tracing backend. The tracker holds
// these as opaque references; the backend owns the span itself.
//
// A nil Span return from StartChild or AddEvent means tracing was suppressed
// downstream (sampling, quota) — callers must tolerate it, and SpanTracker
// does. End is called at most once per handle by this library.
type Span interface {
	// StartChild creates an open span as a child of this span.
	StartChild(name string, typ SpanType, attributes map[string]any) Span

	// AddEvent creates and immediately closes an instantaneous child span
	// in one backend operation.
	AddEvent(name string, typ SpanType, attributes map[string]any, output any) Span

	// Update merges attributes into a still-open span.
	Update(attributes map[string]any)

	// End closes the span, optionally attaching a final output payload.
	End(output any)
}
