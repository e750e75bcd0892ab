// Package mastra reconstructs a hierarchical execution trace (one generation
// span containing ordered step spans, each containing ordered chunk spans)
// from the heterogeneous chunk stream a model emits, while the chunks keep
// flowing unmodified to downstream consumers.
//
// Typical wiring:
//
//	backend := mastra.NewMemorySpanner()
//	gen := backend.Generation("chat")
//	tracker := mastra.NewSpanTracker(gen, mastra.WithLogger(logger))
//	tracer := mastra.NewStreamTracer(tracker)
//	for c := range tracer.Pipe(ctx, chunks) {
//	    // identical chunks, identical order
//	}
//	gen.End(nil)
//
// Tracing never interferes with the data plane: every tracker operation is
// total, malformed payloads degrade to best-effort spans, and a nil tracker
// (or a backend that suppresses span creation) turns the whole thing into a
// cheap identity pass.
//
// The import graph follows a strict no-cycle rule: mastra (root) imports
// internal/*, but internal/* never imports the root package.
package mastra

import "context"

// Trace is the one-call form: it builds a tracker over the generation span
// and returns a passthrough channel for in. A nil generation disables
// tracing entirely.
//
// For access to the tracker (completed spans, accumulator snapshots), build
// the pieces individually instead.
func Trace(ctx context.Context, generation Span, in <-chan Chunk, opts ...Option) <-chan Chunk {
	tracker := NewSpanTracker(generation, opts...)
	return NewStreamTracer(tracker, opts...).Pipe(ctx, in)
}
