package mastra

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
)

// SpanTracker owns the open/close lifecycle of the generation → step → chunk
// span tree for one streamed generation, plus the field accumulation used to
// build each chunk span's closing payload.
//
// It is a pure state machine: no I/O of its own, no knowledge of the chunk
// transport. Every method is defined for every tracker state and never
// returns an error. Out-of-order lifecycle calls (end without start, chunk
// activity before any step) degrade to no-ops or auto-creation, never a
// failure: tracing must not become a reason the primary pipeline breaks.
//
// A tracker is scoped to a single generation and must not be shared across
// concurrent streams; isolation is one tracker per generation, not locking.
type SpanTracker struct {
	generation Span
	logger     *slog.Logger

	step      Span
	stepOpen  bool
	stepIndex int

	chunk     Span
	chunkOpen bool
	chunkSeq  int

	// accumulator is replaced, not cleared, at every chunk span boundary so a
	// snapshot handed out earlier can never alias live state.
	accumulator map[string]any

	pendingUsage *TokenUsage

	completed []Span
}

// NewSpanTracker creates a tracker for one generation. A nil generation span
// disables the tracker: every method becomes a cheap no-op, which makes it
// safe to construct unconditionally whether or not tracing is on.
func NewSpanTracker(generation Span, opts ...Option) *SpanTracker {
	o := resolveOptions(opts)
	return &SpanTracker{
		generation: generation,
		logger:     o.logger,
	}
}

// enabled is the single guard consolidating the "does tracing exist" checks.
// Nil receivers are allowed so a tracker can be plumbed through optionally.
func (t *SpanTracker) enabled() bool {
	return t != nil && t.generation != nil
}

// StartStep opens a new step span under the generation, resets the per-step
// chunk sequence counter and clears any pending token-usage fact. It does not
// close a previous step: callers are expected to end before starting, and
// chunk-level auto-creation is the guard that actually matters in practice.
func (t *SpanTracker) StartStep() {
	if !t.enabled() {
		return
	}
	t.step = t.generation.StartChild(
		fmt.Sprintf("step-%d", t.stepIndex),
		SpanStep,
		map[string]any{"stepIndex": t.stepIndex},
	)
	t.stepOpen = true
	t.chunkSeq = 0
	t.pendingUsage = nil
}

// EndStep closes the open step span, first merging the pending token-usage
// fact and the optional finish reason into its attributes. No open step is a
// no-op. The step index advances so the next step gets a fresh name.
func (t *SpanTracker) EndStep(finishReason string) {
	if !t.enabled() || !t.stepOpen {
		return
	}
	attrs := make(map[string]any)
	if t.pendingUsage != nil {
		maps.Copy(attrs, t.pendingUsage.attributes())
	}
	if finishReason != "" {
		attrs["finishReason"] = finishReason
	}
	if t.step != nil {
		if len(attrs) > 0 {
			t.step.Update(attrs)
		}
		t.step.End(nil)
	}
	t.step = nil
	t.stepOpen = false
	t.pendingUsage = nil
	t.stepIndex++
}

// SetTokenUsage stores usage as the pending fact to be merged into the step
// span at the next EndStep. Last write wins.
func (t *SpanTracker) SetTokenUsage(usage TokenUsage) {
	if !t.enabled() {
		return
	}
	t.pendingUsage = &usage
}

// StartSpan opens a new chunk span under the current step, auto-starting a
// step first if none is open: chunk-level activity always has a containing
// step. The accumulator is initialized from initial (copied, never aliased).
//
// Starting over an already-open chunk span overwrites the reference; the
// earlier handle drops out of the tracker's bookkeeping. Real dispatch
// sequences always pair start/end, so this path only logs.
func (t *SpanTracker) StartSpan(kind string, initial map[string]any) {
	if !t.enabled() {
		return
	}
	if !t.stepOpen {
		t.StartStep()
	}
	if t.chunkOpen {
		t.logger.Debug("tracker: chunk span started over an open one", "kind", kind)
	}
	var s Span
	if t.step != nil {
		s = t.step.StartChild(kind, SpanChunk, map[string]any{
			"chunkType":      kind,
			"sequenceNumber": t.chunkSeq,
		})
	}
	t.chunk = s
	t.chunkOpen = true
	acc := make(map[string]any, len(initial))
	maps.Copy(acc, initial)
	t.accumulator = acc
}

// UpdateAccumulator shallow-merges fields into the live accumulator. Safe to
// call with no open span; the values are simply discarded at the next start.
func (t *SpanTracker) UpdateAccumulator(fields map[string]any) {
	if !t.enabled() {
		return
	}
	if t.accumulator == nil {
		t.accumulator = make(map[string]any, len(fields))
	}
	maps.Copy(t.accumulator, fields)
}

// AppendToAccumulator concatenates text onto accumulator[field], treating an
// absent (or non-string) value as the empty string.
func (t *SpanTracker) AppendToAccumulator(field, text string) {
	if !t.enabled() {
		return
	}
	if t.accumulator == nil {
		t.accumulator = make(map[string]any, 1)
	}
	prev, _ := t.accumulator[field].(string)
	t.accumulator[field] = prev + text
}

// EndCurrentSpan closes the open chunk span with the given output, or with the
// entire accumulator when output is nil. No open chunk span is a no-op, so a
// double end never fails and never records a duplicate. The sequence counter
// advances and the accumulator is replaced with a fresh one.
func (t *SpanTracker) EndCurrentSpan(output any) {
	if !t.enabled() || !t.chunkOpen {
		return
	}
	if output == nil {
		output = t.accumulator
	}
	if t.chunk != nil {
		t.chunk.End(output)
		t.completed = append(t.completed, t.chunk)
	}
	t.chunk = nil
	t.chunkOpen = false
	t.accumulator = make(map[string]any)
	t.chunkSeq++
}

// CreateEventSpan records a chunk that is a single instant rather than a
// start/delta/end triple: one atomic create-and-close on the backend. It
// auto-starts a step like StartSpan but operates independently of any
// in-progress multi-part span — the open-chunk reference is untouched.
func (t *SpanTracker) CreateEventSpan(kind string, output any) {
	if !t.enabled() {
		return
	}
	if !t.stepOpen {
		t.StartStep()
	}
	var s Span
	if t.step != nil {
		s = t.step.AddEvent(kind, SpanChunk, map[string]any{
			"chunkType":      kind,
			"sequenceNumber": t.chunkSeq,
		}, output)
	}
	if s != nil {
		t.completed = append(t.completed, s)
	}
	t.chunkSeq++
}

// HasActiveSpan reports whether a chunk span is currently open. Dispatchers
// use it to decide whether a continuation event should open a new span or is
// already covered by one.
func (t *SpanTracker) HasActiveSpan() bool {
	return t.enabled() && t.chunkOpen
}

// Accumulator returns a read-only snapshot of the live accumulator. Mutating
// the returned map never affects tracker state.
func (t *SpanTracker) Accumulator() map[string]any {
	if !t.enabled() {
		return nil
	}
	return maps.Clone(t.accumulator)
}

// CompletedSpans returns the chunk spans closed so far in this generation,
// in completion order. Intended for introspection and tests.
func (t *SpanTracker) CompletedSpans() []Span {
	if !t.enabled() {
		return nil
	}
	return slices.Clone(t.completed)
}
