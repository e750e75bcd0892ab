package mastra

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/blind05/mastra/internal/telemetry"
)

// Chunk-span kinds for the multi-part accumulation patterns. Instant events
// use their chunk tag directly.
const (
	kindText      = "text"
	kindReasoning = "reasoning"
	kindToolCall  = "tool-call"
	kindObject    = "object"
)

// StreamTracer drives a SpanTracker from a stream of chunks while forwarding
// every chunk downstream unmodified, in arrival order. It is identity on the
// data plane; all side effects happen on the tracing plane.
//
// A nil tracker degenerates to pure passthrough with no overhead beyond the
// tag check, so the tracer can be wired into a pipeline unconditionally.
type StreamTracer struct {
	tracker *SpanTracker
	logger  *slog.Logger

	chunksObserved metric.Int64Counter

	// spansCompleted mirrors the tracker's completed-span count for the gauge
	// callback. The tracker itself is single-goroutine and lock-free; metric
	// collection runs on its own goroutine and must only touch this atomic.
	spansCompleted atomic.Int64
	gaugeReg       metric.Registration
	gaugeOff       sync.Once
}

// NewStreamTracer creates a tracer over the given tracker (nil = tracing off).
func NewStreamTracer(tracker *SpanTracker, opts ...Option) *StreamTracer {
	o := resolveOptions(opts)
	st := &StreamTracer{
		tracker: tracker,
		logger:  o.logger,
	}
	if o.metrics {
		st.registerMetrics()
	}
	return st
}

// registerMetrics creates OTEL instruments for stream health monitoring,
// against the global meter provider (no-op unless one is installed).
//
// A tracer is per-generation, so the gauge callback is kept as a Registration
// and removed again when the pipe drains; the stream_id attribute keeps
// concurrent generations from overwriting each other's value.
func (st *StreamTracer) registerMetrics() {
	meter := telemetry.Meter("mastra/stream")

	st.chunksObserved, _ = meter.Int64Counter("mastra.stream.chunks",
		metric.WithDescription("Chunks dispatched through the tracing stream"),
	)

	gauge, err := meter.Int64ObservableGauge("mastra.stream.completed_spans",
		metric.WithDescription("Chunk spans completed in the current generation"),
	)
	if err != nil {
		return
	}
	stream := attribute.String("stream_id", uuid.NewString())
	st.gaugeReg, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, st.spansCompleted.Load(), metric.WithAttributes(stream))
		return nil
	}, gauge)
}

// unregisterMetrics removes the gauge callback so a drained tracer stops
// reporting and can be collected. Safe to call more than once.
func (st *StreamTracer) unregisterMetrics() {
	st.gaugeOff.Do(func() {
		if st.gaugeReg != nil {
			_ = st.gaugeReg.Unregister()
		}
	})
}

// Pipe returns a channel that re-emits every chunk from in, unchanged and in
// order, after dispatching it to the tracker. Forwarding happens even when
// dispatch did nothing. Cancelling ctx stops forwarding without corrupting
// tracker state; any still-open spans are simply left unterminated.
func (st *StreamTracer) Pipe(ctx context.Context, in <-chan Chunk) <-chan Chunk {
	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer st.unregisterMetrics()
		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-in:
				if !ok {
					return
				}
				st.Observe(c)
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Observe dispatches a single chunk to the tracker. It never fails: malformed
// payloads degrade tracing fidelity (logged at debug), they do not interrupt
// the stream. Call sites must invoke Observe strictly before forwarding the
// chunk so span creation order matches arrival order.
func (st *StreamTracer) Observe(c Chunk) {
	if st == nil || st.tracker == nil || !st.tracker.enabled() {
		return
	}
	if st.chunksObserved != nil {
		st.chunksObserved.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("chunk_type", string(c.Type))))
	}

	t := st.tracker
	switch c.Type {
	case ChunkStepStart:
		t.StartStep()

	case ChunkStepFinish:
		// Token usage was staged by the prior finish chunk; EndStep applies
		// whatever pending fact exists, in either arrival order.
		t.EndStep(c.FinishReason)

	case ChunkFinish:
		if c.Usage != nil {
			t.SetTokenUsage(*c.Usage)
		}

	case ChunkTextStart:
		t.StartSpan(kindText, nil)
	case ChunkTextDelta:
		t.AppendToAccumulator("text", c.Delta)
	case ChunkTextEnd:
		t.EndCurrentSpan(accumulatedText(t))

	case ChunkReasoningStart:
		t.StartSpan(kindReasoning, nil)
	case ChunkReasoningDelta:
		t.AppendToAccumulator("text", c.Delta)
	case ChunkReasoningEnd:
		t.EndCurrentSpan(accumulatedText(t))

	case ChunkToolCallInputStreamingStart:
		t.StartSpan(kindToolCall, map[string]any{
			"toolName":   c.ToolName,
			"toolCallId": c.ToolCallID,
		})
	case ChunkToolCallDelta:
		t.AppendToAccumulator("toolInput", c.Delta)
	case ChunkToolCallInputStreamingEnd:
		st.endToolCallSpan(c)
	case ChunkToolCall:
		// A complete tool call may terminate an in-flight streaming span or
		// arrive on its own; both converge on the same end-span shape.
		if !t.HasActiveSpan() {
			t.StartSpan(kindToolCall, map[string]any{
				"toolName":   c.ToolName,
				"toolCallId": c.ToolCallID,
			})
		}
		st.endToolCallSpan(c)

	case ChunkObject:
		// May repeat while one logical object streams in; only the first
		// occurrence opens a span.
		if !t.HasActiveSpan() {
			t.StartSpan(kindObject, nil)
		}
	case ChunkObjectResult:
		t.EndCurrentSpan(c.Object)

	case ChunkSource:
		t.CreateEventSpan(string(c.Type), pick(c.Payload, "sourceType", "title", "url"))
	case ChunkFile:
		t.CreateEventSpan(string(c.Type), pick(c.Payload, "mimeType", "size"))
	case ChunkResponseMetadata, ChunkReasoningSignature, ChunkRedactedReasoning,
		ChunkToolResult, ChunkToolError, ChunkToolOutput,
		ChunkToolCallApproval, ChunkToolCallSuspended,
		ChunkStepOutput, ChunkError, ChunkAbort:
		t.CreateEventSpan(string(c.Type), c.Payload)

	case ChunkRaw, ChunkStart:
		// Data plane only.

	default:
		// Unknown tags still flow downstream; they just leave no trace.
	}

	st.spansCompleted.Store(int64(len(t.completed)))
}

// endToolCallSpan closes the open tool-call span with the converged shape
// {toolName, toolCallId, toolInput}. Identity comes from the chunk when
// present, falling back to what StartSpan seeded into the accumulator.
func (st *StreamTracer) endToolCallSpan(c Chunk) {
	t := st.tracker
	acc := t.Accumulator()

	name := c.ToolName
	if name == "" {
		name, _ = acc["toolName"].(string)
	}
	callID := c.ToolCallID
	if callID == "" {
		callID, _ = acc["toolCallId"].(string)
	}

	input := c.ToolInput
	if input == nil {
		input = acc["toolInput"]
	}
	if raw, ok := input.(string); ok {
		input = st.parseToolInput(raw)
	}

	t.EndCurrentSpan(map[string]any{
		"toolName":   name,
		"toolCallId": callID,
		"toolInput":  input,
	})
}

// parseToolInput decodes accumulated tool-input text as JSON, falling back to
// the raw string when it does not parse. Never fails.
func (st *StreamTracer) parseToolInput(raw string) any {
	if raw == "" {
		return raw
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		st.logger.Debug("stream: tool input is not valid JSON, keeping raw text",
			"error", err, "len", len(raw))
		return raw
	}
	return v
}

// accumulatedText reads the text collected for the open span.
func accumulatedText(t *SpanTracker) string {
	text, _ := t.Accumulator()["text"].(string)
	return text
}

// pick copies only the named keys that are present in payload.
func pick(payload map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := payload[k]; ok {
			out[k] = v
		}
	}
	return out
}
