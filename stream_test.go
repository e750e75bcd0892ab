package mastra

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestStream(t *testing.T) (*StreamTracer, *SpanTracker, *MemorySpanner) {
	t.Helper()
	backend := NewMemorySpanner()
	tracker := NewSpanTracker(backend.Generation("generation"))
	return NewStreamTracer(tracker, WithoutMetrics()), tracker, backend
}

func collect(t *testing.T, out <-chan Chunk) []Chunk {
	t.Helper()
	var got []Chunk
	for {
		select {
		case c, ok := <-out:
			if !ok {
				return got
			}
			got = append(got, c)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out draining stream")
		}
	}
}

func feed(chunks []Chunk) <-chan Chunk {
	in := make(chan Chunk, len(chunks))
	for _, c := range chunks {
		in <- c
	}
	close(in)
	return in
}

func TestStreamTracer_PassthroughIdentity(t *testing.T) {
	chunks := []Chunk{
		{Type: ChunkStart},
		{Type: ChunkStepStart},
		{Type: ChunkTextStart},
		{Type: ChunkTextDelta, Delta: "hi"},
		{Type: ChunkTextEnd},
		{Type: ChunkFinish, Usage: &TokenUsage{TotalTokens: intp(3)}},
		{Type: ChunkStepFinish},
		{Type: "some-future-tag"},
	}

	t.Run("with tracker", func(t *testing.T) {
		st, _, _ := newTestStream(t)
		got := collect(t, st.Pipe(context.Background(), feed(chunks)))
		assert.Equal(t, chunks, got)
	})

	t.Run("nil tracker", func(t *testing.T) {
		st := NewStreamTracer(nil, WithoutMetrics())
		got := collect(t, st.Pipe(context.Background(), feed(chunks)))
		assert.Equal(t, chunks, got)
	})
}

func TestStreamTracer_TextAccumulation(t *testing.T) {
	st, tracker, _ := newTestStream(t)

	for _, c := range []Chunk{
		{Type: ChunkTextStart},
		{Type: ChunkTextDelta, Delta: "ab"},
		{Type: ChunkTextDelta, Delta: "cd"},
		{Type: ChunkTextEnd},
	} {
		st.Observe(c)
	}

	spans := tracker.CompletedSpans()
	require.Len(t, spans, 1)
	rec := spans[0].(*memorySpan).Record()
	assert.Equal(t, "text", rec.Name)
	assert.Equal(t, "abcd", rec.Output)
}

func TestStreamTracer_ReasoningAccumulation(t *testing.T) {
	st, tracker, _ := newTestStream(t)

	st.Observe(Chunk{Type: ChunkReasoningStart})
	st.Observe(Chunk{Type: ChunkReasoningDelta, Delta: "because"})
	st.Observe(Chunk{Type: ChunkReasoningEnd})

	spans := tracker.CompletedSpans()
	require.Len(t, spans, 1)
	rec := spans[0].(*memorySpan).Record()
	assert.Equal(t, "reasoning", rec.Name)
	assert.Equal(t, "because", rec.Output)
}

func TestStreamTracer_ToolCallJSONRoundTrip(t *testing.T) {
	st, tracker, _ := newTestStream(t)

	st.Observe(Chunk{Type: ChunkToolCallInputStreamingStart, ToolName: "calc", ToolCallID: "1"})
	st.Observe(Chunk{Type: ChunkToolCallDelta, Delta: `{"x":`})
	st.Observe(Chunk{Type: ChunkToolCallDelta, Delta: `1}`})
	st.Observe(Chunk{Type: ChunkToolCallInputStreamingEnd})

	spans := tracker.CompletedSpans()
	require.Len(t, spans, 1)
	out, ok := spans[0].(*memorySpan).Record().Output.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "calc", out["toolName"])
	assert.Equal(t, "1", out["toolCallId"])
	assert.Equal(t, map[string]any{"x": float64(1)}, out["toolInput"])
}

func TestStreamTracer_ToolCallInvalidJSONFallsBack(t *testing.T) {
	st, tracker, _ := newTestStream(t)

	st.Observe(Chunk{Type: ChunkToolCallInputStreamingStart, ToolName: "calc", ToolCallID: "1"})
	st.Observe(Chunk{Type: ChunkToolCallDelta, Delta: `{"x": not json`})
	st.Observe(Chunk{Type: ChunkToolCallInputStreamingEnd})

	spans := tracker.CompletedSpans()
	require.Len(t, spans, 1)
	out := spans[0].(*memorySpan).Record().Output.(map[string]any)
	assert.Equal(t, `{"x": not json`, out["toolInput"])
}

func TestStreamTracer_OneShotToolCall(t *testing.T) {
	st, tracker, _ := newTestStream(t)

	st.Observe(Chunk{
		Type:       ChunkToolCall,
		ToolName:   "search",
		ToolCallID: "7",
		ToolInput:  map[string]any{"q": "weather"},
	})

	spans := tracker.CompletedSpans()
	require.Len(t, spans, 1)
	out := spans[0].(*memorySpan).Record().Output.(map[string]any)
	assert.Equal(t, "search", out["toolName"])
	assert.Equal(t, "7", out["toolCallId"])
	assert.Equal(t, map[string]any{"q": "weather"}, out["toolInput"])
	assert.False(t, tracker.HasActiveSpan())
}

func TestStreamTracer_OneShotToolCallParsesStringInput(t *testing.T) {
	st, tracker, _ := newTestStream(t)

	st.Observe(Chunk{Type: ChunkToolCall, ToolName: "calc", ToolCallID: "2", ToolInput: `{"a":1}`})

	out := tracker.CompletedSpans()[0].(*memorySpan).Record().Output.(map[string]any)
	assert.Equal(t, map[string]any{"a": float64(1)}, out["toolInput"])
}

func TestStreamTracer_ToolCallTerminatesStreamingSpan(t *testing.T) {
	st, tracker, _ := newTestStream(t)

	// Streamed deltas followed by the complete tool-call chunk: one span,
	// same converged shape.
	st.Observe(Chunk{Type: ChunkToolCallInputStreamingStart, ToolName: "calc", ToolCallID: "3"})
	st.Observe(Chunk{Type: ChunkToolCallDelta, Delta: `{"a":1}`})
	st.Observe(Chunk{Type: ChunkToolCall, ToolName: "calc", ToolCallID: "3"})

	spans := tracker.CompletedSpans()
	require.Len(t, spans, 1)
	out := spans[0].(*memorySpan).Record().Output.(map[string]any)
	assert.Equal(t, map[string]any{"a": float64(1)}, out["toolInput"])
}

func TestStreamTracer_IdempotentObjectStart(t *testing.T) {
	st, tracker, backend := newTestStream(t)

	st.Observe(Chunk{Type: ChunkObject, Object: map[string]any{"partial": true}})
	assert.True(t, tracker.HasActiveSpan())
	st.Observe(Chunk{Type: ChunkObject, Object: map[string]any{"partial": true, "more": 1}})
	assert.True(t, tracker.HasActiveSpan())

	final := map[string]any{"done": true}
	st.Observe(Chunk{Type: ChunkObjectResult, Object: final})

	assert.False(t, tracker.HasActiveSpan())
	chunks := backend.RecordsOfType(SpanChunk)
	require.Len(t, chunks, 1)
	assert.Equal(t, "object", chunks[0].Name)
	assert.Equal(t, final, chunks[0].Output)
}

func TestStreamTracer_InstantEventProjections(t *testing.T) {
	st, _, backend := newTestStream(t)

	st.Observe(Chunk{Type: ChunkSource, Payload: map[string]any{
		"sourceType": "url",
		"title":      "Docs",
		"url":        "https://example.com",
		"internalID": "dropped",
	}})
	st.Observe(Chunk{Type: ChunkFile, Payload: map[string]any{
		"mimeType": "image/png",
		"size":     2048,
		"data":     "dropped",
	}})

	chunks := backend.RecordsOfType(SpanChunk)
	require.Len(t, chunks, 2)

	src := chunks[0].Output.(map[string]any)
	assert.Equal(t, map[string]any{
		"sourceType": "url",
		"title":      "Docs",
		"url":        "https://example.com",
	}, src)

	file := chunks[1].Output.(map[string]any)
	assert.Equal(t, map[string]any{"mimeType": "image/png", "size": 2048}, file)
}

func TestStreamTracer_IgnoredTags(t *testing.T) {
	st, tracker, backend := newTestStream(t)

	st.Observe(Chunk{Type: ChunkRaw, Payload: map[string]any{"raw": "bytes"}})
	st.Observe(Chunk{Type: ChunkStart})

	assert.Empty(t, tracker.CompletedSpans())
	require.Len(t, backend.Records(), 1) // generation only
}

func TestStreamTracer_CancelMidStream(t *testing.T) {
	st, tracker, _ := newTestStream(t)

	in := make(chan Chunk)
	ctx, cancel := context.WithCancel(context.Background())
	out := st.Pipe(ctx, in)

	in <- Chunk{Type: ChunkStepStart}
	in <- Chunk{Type: ChunkTextStart}
	<-out
	<-out

	cancel()

	// The output channel closes; the open spans are simply left unterminated.
	select {
	case _, ok := <-out:
		require.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("output channel did not close after cancel")
	}
	assert.True(t, tracker.HasActiveSpan())
	assert.Empty(t, tracker.CompletedSpans())
}

func TestStreamTracer_EndToEndScenario(t *testing.T) {
	st, tracker, backend := newTestStream(t)

	chunks := []Chunk{
		{Type: ChunkStepStart},
		{Type: ChunkTextStart},
		{Type: ChunkTextDelta, Delta: "Hello "},
		{Type: ChunkTextDelta, Delta: "world"},
		{Type: ChunkTextEnd},
		{Type: ChunkToolCallInputStreamingStart, ToolName: "calc", ToolCallID: "1"},
		{Type: ChunkToolCallDelta, Delta: `{"a":`},
		{Type: ChunkToolCallDelta, Delta: `1}`},
		{Type: ChunkToolCallInputStreamingEnd},
		{Type: ChunkFinish, Usage: &TokenUsage{TotalTokens: intp(42)}},
		{Type: ChunkStepFinish},
	}

	got := collect(t, st.Pipe(context.Background(), feed(chunks)))
	require.Equal(t, chunks, got, "passthrough must be identity")

	spans := tracker.CompletedSpans()
	require.Len(t, spans, 2)

	text := spans[0].(*memorySpan).Record()
	assert.Equal(t, "text", text.Name)
	assert.Equal(t, 0, text.Attributes["sequenceNumber"])
	assert.Equal(t, "Hello world", text.Output)

	tool := spans[1].(*memorySpan).Record()
	assert.Equal(t, "tool-call", tool.Name)
	assert.Equal(t, 1, tool.Attributes["sequenceNumber"])
	out := tool.Output.(map[string]any)
	assert.Equal(t, "calc", out["toolName"])
	assert.Equal(t, "1", out["toolCallId"])
	assert.Equal(t, map[string]any{"a": float64(1)}, out["toolInput"])

	steps := backend.RecordsOfType(SpanStep)
	require.Len(t, steps, 1)
	assert.True(t, steps[0].Ended())
	assert.Equal(t, 42, steps[0].Attributes["totalTokens"])
}

// installManualReader swaps the global meter provider for one backed by a
// manual reader, restoring the previous provider when the test ends.
func installManualReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	t.Cleanup(func() { otel.SetMeterProvider(prev) })
	return reader
}

func TestStreamTracer_MetricsCollectDuringStreaming(t *testing.T) {
	reader := installManualReader(t)

	backend := NewMemorySpanner()
	tracker := NewSpanTracker(backend.Generation("generation"))
	st := NewStreamTracer(tracker)

	in := make(chan Chunk)
	out := st.Pipe(context.Background(), in)

	// Collect in parallel with dispatch; the gauge callback must never touch
	// the tracker directly.
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for i := 0; i < 20; i++ {
			var rm metricdata.ResourceMetrics
			_ = reader.Collect(context.Background(), &rm)
		}
	}()

	go func() {
		defer close(in)
		for i := 0; i < 50; i++ {
			in <- Chunk{Type: ChunkTextStart}
			in <- Chunk{Type: ChunkTextDelta, Delta: "x"}
			in <- Chunk{Type: ChunkTextEnd}
		}
	}()

	got := collect(t, out)
	<-collected

	require.Len(t, got, 150)
	assert.Len(t, tracker.CompletedSpans(), 50)
}

func TestStreamTracer_GaugeUnregistersWhenPipeDrains(t *testing.T) {
	reader := installManualReader(t)

	backend := NewMemorySpanner()
	tracker := NewSpanTracker(backend.Generation("generation"))
	st := NewStreamTracer(tracker)

	collect(t, st.Pipe(context.Background(), feed([]Chunk{
		{Type: ChunkTextStart},
		{Type: ChunkTextDelta, Delta: "x"},
		{Type: ChunkTextEnd},
	})))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			assert.NotEqual(t, "mastra.stream.completed_spans", m.Name,
				"gauge must stop reporting after the stream drains")
		}
	}
}

func TestTrace_ConvenienceWiring(t *testing.T) {
	backend := NewMemorySpanner()
	out := Trace(context.Background(), backend.Generation("g"), feed([]Chunk{
		{Type: ChunkTextStart},
		{Type: ChunkTextDelta, Delta: "x"},
		{Type: ChunkTextEnd},
	}), WithoutMetrics())

	got := collect(t, out)
	assert.Len(t, got, 3)

	chunks := backend.RecordsOfType(SpanChunk)
	require.Len(t, chunks, 1)
	assert.Equal(t, "x", chunks[0].Output)
}
