package mastra

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// attrSpanType carries the generation/step/chunk classification on OTEL spans.
const attrSpanType = "mastra.span_type"

// OTelGeneration opens the root generation span on the given tracer and
// returns a handle bridging this library's span capability onto OpenTelemetry:
// child spans become real OTEL spans, Update maps to SetAttributes, and End
// serializes the output payload into an "output" attribute before ending.
//
// The caller owns the generation handle and must End it when the stream is
// done; the tracker only ends steps and chunks.
func OTelGeneration(ctx context.Context, tracer trace.Tracer, name string, attributes map[string]any) Span {
	return startOTelSpan(ctx, tracer, name, SpanGeneration, attributes)
}

func startOTelSpan(ctx context.Context, tracer trace.Tracer, name string, typ SpanType, attributes map[string]any) *otelSpan {
	attrs := append(otelAttributes(attributes), attribute.String(attrSpanType, string(typ)))
	ctx, span := tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return &otelSpan{tracer: tracer, ctx: ctx, span: span}
}

type otelSpan struct {
	tracer trace.Tracer
	ctx    context.Context // carries this span so children parent correctly
	span   trace.Span
}

func (s *otelSpan) StartChild(name string, typ SpanType, attributes map[string]any) Span {
	return startOTelSpan(s.ctx, s.tracer, name, typ, attributes)
}

func (s *otelSpan) AddEvent(name string, typ SpanType, attributes map[string]any, output any) Span {
	child := startOTelSpan(s.ctx, s.tracer, name, typ, attributes)
	child.End(output)
	return child
}

func (s *otelSpan) Update(attributes map[string]any) {
	s.span.SetAttributes(otelAttributes(attributes)...)
}

func (s *otelSpan) End(output any) {
	if output != nil {
		s.span.SetAttributes(attribute.String("output", jsonText(output)))
	}
	s.span.End()
}

// otelAttributes flattens an open attribute bag into OTEL key/values.
// Unrepresentable values are JSON-encoded rather than dropped.
func otelAttributes(attributes map[string]any) []attribute.KeyValue {
	if len(attributes) == 0 {
		return nil
	}
	keys := make([]string, 0, len(attributes))
	for k := range attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	kvs := make([]attribute.KeyValue, 0, len(attributes))
	for _, k := range keys {
		switch v := attributes[k].(type) {
		case string:
			kvs = append(kvs, attribute.String(k, v))
		case bool:
			kvs = append(kvs, attribute.Bool(k, v))
		case int:
			kvs = append(kvs, attribute.Int(k, v))
		case int64:
			kvs = append(kvs, attribute.Int64(k, v))
		case float64:
			kvs = append(kvs, attribute.Float64(k, v))
		default:
			kvs = append(kvs, attribute.String(k, jsonText(v)))
		}
	}
	return kvs
}

func jsonText(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
