package mastra

// ChunkType is the discriminant tag on each streamed chunk. It drives the
// tracing dispatch in StreamTracer.Observe and is the only field this library
// ever branches on — chunk payloads flow through untouched.
type ChunkType string

const (
	// Multi-part text block: start / delta / end triple.
	ChunkTextStart ChunkType = "text-start"
	ChunkTextDelta ChunkType = "text-delta"
	ChunkTextEnd   ChunkType = "text-end"

	// Multi-part reasoning block: start / delta / end triple.
	ChunkReasoningStart ChunkType = "reasoning-start"
	ChunkReasoningDelta ChunkType = "reasoning-delta"
	ChunkReasoningEnd   ChunkType = "reasoning-end"

	// Tool-call input, streamed incrementally or delivered in one piece.
	ChunkToolCallInputStreamingStart ChunkType = "tool-call-input-streaming-start"
	ChunkToolCallDelta               ChunkType = "tool-call-delta"
	ChunkToolCallInputStreamingEnd   ChunkType = "tool-call-input-streaming-end"
	ChunkToolCall                    ChunkType = "tool-call"

	// Self-contained instant events.
	ChunkResponseMetadata   ChunkType = "response-metadata"
	ChunkReasoningSignature ChunkType = "reasoning-signature"
	ChunkRedactedReasoning  ChunkType = "redacted-reasoning"
	ChunkSource             ChunkType = "source"
	ChunkFile               ChunkType = "file"
	ChunkToolResult         ChunkType = "tool-result"
	ChunkToolError          ChunkType = "tool-error"
	ChunkToolOutput         ChunkType = "tool-output"
	ChunkToolCallApproval   ChunkType = "tool-call-approval"
	ChunkToolCallSuspended  ChunkType = "tool-call-suspended"
	ChunkStepOutput         ChunkType = "step-output"
	ChunkError              ChunkType = "error"
	ChunkAbort              ChunkType = "abort"

	// Partial-object accumulation: object may repeat, object-result is terminal.
	ChunkObject       ChunkType = "object"
	ChunkObjectResult ChunkType = "object-result"

	// Step boundary markers.
	ChunkStepStart  ChunkType = "step-start"
	ChunkStepFinish ChunkType = "step-finish"

	// Finish carries the token usage known only at stream end.
	ChunkFinish ChunkType = "finish"

	// Carried on the data plane but invisible to tracing.
	ChunkRaw   ChunkType = "raw"
	ChunkStart ChunkType = "start"
)

// Chunk is one element of a streamed model response. Which fields are
// populated depends on Type; unused fields stay zero and are omitted from JSON.
type Chunk struct {
	Type ChunkType `json:"type"`

	// Delta is the incremental text on text-delta, reasoning-delta and
	// tool-call-delta chunks.
	Delta string `json:"delta,omitempty"`

	// Tool-call identity, present on the tool-call streaming triple and on
	// one-shot tool-call chunks.
	ToolName   string `json:"tool_name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`

	// ToolInput is the already-structured input on a one-shot tool-call chunk.
	// When it is a string it is treated as JSON text and parsed at span end.
	ToolInput any `json:"tool_input,omitempty"`

	// Object is the partial (object) or final (object-result) value.
	Object any `json:"object,omitempty"`

	// Usage and FinishReason arrive on finish chunks.
	Usage        *TokenUsage `json:"usage,omitempty"`
	FinishReason string      `json:"finish_reason,omitempty"`

	// Payload carries the kind-specific fields of instant-event chunks
	// (source, file, tool-result, ...).
	Payload map[string]any `json:"payload,omitempty"`
}

// TokenUsage is the token accounting reported on a finish chunk. Any subset
// of the fields may be present; nil means the model did not report that field.
type TokenUsage struct {
	InputTokens  *int `json:"input_tokens,omitempty"`
	OutputTokens *int `json:"output_tokens,omitempty"`
	TotalTokens  *int `json:"total_tokens,omitempty"`
}

// attributes returns only the fields that are actually present, keyed the way
// they appear on the step span.
func (u TokenUsage) attributes() map[string]any {
	attrs := make(map[string]any, 3)
	if u.InputTokens != nil {
		attrs["inputTokens"] = *u.InputTokens
	}
	if u.OutputTokens != nil {
		attrs["outputTokens"] = *u.OutputTokens
	}
	if u.TotalTokens != nil {
		attrs["totalTokens"] = *u.TotalTokens
	}
	return attrs
}
