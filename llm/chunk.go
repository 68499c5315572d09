package llm

// ChunkType discriminates the StreamChunk union.
type ChunkType string

const (
	// ChunkContent carries an incremental text delta. Empty deltas are
	// legal (keep-alive) and must be forwarded downstream.
	ChunkContent ChunkType = "content"

	// ChunkToolCallStart announces a tool invocation with its id, name
	// and any arguments already present.
	ChunkToolCallStart ChunkType = "tool_call_start"

	// ChunkToolCallArgs carries a partial-JSON arguments delta for a
	// previously started tool call.
	ChunkToolCallArgs ChunkType = "tool_call_args"

	// ChunkToolCallDone marks a tool call's arguments as complete.
	ChunkToolCallDone ChunkType = "tool_call_done"

	// ChunkDone terminates the stream with the provider finish reason.
	ChunkDone ChunkType = "done"

	// ChunkError terminates the stream with a classified error.
	ChunkError ChunkType = "error"
)

// StreamChunk 是服务商归一化后的流式单元。
// 每个 Provider 适配器必须把自家 wire 格式精确映射到这组变体上；
// 服务商特有的事件类型不允许泄漏到适配器之外。
//
// 取消后流可能在没有终止块（Done/Error）的情况下直接结束，
// 调用方必须把"无终止块的流结束"等同于已取消处理。
type StreamChunk struct {
	Type ChunkType `json:"type"`

	// Content: text delta for ChunkContent.
	Content string `json:"content,omitempty"`

	// ToolCallID identifies the call for the three tool_call_* variants.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// ToolName is set on ChunkToolCallStart.
	ToolName string `json:"tool_name,omitempty"`
	// ArgsDelta is a partial JSON fragment, set on ChunkToolCallStart
	// (initial arguments, may be empty) and ChunkToolCallArgs.
	ArgsDelta string `json:"args_delta,omitempty"`

	// FinishReason is set on ChunkDone ("stop", "tool_calls", "length", ...).
	FinishReason string `json:"finish_reason,omitempty"`
	// Usage may accompany ChunkDone when the upstream reports it.
	Usage *Usage `json:"usage,omitempty"`

	// Err is set on ChunkError.
	Err *Error `json:"error,omitempty"`
}

// ContentChunk builds a ChunkContent chunk.
func ContentChunk(delta string) StreamChunk {
	return StreamChunk{Type: ChunkContent, Content: delta}
}

// ToolCallStartChunk builds a ChunkToolCallStart chunk.
func ToolCallStartChunk(id, name, partialArgs string) StreamChunk {
	return StreamChunk{Type: ChunkToolCallStart, ToolCallID: id, ToolName: name, ArgsDelta: partialArgs}
}

// ToolCallArgsChunk builds a ChunkToolCallArgs chunk.
func ToolCallArgsChunk(id, delta string) StreamChunk {
	return StreamChunk{Type: ChunkToolCallArgs, ToolCallID: id, ArgsDelta: delta}
}

// ToolCallDoneChunk builds a ChunkToolCallDone chunk.
func ToolCallDoneChunk(id string) StreamChunk {
	return StreamChunk{Type: ChunkToolCallDone, ToolCallID: id}
}

// DoneChunk builds a ChunkDone chunk.
func DoneChunk(finishReason string, usage *Usage) StreamChunk {
	return StreamChunk{Type: ChunkDone, FinishReason: finishReason, Usage: usage}
}

// ErrorChunk builds a ChunkError chunk.
func ErrorChunk(err *Error) StreamChunk {
	return StreamChunk{Type: ChunkError, Err: err}
}
