package orchestrator

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/HaoTian92/llmstream/llm"
)

// EventType 是下发给网关的规范事件类型。
type EventType string

const (
	EventStreamStart EventType = "stream_start"
	EventStreamChunk EventType = "stream_chunk"
	EventToolStart   EventType = "tool_start"
	EventToolDone    EventType = "tool_done"
	EventStreamDone  EventType = "stream_done"
	EventStreamError EventType = "stream_error"
)

// Status 是生成的终态（及进行中状态）。
type Status string

const (
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Event 是编排层对外的唯一输出单元。同一生成内事件严格保序，
// 首个事件恒为 stream_start，末个恒为 stream_done 或 stream_error。
// 字段按事件类型选填，JSON 序列化后直接作为网关 payload。
type Event struct {
	ID        string    `json:"event_id"`
	Type      EventType `json:"event_type"`
	SubtaskID string    `json:"subtask_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// stream_chunk：本次增量与追加后的累计字节偏移。
	// 空增量会下发（保活）但 offset 不前进。offset 不省略：
	// 按偏移续传的消费方需要读到开头的 0。
	Delta  string `json:"delta,omitempty"`
	Offset int    `json:"offset"`

	// tool_start / tool_done
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolArgs   json.RawMessage `json:"tool_args,omitempty"`
	ToolResult string          `json:"tool_result,omitempty"`
	ToolError  bool            `json:"tool_error,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`

	// stream_done：完整文本、步骤轨迹与用量
	Text         string     `json:"text,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Status       Status     `json:"status,omitempty"`
	Steps        []Step     `json:"steps,omitempty"`
	Usage        *llm.Usage `json:"usage,omitempty"`

	// stream_error：错误码 + 已累计的部分输出随 Text/Offset 携带
	ErrorCode string `json:"error_code,omitempty"`
	ErrorMsg  string `json:"error_message,omitempty"`
}

func newEvent(typ EventType, taskID, subtaskID string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		TaskID:    taskID,
		SubtaskID: subtaskID,
		Timestamp: time.Now().UTC(),
	}
}
