package orchestrator

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/HaoTian92/llmstream/llm"
	"github.com/HaoTian92/llmstream/session"
)

// Step 记录一次工具执行，进入 stream_done 的步骤轨迹。
type Step struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     string          `json:"result"`
	IsError    bool            `json:"is_error"`
	DurationMS int64           `json:"duration_ms"`
}

// StreamingState 是单次生成的可变状态。只有驱动该生成的 Run
// goroutine 写它，不需要锁；对外只通过 session 快照暴露。
//
// 不变量：offset 单调不减，且始终等于已累计文本的 UTF-8 字节长度。
type StreamingState struct {
	taskID    string
	subtaskID string
	userID    string

	text   strings.Builder
	status Status
	steps  []Step
	usage  llm.Usage
	finish string
}

func newState(req *GenerationRequest) *StreamingState {
	return &StreamingState{
		taskID:    req.TaskID,
		subtaskID: req.SubtaskID,
		userID:    req.UserID,
		status:    StatusStreaming,
	}
}

// Append 追加一段增量文本并返回新的字节偏移。
func (s *StreamingState) Append(delta string) int {
	s.text.WriteString(delta)
	return s.text.Len()
}

// Offset 返回当前累计文本的字节长度。
func (s *StreamingState) Offset() int { return s.text.Len() }

// Text 返回到目前为止累计的全部文本。
func (s *StreamingState) Text() string { return s.text.String() }

func (s *StreamingState) AddStep(st Step) { s.steps = append(s.steps, st) }

func (s *StreamingState) AddUsage(u llm.Usage) { s.usage.Add(u) }

func (s *StreamingState) setFinish(reason string) {
	if reason != "" {
		s.finish = reason
	}
}

func (s *StreamingState) setStatus(st Status) { s.status = st }

// snapshot 生成供重连查询的只读快照。
func (s *StreamingState) snapshot() session.Snapshot {
	return session.Snapshot{
		SubtaskID: s.subtaskID,
		Status:    string(s.status),
		Offset:    s.Offset(),
		Text:      s.Text(),
		UpdatedAt: time.Now().UTC(),
	}
}
