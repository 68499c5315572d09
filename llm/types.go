package llm

import (
	"encoding/json"
	"time"
)

// Role represents the role of a message participant.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall represents a tool invocation request from the LLM.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ImageContent represents image data for multimodal messages.
type ImageContent struct {
	Type string `json:"type"` // "url" or "base64"
	URL  string `json:"url,omitempty"`
	Data string `json:"data,omitempty"` // base64 encoded
}

// Attachment 表示消息携带的文档附件（已抽取为纯文本）。
// 附件文本在上下文压缩时最先被截断（会话价值密度最低）。
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	Text     string `json:"text"`
}

// Message represents a conversation message. Insertion order is
// conversation order and must be preserved exactly.
type Message struct {
	Role        Role           `json:"role"`
	Content     string         `json:"content,omitempty"`
	Name        string         `json:"name,omitempty"`
	ToolCalls   []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID  string         `json:"tool_call_id,omitempty"` // 工具返回时标识对应调用
	Attachments []Attachment   `json:"attachments,omitempty"`
	Images      []ImageContent `json:"images,omitempty"`
	Timestamp   time.Time      `json:"timestamp,omitempty"`
}

// NewMessage creates a new message with the given role and content.
func NewMessage(role Role, content string) Message {
	return Message{Role: role, Content: content, Timestamp: time.Now()}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) Message { return NewMessage(RoleSystem, content) }

// NewUserMessage creates a new user message.
func NewUserMessage(content string) Message { return NewMessage(RoleUser, content) }

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) Message { return NewMessage(RoleAssistant, content) }

// NewToolMessage creates a new tool result message.
func NewToolMessage(toolCallID, name, content string) Message {
	return Message{
		Role:       RoleTool,
		Content:    content,
		Name:       name,
		ToolCallID: toolCallID,
		Timestamp:  time.Now(),
	}
}

// WithAttachments adds attachments to the message.
func (m Message) WithAttachments(atts []Attachment) Message {
	m.Attachments = atts
	return m
}

// ToolSchema defines a tool's interface for LLM function calling.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ProviderKind identifies the upstream wire format family.
type ProviderKind string

const (
	ProviderOpenAI ProviderKind = "openai"
	ProviderClaude ProviderKind = "claude"
	ProviderGemini ProviderKind = "gemini"
)

// ModelConfig 是单次生成所用模型的完整配置。
// 由调用方在外部解析好（凭证、路由等）后传入，生成期间不可变；
// 本核心自身从不拉取凭证。
type ModelConfig struct {
	Kind            ProviderKind      `json:"kind" yaml:"kind"`
	APIKey          string            `json:"api_key" yaml:"api_key"`
	BaseURL         string            `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Model           string            `json:"model" yaml:"model"`
	ContextWindow   int               `json:"context_window" yaml:"context_window"`
	MaxOutputTokens int               `json:"max_output_tokens,omitempty" yaml:"max_output_tokens,omitempty"`
	Headers         map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Temperature     float32           `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	Timeout         time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Usage carries provider-reported token accounting, surfaced on
// the final chunk of a stream when the upstream provides it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// Add accumulates usage across multiple provider calls in one generation.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// HealthStatus 表示 Provider 健康检查结果。
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
}
