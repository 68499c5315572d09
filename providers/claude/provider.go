// Package claude 实现 Anthropic Claude 的流式适配器。
// Claude API 与 OpenAI 有显著差异：
// 1. 认证使用 x-api-key 请求头而非 Bearer Token
// 2. system 消息单独传递，tool 结果包装为 user 消息的 tool_result 块
// 3. 流式响应按内容块（content block）组织事件
// 4. 工具 Schema 使用 input_schema 字段
package claude

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/HaoTian92/llmstream/llm"
)

const anthropicVersion = "2023-06-01"

// Provider 实现 Claude 的 llm.Provider。
type Provider struct {
	cfg    llm.ModelConfig
	client *http.Client
	logger *zap.Logger
}

// NewProvider 创建 Claude 适配器。
func NewProvider(cfg llm.ModelConfig, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second // Claude 响应可能较慢
	}

	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger.With(zap.String("component", "provider_claude")),
	}
}

func (p *Provider) Name() string { return "claude" }

func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	endpoint := fmt.Sprintf("%s/v1/models", strings.TrimRight(p.cfg.BaseURL, "/"))
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	p.buildHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := readErrMsg(resp.Body)
		return &llm.HealthStatus{Healthy: false, Latency: latency}, fmt.Errorf("claude health check failed: status=%d msg=%s", resp.StatusCode, msg)
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}

// Claude wire 类型
type claudeMessage struct {
	Role    string          `json:"role"` // user 或 assistant
	Content []claudeContent `json:"content"`
}

type claudeContent struct {
	Type      string          `json:"type"` // text, tool_use, tool_result
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"` // for tool_result
}

type claudeTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"` // JSON Schema
}

type claudeRequest struct {
	Model       string          `json:"model"`
	Messages    []claudeMessage `json:"messages"`
	System      string          `json:"system,omitempty"` // system 消息单独传递
	MaxTokens   int             `json:"max_tokens"`
	Temperature float32         `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       []claudeTool    `json:"tools,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeStreamEvent struct {
	Type         string         `json:"type"`
	Index        int            `json:"index,omitempty"`
	Delta        *claudeDelta   `json:"delta,omitempty"`
	ContentBlock *claudeContent `json:"content_block,omitempty"`
	Message      *struct {
		ID    string       `json:"id"`
		Model string       `json:"model"`
		Usage *claudeUsage `json:"usage,omitempty"`
	} `json:"message,omitempty"`
	Usage *claudeUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type claudeDelta struct {
	Type        string `json:"type"` // text_delta, input_json_delta
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type claudeErrorResp struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *Provider) buildHeaders(req *http.Request) {
	// Claude 使用 x-api-key 认证
	req.Header.Set("x-api-key", p.cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.cfg.Headers {
		req.Header.Set(k, v)
	}
}

// convertMessages 将统一格式转换为 Claude 格式。
// Claude 的特殊要求：
// 1. system 消息单独提取到 system 字段
// 2. tool 结果包装成 user 消息的 tool_result 块
// 3. content 是数组形式，可混合文本与工具调用
func convertMessages(msgs []llm.Message) (string, []claudeMessage) {
	var system string
	var out []claudeMessage

	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			system = m.Content
			continue
		}

		if m.Role == llm.RoleTool {
			out = append(out, claudeMessage{
				Role: "user",
				Content: []claudeContent{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
			continue
		}

		cm := claudeMessage{Role: string(m.Role)}
		if text := flattenContent(m); text != "" {
			cm.Content = append(cm.Content, claudeContent{Type: "text", Text: text})
		}
		for _, tc := range m.ToolCalls {
			cm.Content = append(cm.Content, claudeContent{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Name,
				Input: tc.Arguments,
			})
		}
		if len(cm.Content) > 0 {
			out = append(out, cm)
		}
	}

	return system, out
}

func flattenContent(m llm.Message) string {
	if len(m.Attachments) == 0 {
		return m.Content
	}
	var b strings.Builder
	b.WriteString(m.Content)
	for _, att := range m.Attachments {
		b.WriteString("\n\n[attachment: ")
		b.WriteString(att.Name)
		b.WriteString("]\n")
		b.WriteString(att.Text)
	}
	return b.String()
}

// convertTools 将统一 ToolSchema 翻译成 Claude input_schema 形状。
func convertTools(tools []llm.ToolSchema) []claudeTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]claudeTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, claudeTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	return out
}

func (p *Provider) Stream(ctx context.Context, req *llm.StreamRequest) (<-chan llm.StreamChunk, error) {
	if verr := llm.ValidateStreamRequest(req, p.Name()); verr != nil {
		return nil, verr
	}

	system, messages := convertMessages(req.Messages)
	maxTokens := p.cfg.MaxOutputTokens
	if maxTokens == 0 {
		maxTokens = 4096 // Claude 要求必须提供 max_tokens
	}

	body := claudeRequest{
		Model:       p.cfg.Model,
		Messages:    messages,
		System:      system,
		MaxTokens:   maxTokens,
		Temperature: p.cfg.Temperature,
		Stream:      true,
		Tools:       convertTools(req.Tools),
	}
	payload, _ := json.Marshal(body)

	endpoint := fmt.Sprintf("%s/v1/messages", strings.TrimRight(p.cfg.BaseURL, "/"))
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	p.buildHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, llm.TransportError(p.Name(), err.Error())
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg := readErrMsg(resp.Body)
		return nil, mapError(resp.StatusCode, msg, p.Name())
	}

	ch := make(chan llm.StreamChunk)
	go p.readStream(ctx, resp.Body, ch)
	return ch, nil
}

// readStream 解析 Claude SSE 事件流并归一化。
// content block 索引 → 工具调用 id 的映射在流内累积。
func (p *Provider) readStream(ctx context.Context, body io.ReadCloser, ch chan<- llm.StreamChunk) {
	defer body.Close()
	defer close(ch)

	send := func(c llm.StreamChunk) bool {
		select {
		case ch <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	reader := bufio.NewReader(body)
	toolBlocks := make(map[int]string) // content block index → tool call id
	var finishReason string
	usage := &llm.Usage{}

	for {
		if ctx.Err() != nil {
			return
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				send(llm.ErrorChunk(llm.TransportError(p.Name(), err.Error())))
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "event:") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var event claudeStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			send(llm.ErrorChunk(llm.TransportError(p.Name(), "malformed stream event: "+err.Error())))
			return
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil && event.Message.Usage != nil {
				usage.PromptTokens = event.Message.Usage.InputTokens
			}

		case "ping":
			// keep-alive：转发空 delta，不推进 offset。
			if !send(llm.ContentChunk("")) {
				return
			}

		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				toolBlocks[event.Index] = event.ContentBlock.ID
				if !send(llm.ToolCallStartChunk(event.ContentBlock.ID, event.ContentBlock.Name, "")) {
					return
				}
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				if !send(llm.ContentChunk(event.Delta.Text)) {
					return
				}
			case "input_json_delta":
				if id, ok := toolBlocks[event.Index]; ok {
					if !send(llm.ToolCallArgsChunk(id, event.Delta.PartialJSON)) {
						return
					}
				}
			}

		case "content_block_stop":
			if id, ok := toolBlocks[event.Index]; ok {
				delete(toolBlocks, event.Index)
				if !send(llm.ToolCallDoneChunk(id)) {
					return
				}
			}

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				finishReason = normalizeStopReason(event.Delta.StopReason)
			}
			if event.Usage != nil {
				usage.CompletionTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			send(llm.DoneChunk(finishReason, usage))
			return

		case "error":
			if event.Error != nil {
				retryable := event.Error.Type == "overloaded_error"
				send(llm.ErrorChunk(&llm.Error{
					Code:      llm.ErrUpstreamError,
					Message:   event.Error.Message,
					Retryable: retryable,
					Provider:  p.Name(),
				}))
			}
			return
		}
	}
}

// normalizeStopReason 把 Claude 的 stop_reason 归一化为通用 finish reason，
// 避免服务商特有取值泄漏到编排层。
func normalizeStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}

func readErrMsg(body io.Reader) string {
	data, _ := io.ReadAll(body)
	var errResp claudeErrorResp
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
	}
	return string(data)
}

// mapError 是 Claude 错误码映射表。
func mapError(status int, msg string, provider string) *llm.Error {
	lower := strings.ToLower(msg)
	switch status {
	case http.StatusUnauthorized:
		return &llm.Error{Code: llm.ErrUnauthorized, Message: msg, HTTPStatus: status, Provider: provider}
	case http.StatusForbidden:
		return &llm.Error{Code: llm.ErrForbidden, Message: msg, HTTPStatus: status, Provider: provider}
	case http.StatusTooManyRequests:
		return &llm.Error{Code: llm.ErrRateLimited, Message: msg, HTTPStatus: status, Retryable: true, Provider: provider}
	case http.StatusBadRequest:
		// Claude 对超长输入返回 400 "prompt is too long"
		if strings.Contains(lower, "prompt is too long") || strings.Contains(lower, "too many tokens") {
			return &llm.Error{Code: llm.ErrContextLength, Message: msg, HTTPStatus: status, Provider: provider}
		}
		return &llm.Error{Code: llm.ErrInvalidRequest, Message: msg, HTTPStatus: status, Provider: provider}
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return &llm.Error{Code: llm.ErrUpstreamError, Message: msg, HTTPStatus: status, Retryable: true, Provider: provider}
	case 529: // Claude 特有的过载状态码
		return &llm.Error{Code: llm.ErrModelOverload, Message: msg, HTTPStatus: status, Retryable: true, Provider: provider}
	default:
		return &llm.Error{Code: llm.ErrUpstreamError, Message: msg, HTTPStatus: status, Retryable: status >= 500, Provider: provider}
	}
}
