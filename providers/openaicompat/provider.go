// Package openaicompat 实现 OpenAI 兼容（chat/completions SSE）上游的
// 流式适配器。OpenAI、DeepSeek、Qwen、Kimi 等兼容端点共用本实现，
// 只需在 ModelConfig 中给出各自的 BaseURL。
package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/HaoTian92/llmstream/llm"
)

// Provider 实现 OpenAI 兼容端点的 llm.Provider。
type Provider struct {
	cfg    llm.ModelConfig
	client *http.Client
	logger *zap.Logger
}

// NewProvider 创建 OpenAI 兼容适配器。
func NewProvider(cfg llm.ModelConfig, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger.With(zap.String("component", "provider_openaicompat")),
	}
}

func (p *Provider) Name() string { return "openai" }

func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	endpoint := fmt.Sprintf("%s/models", strings.TrimRight(p.cfg.BaseURL, "/"))
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
		return &llm.HealthStatus{Healthy: false, Latency: latency}, fmt.Errorf("openai health check failed: status=%d msg=%s", resp.StatusCode, msg)
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}

// OpenAI wire 类型
type oaMessage struct {
	Role       string       `json:"role"`
	Content    string       `json:"content"`
	Name       string       `json:"name,omitempty"`
	ToolCalls  []oaToolCall `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
}

type oaToolCall struct {
	Index    int        `json:"index"`
	ID       string     `json:"id,omitempty"`
	Type     string     `json:"type,omitempty"`
	Function oaFunction `json:"function"`
}

type oaFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type oaTool struct {
	Type     string       `json:"type"`
	Function oaToolSchema `json:"function"`
}

type oaToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type oaStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type oaRequest struct {
	Model         string           `json:"model"`
	Messages      []oaMessage      `json:"messages"`
	Tools         []oaTool         `json:"tools,omitempty"`
	MaxTokens     int              `json:"max_tokens,omitempty"`
	Temperature   float32          `json:"temperature,omitempty"`
	Stream        bool             `json:"stream"`
	StreamOptions *oaStreamOptions `json:"stream_options,omitempty"`
}

type oaDelta struct {
	Role      string       `json:"role,omitempty"`
	Content   string       `json:"content,omitempty"`
	ToolCalls []oaToolCall `json:"tool_calls,omitempty"`
}

type oaStreamChoice struct {
	Index        int      `json:"index"`
	Delta        *oaDelta `json:"delta,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

type oaUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type oaStreamResponse struct {
	ID      string           `json:"id"`
	Model   string           `json:"model"`
	Choices []oaStreamChoice `json:"choices"`
	Usage   *oaUsage         `json:"usage,omitempty"`
}

type oaErrorResp struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (p *Provider) buildHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.cfg.Headers {
		req.Header.Set(k, v)
	}
}

// convertMessages 将统一格式转换为 OpenAI 格式。
// 附件文本内联到消息正文（上游没有独立的附件概念）。
func convertMessages(msgs []llm.Message) []oaMessage {
	out := make([]oaMessage, 0, len(msgs))
	for _, m := range msgs {
		om := oaMessage{
			Role:       string(m.Role),
			Content:    flattenContent(m),
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, oaToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: oaFunction{Name: tc.Name, Arguments: string(tc.Arguments)},
			})
		}
		out = append(out, om)
	}
	return out
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

// convertTools 将统一 ToolSchema 翻译成 OpenAI function-calling 形状。
func convertTools(tools []llm.ToolSchema) []oaTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]oaTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, oaTool{
			Type: "function",
			Function: oaToolSchema{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func (p *Provider) Stream(ctx context.Context, req *llm.StreamRequest) (<-chan llm.StreamChunk, error) {
	if verr := llm.ValidateStreamRequest(req, p.Name()); verr != nil {
		return nil, verr
	}

	body := oaRequest{
		Model:         p.cfg.Model,
		Messages:      convertMessages(req.Messages),
		Tools:         convertTools(req.Tools),
		MaxTokens:     p.cfg.MaxOutputTokens,
		Temperature:   p.cfg.Temperature,
		Stream:        true,
		StreamOptions: &oaStreamOptions{IncludeUsage: true},
	}
	payload, _ := json.Marshal(body)

	endpoint := fmt.Sprintf("%s/chat/completions", strings.TrimRight(p.cfg.BaseURL, "/"))
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

// openCall 记录一个进行中的工具调用（按 choice 内 index 累积）。
type openCall struct {
	index int
	id    string
}

// readStream 逐行解析 SSE，把 OpenAI 事件归一化为 chunk 序列。
// ctx 取消后立即停止发送并关闭连接（body close 中断阻塞读）。
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
	open := make(map[int]openCall) // index → 进行中的工具调用
	var finishReason string
	var usage *llm.Usage

	// closeOpenCalls 按 index 顺序补发 ToolCallDone（上游没有显式结束事件）。
	closeOpenCalls := func() bool {
		indexes := make([]int, 0, len(open))
		for idx := range open {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		for _, idx := range indexes {
			if !send(llm.ToolCallDoneChunk(open[idx].id)) {
				return false
			}
			delete(open, idx)
		}
		return true
	}

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
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			// 终止块最后发：usage 可能出现在 finish_reason 之后的独立块里。
			if finishReason != "" {
				send(llm.DoneChunk(finishReason, usage))
			}
			return
		}

		var oaResp oaStreamResponse
		if err := json.Unmarshal([]byte(data), &oaResp); err != nil {
			send(llm.ErrorChunk(llm.TransportError(p.Name(), "malformed stream chunk: "+err.Error())))
			return
		}

		if oaResp.Usage != nil {
			usage = &llm.Usage{
				PromptTokens:     oaResp.Usage.PromptTokens,
				CompletionTokens: oaResp.Usage.CompletionTokens,
				TotalTokens:      oaResp.Usage.TotalTokens,
			}
		}

		for _, choice := range oaResp.Choices {
			if choice.Delta != nil && len(choice.Delta.ToolCalls) > 0 {
				for _, tc := range choice.Delta.ToolCalls {
					existing, started := open[tc.Index]
					if !started {
						id := tc.ID
						if id == "" {
							id = fmt.Sprintf("call_%d", tc.Index)
						}
						open[tc.Index] = openCall{index: tc.Index, id: id}
						if !send(llm.ToolCallStartChunk(id, tc.Function.Name, tc.Function.Arguments)) {
							return
						}
						continue
					}
					if tc.Function.Arguments != "" {
						if !send(llm.ToolCallArgsChunk(existing.id, tc.Function.Arguments)) {
							return
						}
					}
				}
				continue
			}

			if choice.FinishReason != "" {
				finishReason = choice.FinishReason
				if !closeOpenCalls() {
					return
				}
				continue
			}

			// 空 delta（role 宣告、keep-alive）也要转发，但不携带文本。
			if choice.Delta != nil {
				if !send(llm.ContentChunk(choice.Delta.Content)) {
					return
				}
			}
		}
	}
}

func readErrMsg(body io.Reader) string {
	data, _ := io.ReadAll(body)
	var errResp oaErrorResp
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}
	return string(data)
}

// mapError 是 OpenAI 错误码映射表。
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
		if strings.Contains(lower, "context length") || strings.Contains(lower, "maximum context") ||
			strings.Contains(lower, "context_length_exceeded") {
			return &llm.Error{Code: llm.ErrContextLength, Message: msg, HTTPStatus: status, Provider: provider}
		}
		return &llm.Error{Code: llm.ErrInvalidRequest, Message: msg, HTTPStatus: status, Provider: provider}
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return &llm.Error{Code: llm.ErrUpstreamTimeout, Message: msg, HTTPStatus: status, Retryable: true, Provider: provider}
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return &llm.Error{Code: llm.ErrUpstreamError, Message: msg, HTTPStatus: status, Retryable: true, Provider: provider}
	default:
		return &llm.Error{Code: llm.ErrUpstreamError, Message: msg, HTTPStatus: status, Retryable: status >= 500, Provider: provider}
	}
}
