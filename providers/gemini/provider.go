// Package gemini 实现 Google Gemini 的流式适配器。
// Gemini API 特点：
// 1. 使用 x-goog-api-key 请求头认证
// 2. assistant 角色叫 "model"，system 消息走 systemInstruction
// 3. 工具调用以完整 functionCall part 一次性下发（无参数增量），
//    且不携带调用 id，需要适配器合成
// 4. 流式端点为 streamGenerateContent?alt=sse
package gemini

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

// Provider 实现 Gemini 的 llm.Provider。
type Provider struct {
	cfg    llm.ModelConfig
	client *http.Client
	logger *zap.Logger
}

// NewProvider 创建 Gemini 适配器。
func NewProvider(cfg llm.ModelConfig, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger.With(zap.String("component", "provider_gemini")),
	}
}

func (p *Provider) Name() string { return "gemini" }

func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	endpoint := fmt.Sprintf("%s/v1beta/models", strings.TrimRight(p.cfg.BaseURL, "/"))
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
		return &llm.HealthStatus{Healthy: false, Latency: latency}, fmt.Errorf("gemini health check failed: status=%d msg=%s", resp.StatusCode, msg)
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}

// Gemini wire 类型
type geminiContent struct {
	Role  string       `json:"role,omitempty"` // user, model
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations,omitempty"`
}

type geminiFunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"` // JSON Schema
}

type geminiGenerationConfig struct {
	Temperature     float32 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
	Index        int           `json:"index"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata,omitempty"`
}

type geminiErrorResp struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (p *Provider) buildHeaders(req *http.Request) {
	// Gemini 使用 x-goog-api-key 认证
	req.Header.Set("x-goog-api-key", p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.cfg.Headers {
		req.Header.Set(k, v)
	}
}

// convertContents 将统一格式转换为 Gemini 格式。
func convertContents(msgs []llm.Message) (*geminiContent, []geminiContent) {
	var systemInstruction *geminiContent
	var contents []geminiContent

	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			systemInstruction = &geminiContent{Parts: []geminiPart{{Text: m.Content}}}
			continue
		}

		if m.Role == llm.RoleTool {
			// 工具结果以 functionResponse part 回传，角色为 user。
			contents = append(contents, geminiContent{
				Role: "user",
				Parts: []geminiPart{{
					FunctionResponse: &geminiFunctionResponse{
						Name:     m.Name,
						Response: map[string]any{"result": m.Content},
					},
				}},
			})
			continue
		}

		role := string(m.Role)
		if role == "assistant" {
			role = "model" // Gemini 使用 "model" 而不是 "assistant"
		}

		content := geminiContent{Role: role}
		if text := flattenContent(m); text != "" {
			content.Parts = append(content.Parts, geminiPart{Text: text})
		}
		for _, tc := range m.ToolCalls {
			content.Parts = append(content.Parts, geminiPart{
				FunctionCall: &geminiFunctionCall{Name: tc.Name, Args: tc.Arguments},
			})
		}
		if len(content.Parts) > 0 {
			contents = append(contents, content)
		}
	}

	return systemInstruction, contents
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

// convertTools 将统一 ToolSchema 翻译成 Gemini parameters 形状。
func convertTools(tools []llm.ToolSchema) []geminiTool {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]geminiFunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, geminiFunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return []geminiTool{{FunctionDeclarations: decls}}
}

func (p *Provider) Stream(ctx context.Context, req *llm.StreamRequest) (<-chan llm.StreamChunk, error) {
	if verr := llm.ValidateStreamRequest(req, p.Name()); verr != nil {
		return nil, verr
	}

	systemInstruction, contents := convertContents(req.Messages)
	body := geminiRequest{
		Contents:          contents,
		Tools:             convertTools(req.Tools),
		SystemInstruction: systemInstruction,
	}
	if p.cfg.MaxOutputTokens > 0 || p.cfg.Temperature > 0 {
		body.GenerationConfig = &geminiGenerationConfig{
			Temperature:     p.cfg.Temperature,
			MaxOutputTokens: p.cfg.MaxOutputTokens,
		}
	}
	payload, _ := json.Marshal(body)

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse",
		strings.TrimRight(p.cfg.BaseURL, "/"), p.cfg.Model)
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

// readStream 解析 Gemini SSE 流并归一化。
// functionCall part 参数一次性到达，归一化为 Start（带完整参数）+ Done。
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
	var finishReason string
	var usage *llm.Usage
	callSeq := 0 // Gemini 不提供调用 id，按顺序合成

	for {
		if ctx.Err() != nil {
			return
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				// Gemini 没有 [DONE] 哨兵，流以 EOF 结束。
				if finishReason != "" {
					send(llm.DoneChunk(finishReason, usage))
				}
			} else {
				send(llm.ErrorChunk(llm.TransportError(p.Name(), err.Error())))
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var gResp geminiResponse
		if err := json.Unmarshal([]byte(data), &gResp); err != nil {
			send(llm.ErrorChunk(llm.TransportError(p.Name(), "malformed stream chunk: "+err.Error())))
			return
		}

		if gResp.UsageMetadata != nil {
			usage = &llm.Usage{
				PromptTokens:     gResp.UsageMetadata.PromptTokenCount,
				CompletionTokens: gResp.UsageMetadata.CandidatesTokenCount,
				TotalTokens:      gResp.UsageMetadata.TotalTokenCount,
			}
		}

		for _, cand := range gResp.Candidates {
			for _, part := range cand.Content.Parts {
				if part.FunctionCall != nil {
					callSeq++
					id := fmt.Sprintf("%s_%d", part.FunctionCall.Name, callSeq)
					args := string(part.FunctionCall.Args)
					if args == "" {
						args = "{}"
					}
					if !send(llm.ToolCallStartChunk(id, part.FunctionCall.Name, args)) {
						return
					}
					if !send(llm.ToolCallDoneChunk(id)) {
						return
					}
					continue
				}
				// 文本 part（可能为空，keep-alive 同样转发）。
				if !send(llm.ContentChunk(part.Text)) {
					return
				}
			}
			if cand.FinishReason != "" {
				finishReason = normalizeFinishReason(cand.FinishReason)
			}
		}
	}
}

// normalizeFinishReason 把 Gemini 的 finishReason 归一化。
func normalizeFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return strings.ToLower(reason)
	}
}

func readErrMsg(body io.Reader) string {
	data, _ := io.ReadAll(body)
	var errResp geminiErrorResp
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		return fmt.Sprintf("%s (status: %s)", errResp.Error.Message, errResp.Error.Status)
	}
	return string(data)
}

// mapError 是 Gemini 错误码映射表。
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
		if strings.Contains(lower, "token count") || strings.Contains(lower, "exceeds the maximum") {
			return &llm.Error{Code: llm.ErrContextLength, Message: msg, HTTPStatus: status, Provider: provider}
		}
		return &llm.Error{Code: llm.ErrInvalidRequest, Message: msg, HTTPStatus: status, Provider: provider}
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return &llm.Error{Code: llm.ErrUpstreamError, Message: msg, HTTPStatus: status, Retryable: true, Provider: provider}
	default:
		return &llm.Error{Code: llm.ErrUpstreamError, Message: msg, HTTPStatus: status, Retryable: status >= 500, Provider: provider}
	}
}
