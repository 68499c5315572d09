package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HaoTian92/llmstream/llm"
)

// sseServer 返回一个逐行下发固定 SSE 帧的上游。
func sseServer(t *testing.T, lines []string, capture *[]byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if capture != nil {
			body, _ := io.ReadAll(r.Body)
			*capture = body
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		}
	}))
}

func newTestProvider(baseURL string) *Provider {
	return NewProvider(llm.ModelConfig{
		Kind:    llm.ProviderOpenAI,
		APIKey:  "sk-test",
		BaseURL: baseURL,
		Model:   "gpt-4o",
	}, nil)
}

func collect(t *testing.T, ch <-chan llm.StreamChunk) []llm.StreamChunk {
	t.Helper()
	var out []llm.StreamChunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

// TestStream_ContentAndDelayedUsage tests that Done is withheld until the
// [DONE] sentinel so the usage chunk after finish_reason is not lost.
func TestStream_ContentAndDelayedUsage(t *testing.T) {
	srv := sseServer(t, []string{
		`{"id":"c1","choices":[{"index":0,"delta":{"role":"assistant","content":""}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{"content":"The answer"}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{"content":" is 4."}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"id":"c1","choices":[],"usage":{"prompt_tokens":12,"completion_tokens":5,"total_tokens":17}}`,
		`[DONE]`,
	}, nil)
	defer srv.Close()

	p := newTestProvider(srv.URL)
	ch, err := p.Stream(context.Background(), &llm.StreamRequest{
		Messages: []llm.Message{llm.NewUserMessage("what is 2+2?")},
	})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.NotEmpty(t, chunks)

	last := chunks[len(chunks)-1]
	assert.Equal(t, llm.ChunkDone, last.Type)
	assert.Equal(t, "stop", last.FinishReason)
	require.NotNil(t, last.Usage, "usage arrives after finish_reason and must survive")
	assert.Equal(t, 12, last.Usage.PromptTokens)
	assert.Equal(t, 17, last.Usage.TotalTokens)

	var text string
	for _, c := range chunks[:len(chunks)-1] {
		require.Equal(t, llm.ChunkContent, c.Type)
		text += c.Content
	}
	assert.Equal(t, "The answer is 4.", text)
}

// TestStream_EmptyDeltasForwarded tests keep-alive deltas pass through.
func TestStream_EmptyDeltasForwarded(t *testing.T) {
	srv := sseServer(t, []string{
		`{"id":"c1","choices":[{"index":0,"delta":{}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{"content":"x"}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`[DONE]`,
	}, nil)
	defer srv.Close()

	p := newTestProvider(srv.URL)
	ch, err := p.Stream(context.Background(), &llm.StreamRequest{
		Messages: []llm.Message{llm.NewUserMessage("hi")},
	})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 3)
	assert.Equal(t, llm.ChunkContent, chunks[0].Type)
	assert.Empty(t, chunks[0].Content)
}

// TestStream_ToolCallAssembly tests fragment aggregation and the
// synthesized ToolCallDone ordering.
func TestStream_ToolCallAssembly(t *testing.T) {
	srv := sseServer(t, []string{
		`{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_abc","function":{"name":"get_weather","arguments":""}}]}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"tokyo\"}"}}]}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		`[DONE]`,
	}, nil)
	defer srv.Close()

	p := newTestProvider(srv.URL)
	ch, err := p.Stream(context.Background(), &llm.StreamRequest{
		Messages: []llm.Message{llm.NewUserMessage("weather in tokyo?")},
	})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 5)

	assert.Equal(t, llm.ChunkToolCallStart, chunks[0].Type)
	assert.Equal(t, "call_abc", chunks[0].ToolCallID)
	assert.Equal(t, "get_weather", chunks[0].ToolName)

	assert.Equal(t, llm.ChunkToolCallArgs, chunks[1].Type)
	assert.Equal(t, llm.ChunkToolCallArgs, chunks[2].Type)
	assert.Equal(t, `{"city":"tokyo"}`, chunks[1].ArgsDelta+chunks[2].ArgsDelta)

	assert.Equal(t, llm.ChunkToolCallDone, chunks[3].Type)
	assert.Equal(t, "call_abc", chunks[3].ToolCallID)

	assert.Equal(t, llm.ChunkDone, chunks[4].Type)
	assert.Equal(t, "tool_calls", chunks[4].FinishReason)
}

// TestStream_RequestShape tests wire translation of messages and tools.
func TestStream_RequestShape(t *testing.T) {
	var captured []byte
	srv := sseServer(t, []string{
		`{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`[DONE]`,
	}, &captured)
	defer srv.Close()

	p := newTestProvider(srv.URL)

	assistant := llm.NewAssistantMessage("")
	assistant.ToolCalls = []llm.ToolCall{{ID: "call_1", Name: "search", Arguments: []byte(`{"q":"go"}`)}}

	ch, err := p.Stream(context.Background(), &llm.StreamRequest{
		Messages: []llm.Message{
			llm.NewSystemMessage("be terse"),
			llm.NewUserMessage("look this up").WithAttachments([]llm.Attachment{
				{Name: "ctx.txt", MimeType: "text/plain", Text: "extra context"},
			}),
			assistant,
			llm.NewToolMessage("call_1", "search", "found it"),
		},
		Tools: []llm.ToolSchema{{
			Name:        "search",
			Description: "web search",
			Parameters:  json.RawMessage(`{"type":"object","required":["q"]}`),
		}},
	})
	require.NoError(t, err)
	collect(t, ch)

	var req oaRequest
	require.NoError(t, json.Unmarshal(captured, &req))

	assert.Equal(t, "gpt-4o", req.Model)
	assert.True(t, req.Stream)
	require.NotNil(t, req.StreamOptions)
	assert.True(t, req.StreamOptions.IncludeUsage)

	require.Len(t, req.Messages, 4)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Contains(t, req.Messages[1].Content, "[attachment: ctx.txt]")
	assert.Contains(t, req.Messages[1].Content, "extra context")
	require.Len(t, req.Messages[2].ToolCalls, 1)
	assert.Equal(t, "function", req.Messages[2].ToolCalls[0].Type)
	assert.Equal(t, "call_1", req.Messages[3].ToolCallID)

	require.Len(t, req.Tools, 1)
	assert.Equal(t, "function", req.Tools[0].Type)
	assert.Equal(t, "search", req.Tools[0].Function.Name)
}

// TestStream_HTTPErrorMapping tests the status→code table.
func TestStream_HTTPErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantCode  llm.ErrorCode
		retryable bool
	}{
		{"rate limited", 429, `{"error":{"message":"slow down"}}`, llm.ErrRateLimited, true},
		{"unauthorized", 401, `{"error":{"message":"bad key"}}`, llm.ErrUnauthorized, false},
		{"context length", 400, `{"error":{"message":"this model's maximum context length is 8192 tokens","code":"context_length_exceeded"}}`, llm.ErrContextLength, false},
		{"plain bad request", 400, `{"error":{"message":"missing field"}}`, llm.ErrInvalidRequest, false},
		{"server error", 500, `{"error":{"message":"oops"}}`, llm.ErrUpstreamError, true},
		{"gateway timeout", 504, `{"error":{"message":"upstream slow"}}`, llm.ErrUpstreamTimeout, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			p := newTestProvider(srv.URL)
			_, err := p.Stream(context.Background(), &llm.StreamRequest{
				Messages: []llm.Message{llm.NewUserMessage("hi")},
			})

			var lerr *llm.Error
			require.ErrorAs(t, err, &lerr)
			assert.Equal(t, tt.wantCode, lerr.Code)
			assert.Equal(t, tt.retryable, lerr.Retryable)
			assert.Equal(t, tt.status, lerr.HTTPStatus)
		})
	}
}

// TestStream_RejectsInvalidRequest tests pre-flight validation.
func TestStream_RejectsInvalidRequest(t *testing.T) {
	p := newTestProvider("http://unused.invalid")

	_, err := p.Stream(context.Background(), &llm.StreamRequest{})
	var lerr *llm.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, llm.ErrInvalidRequest, lerr.Code)

	// 末位必须是 user 或 tool
	_, err = p.Stream(context.Background(), &llm.StreamRequest{
		Messages: []llm.Message{llm.NewAssistantMessage("hello")},
	})
	require.Error(t, err)
}

// TestStream_CancellationEndsWithoutTerminal tests that ctx cancellation
// closes the channel promptly, possibly without a Done/Error chunk.
func TestStream_CancellationEndsWithoutTerminal(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"part\"}}]}\n\n")
		flusher.Flush()
		<-release // 挂住连接，模拟缓慢的上游
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	p := newTestProvider(srv.URL)
	ch, err := p.Stream(ctx, &llm.StreamRequest{
		Messages: []llm.Message{llm.NewUserMessage("hi")},
	})
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, "part", first.Content)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			// 允许在取消竞态下多收到非终止块，但通道必须随后关闭
			for range ch {
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancellation")
	}
}
