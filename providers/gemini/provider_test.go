package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HaoTian92/llmstream/llm"
)

func sseServer(t *testing.T, lines []string, capture *[]byte, capturePath *string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if capture != nil {
			body, _ := io.ReadAll(r.Body)
			*capture = body
		}
		if capturePath != nil {
			*capturePath = r.URL.Path + "?" + r.URL.RawQuery
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
		Kind:    llm.ProviderGemini,
		APIKey:  "AIza-test",
		BaseURL: baseURL,
		Model:   "gemini-2.0-flash",
	}, nil)
}

func collect(ch <-chan llm.StreamChunk) []llm.StreamChunk {
	var out []llm.StreamChunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

// TestStream_TextCompletionEOFTermination tests that Done is synthesized
// on EOF since Gemini has no [DONE] sentinel.
func TestStream_TextCompletionEOFTermination(t *testing.T) {
	srv := sseServer(t, []string{
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"The answer"}]},"index":0}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":" is 4."}]},"finishReason":"STOP","index":0}],"usageMetadata":{"promptTokenCount":8,"candidatesTokenCount":6,"totalTokenCount":14}}`,
	}, nil, nil)
	defer srv.Close()

	p := newTestProvider(srv.URL)
	ch, err := p.Stream(context.Background(), &llm.StreamRequest{
		Messages: []llm.Message{llm.NewUserMessage("what is 2+2?")},
	})
	require.NoError(t, err)

	chunks := collect(ch)
	require.Len(t, chunks, 3)

	assert.Equal(t, "The answer", chunks[0].Content)
	assert.Equal(t, " is 4.", chunks[1].Content)

	last := chunks[2]
	assert.Equal(t, llm.ChunkDone, last.Type)
	assert.Equal(t, "stop", last.FinishReason, "STOP normalized")
	require.NotNil(t, last.Usage)
	assert.Equal(t, 14, last.Usage.TotalTokens)
}

// TestStream_FunctionCallSynthesizedIDs tests that functionCall parts become
// Start+Done pairs with deterministic synthesized call ids.
func TestStream_FunctionCallSynthesizedIDs(t *testing.T) {
	srv := sseServer(t, []string{
		`{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"get_weather","args":{"city":"tokyo"}}},{"functionCall":{"name":"get_time","args":{"tz":"JST"}}}]},"finishReason":"STOP","index":0}]}`,
	}, nil, nil)
	defer srv.Close()

	p := newTestProvider(srv.URL)
	ch, err := p.Stream(context.Background(), &llm.StreamRequest{
		Messages: []llm.Message{llm.NewUserMessage("weather and time in tokyo")},
	})
	require.NoError(t, err)

	chunks := collect(ch)
	require.Len(t, chunks, 5)

	assert.Equal(t, llm.ChunkToolCallStart, chunks[0].Type)
	assert.Equal(t, "get_weather_1", chunks[0].ToolCallID)
	assert.JSONEq(t, `{"city":"tokyo"}`, chunks[0].ArgsDelta, "arguments arrive complete")
	assert.Equal(t, llm.ChunkToolCallDone, chunks[1].Type)
	assert.Equal(t, "get_weather_1", chunks[1].ToolCallID)

	assert.Equal(t, "get_time_2", chunks[2].ToolCallID)
	assert.Equal(t, llm.ChunkToolCallDone, chunks[3].Type)

	assert.Equal(t, llm.ChunkDone, chunks[4].Type)
}

// TestStream_RequestShape tests role mapping, systemInstruction and
// functionResponse wrapping.
func TestStream_RequestShape(t *testing.T) {
	var captured []byte
	var path string
	srv := sseServer(t, []string{
		`{"candidates":[{"content":{"role":"model","parts":[]},"finishReason":"STOP","index":0}]}`,
	}, &captured, &path)
	defer srv.Close()

	p := newTestProvider(srv.URL)

	assistant := llm.NewAssistantMessage("checking")
	assistant.ToolCalls = []llm.ToolCall{{ID: "search_1", Name: "search", Arguments: []byte(`{"q":"go"}`)}}

	ch, err := p.Stream(context.Background(), &llm.StreamRequest{
		Messages: []llm.Message{
			llm.NewSystemMessage("answer briefly"),
			llm.NewUserMessage("look this up"),
			assistant,
			llm.NewToolMessage("search_1", "search", "found it"),
		},
		Tools: []llm.ToolSchema{{Name: "search", Parameters: json.RawMessage(`{"type":"object"}`)}},
	})
	require.NoError(t, err)
	collect(ch)

	assert.Contains(t, path, "gemini-2.0-flash:streamGenerateContent")
	assert.Contains(t, path, "alt=sse")

	var req geminiRequest
	require.NoError(t, json.Unmarshal(captured, &req))

	require.NotNil(t, req.SystemInstruction)
	assert.Equal(t, "answer briefly", req.SystemInstruction.Parts[0].Text)

	require.Len(t, req.Contents, 3)
	assert.Equal(t, "user", req.Contents[0].Role)
	assert.Equal(t, "model", req.Contents[1].Role, "assistant mapped to model")
	require.NotNil(t, req.Contents[1].Parts[1].FunctionCall)

	// tool 结果转换为 functionResponse part
	fr := req.Contents[2].Parts[0].FunctionResponse
	require.NotNil(t, fr)
	assert.Equal(t, "search", fr.Name)
	assert.Equal(t, "found it", fr.Response["result"])

	require.Len(t, req.Tools, 1)
	require.Len(t, req.Tools[0].FunctionDeclarations, 1)
	assert.Equal(t, "search", req.Tools[0].FunctionDeclarations[0].Name)
}

// TestStream_AuthHeader tests x-goog-api-key auth.
func TestStream_AuthHeader(t *testing.T) {
	var key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key = r.Header.Get("x-goog-api-key")
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"candidates":[{"content":{"parts":[]},"finishReason":"STOP"}]}`+"\n\n")
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL)
	ch, err := p.Stream(context.Background(), &llm.StreamRequest{
		Messages: []llm.Message{llm.NewUserMessage("hi")},
	})
	require.NoError(t, err)
	collect(ch)

	assert.Equal(t, "AIza-test", key)
}

// TestNormalizeFinishReason tests Gemini finish-reason normalization.
func TestNormalizeFinishReason(t *testing.T) {
	assert.Equal(t, "stop", normalizeFinishReason("STOP"))
	assert.Equal(t, "length", normalizeFinishReason("MAX_TOKENS"))
	assert.Equal(t, "content_filter", normalizeFinishReason("SAFETY"))
	assert.Equal(t, "content_filter", normalizeFinishReason("RECITATION"))
	assert.Equal(t, "other", normalizeFinishReason("OTHER"))
}

// TestMapError tests the Gemini status table.
func TestMapError(t *testing.T) {
	got := mapError(400, "The input token count (2000000) exceeds the maximum", "gemini")
	assert.Equal(t, llm.ErrContextLength, got.Code)

	got = mapError(400, "invalid argument", "gemini")
	assert.Equal(t, llm.ErrInvalidRequest, got.Code)

	got = mapError(429, "quota exceeded", "gemini")
	assert.Equal(t, llm.ErrRateLimited, got.Code)
	assert.True(t, got.Retryable)

	got = mapError(503, "unavailable", "gemini")
	assert.True(t, got.Retryable)
}

// TestStream_ErrorBodyParsing tests the structured error payload surfaces
// in the mapped message.
func TestStream_ErrorBodyParsing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(429)
		fmt.Fprint(w, `{"error":{"code":429,"message":"Resource has been exhausted","status":"RESOURCE_EXHAUSTED"}}`)
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL)
	_, err := p.Stream(context.Background(), &llm.StreamRequest{
		Messages: []llm.Message{llm.NewUserMessage("hi")},
	})

	var lerr *llm.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, llm.ErrRateLimited, lerr.Code)
	assert.True(t, strings.Contains(lerr.Message, "RESOURCE_EXHAUSTED"))
}

// TestStream_EmptyPartsForwarded tests empty text parts act as keep-alive.
func TestStream_EmptyPartsForwarded(t *testing.T) {
	srv := sseServer(t, []string{
		`{"candidates":[{"content":{"role":"model","parts":[{"text":""}]},"index":0}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"ok"}]},"finishReason":"STOP","index":0}]}`,
	}, nil, nil)
	defer srv.Close()

	p := newTestProvider(srv.URL)
	ch, err := p.Stream(context.Background(), &llm.StreamRequest{
		Messages: []llm.Message{llm.NewUserMessage("hi")},
	})
	require.NoError(t, err)

	chunks := collect(ch)
	require.Len(t, chunks, 3)
	assert.Empty(t, chunks[0].Content)
	assert.Equal(t, "ok", chunks[1].Content)
	assert.Equal(t, llm.ChunkDone, chunks[2].Type)
}
