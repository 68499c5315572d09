package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HaoTian92/llmstream/llm"
)

// TestExecute_Success tests the happy path carries output and duration.
func TestExecute_Success(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register("greet", func(ctx context.Context, args json.RawMessage, tctx Context) (string, error) {
		var in struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(args, &in)
		return "hello " + in.Name, nil
	}, Metadata{}))
	inv := NewInvoker(r, nil)

	res := inv.Execute(context.Background(), llm.ToolCall{
		ID: "call_1", Name: "greet", Arguments: []byte(`{"name":"bo"}`),
	}, Context{SubtaskID: "st-1"})

	assert.False(t, res.IsError)
	assert.Equal(t, "hello bo", res.Content)
	assert.Equal(t, "call_1", res.ToolCallID)
	assert.GreaterOrEqual(t, res.Duration, time.Duration(0))
}

// TestExecute_FailureBecomesResultContent tests that tool errors feed back
// to the model as text instead of aborting the generation.
func TestExecute_FailureBecomesResultContent(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register("flaky", func(context.Context, json.RawMessage, Context) (string, error) {
		return "", errors.New("backend unavailable")
	}, Metadata{}))
	inv := NewInvoker(r, nil)

	res := inv.Execute(context.Background(), llm.ToolCall{ID: "c1", Name: "flaky"}, Context{})

	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "backend unavailable")
}

// TestExecute_UnknownTool tests lookup failure is an error Result.
func TestExecute_UnknownTool(t *testing.T) {
	inv := NewInvoker(NewRegistry(nil), nil)

	res := inv.Execute(context.Background(), llm.ToolCall{ID: "c1", Name: "nope"}, Context{})

	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "tool not found")
}

// TestExecute_Timeout tests the per-tool deadline.
func TestExecute_Timeout(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register("sleepy", func(ctx context.Context, _ json.RawMessage, _ Context) (string, error) {
		select {
		case <-time.After(time.Second):
			return "done", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}, Metadata{Timeout: 20 * time.Millisecond}))
	inv := NewInvoker(r, nil)

	res := inv.Execute(context.Background(), llm.ToolCall{ID: "c1", Name: "sleepy"}, Context{})

	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "timed out")
}

// TestExecute_RequiredArgsValidated tests lightweight schema validation.
func TestExecute_RequiredArgsValidated(t *testing.T) {
	r := NewRegistry(nil)
	meta := Metadata{}
	meta.Schema = llm.ToolSchema{
		Name:       "lookup",
		Parameters: json.RawMessage(`{"type":"object","required":["query"],"properties":{"query":{"type":"string"}}}`),
	}
	require.NoError(t, r.Register("lookup", echoTool, meta))
	inv := NewInvoker(r, nil)

	res := inv.Execute(context.Background(), llm.ToolCall{
		ID: "c1", Name: "lookup", Arguments: []byte(`{"limit":3}`),
	}, Context{})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "query")

	res = inv.Execute(context.Background(), llm.ToolCall{
		ID: "c2", Name: "lookup", Arguments: []byte(`{"query":"go"}`),
	}, Context{})
	assert.False(t, res.IsError)
}

// TestExecute_MalformedArgs tests non-object arguments are rejected.
func TestExecute_MalformedArgs(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register("echo", echoTool, Metadata{}))
	inv := NewInvoker(r, nil)

	res := inv.Execute(context.Background(), llm.ToolCall{
		ID: "c1", Name: "echo", Arguments: []byte(`[1,2,3]`),
	}, Context{})

	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "invalid arguments")
}

// TestExecuteAll_PreservesCallOrder tests that results line up with the
// provider's call order regardless of completion timing.
func TestExecuteAll_PreservesCallOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("results[i] matches calls[i]", prop.ForAll(
		func(delays []int) bool {
			r := NewRegistry(nil)
			err := r.Register("sleep_echo", func(ctx context.Context, args json.RawMessage, _ Context) (string, error) {
				var in struct {
					Index int `json:"index"`
					Delay int `json:"delay"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return "", err
				}
				time.Sleep(time.Duration(in.Delay) * time.Millisecond)
				return fmt.Sprintf("result-%d", in.Index), nil
			}, Metadata{})
			if err != nil {
				return false
			}
			inv := NewInvoker(r, nil)

			calls := make([]llm.ToolCall, len(delays))
			for i, d := range delays {
				calls[i] = llm.ToolCall{
					ID:        fmt.Sprintf("call_%d", i),
					Name:      "sleep_echo",
					Arguments: []byte(fmt.Sprintf(`{"index":%d,"delay":%d}`, i, d)),
				}
			}

			results := inv.ExecuteAll(context.Background(), calls, Context{})
			if len(results) != len(calls) {
				return false
			}
			for i, res := range results {
				if res.ToolCallID != calls[i].ID {
					return false
				}
				if res.IsError || res.Content != fmt.Sprintf("result-%d", i) {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(5, gen.IntRange(0, 15)),
	))

	properties.TestingRun(t)
}

// TestExecuteAll_MixedOutcomes tests one failure does not poison siblings.
func TestExecuteAll_MixedOutcomes(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register("ok", func(context.Context, json.RawMessage, Context) (string, error) {
		return "fine", nil
	}, Metadata{}))
	require.NoError(t, r.Register("bad", func(context.Context, json.RawMessage, Context) (string, error) {
		return "", errors.New("boom")
	}, Metadata{}))
	inv := NewInvoker(r, nil)

	results := inv.ExecuteAll(context.Background(), []llm.ToolCall{
		{ID: "a", Name: "ok"},
		{ID: "b", Name: "bad"},
		{ID: "c", Name: "ok"},
	}, Context{})

	require.Len(t, results, 3)
	assert.False(t, results[0].IsError)
	assert.True(t, results[1].IsError)
	assert.False(t, results[2].IsError)
}

// TestExecuteAll_Empty tests zero calls return an empty slice.
func TestExecuteAll_Empty(t *testing.T) {
	inv := NewInvoker(NewRegistry(nil), nil)
	assert.Empty(t, inv.ExecuteAll(context.Background(), nil, Context{}))
}

// TestResult_ToMessage tests conversion into a tool-role message.
func TestResult_ToMessage(t *testing.T) {
	res := Result{ToolCallID: "c1", Name: "search", Content: "42"}
	msg := res.ToMessage()

	assert.Equal(t, llm.RoleTool, msg.Role)
	assert.Equal(t, "c1", msg.ToolCallID)
	assert.Equal(t, "search", msg.Name)
	assert.Equal(t, "42", msg.Content)
}
