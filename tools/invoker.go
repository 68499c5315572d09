package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/HaoTian92/llmstream/llm"
)

// Result represents the outcome of one tool execution.
// 失败同样产出文本内容（IsError 置位），回馈给模型而不是中止生成。
type Result struct {
	ToolCallID string        `json:"tool_call_id"`
	Name       string        `json:"name"`
	Content    string        `json:"content"`
	IsError    bool          `json:"is_error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// ToMessage 把执行结果转换为 tool 角色消息。
func (r Result) ToMessage() llm.Message {
	return llm.NewToolMessage(r.ToolCallID, r.Name, r.Content)
}

// Invoker 执行工具调用：查找、参数校验、限流、超时与并行编排。
type Invoker struct {
	registry *Registry
	logger   *zap.Logger
}

// NewInvoker 创建工具执行器。
func NewInvoker(registry *Registry, logger *zap.Logger) *Invoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Invoker{
		registry: registry,
		logger:   logger.With(zap.String("component", "tool_invoker")),
	}
}

// Execute 执行单个工具调用。所有失败路径都返回携带错误文本的 Result，
// 从不向上抛传输级错误。
func (inv *Invoker) Execute(ctx context.Context, call llm.ToolCall, tctx Context) Result {
	start := time.Now()
	result := Result{ToolCallID: call.ID, Name: call.Name}

	fail := func(msg string) Result {
		result.Content = msg
		result.IsError = true
		result.Duration = time.Since(start)
		return result
	}

	fn, meta, err := inv.registry.Get(call.Name)
	if err != nil {
		inv.logger.Error("tool not found", zap.String("name", call.Name))
		return fail(fmt.Sprintf("tool not found: %s", call.Name))
	}

	if !inv.registry.allow(call.Name) {
		inv.logger.Warn("tool rate limit exceeded", zap.String("name", call.Name))
		return fail(fmt.Sprintf("rate limit exceeded for tool %s, try again later", call.Name))
	}

	if verr := validateArgs(call.Arguments, meta.Schema); verr != nil {
		inv.logger.Error("invalid tool arguments",
			zap.String("name", call.Name),
			zap.Error(verr))
		return fail(fmt.Sprintf("invalid arguments: %s", verr))
	}

	execCtx, cancel := context.WithTimeout(ctx, meta.Timeout)
	defer cancel()

	// 带缓冲的 channel 防止 goroutine 泄漏：超时后无人接收也能退出。
	done := make(chan struct {
		text string
		err  error
	}, 1)

	go func() {
		text, err := fn(execCtx, call.Arguments, tctx)
		select {
		case done <- struct {
			text string
			err  error
		}{text, err}:
		case <-execCtx.Done():
		}
	}()

	select {
	case d := <-done:
		result.Duration = time.Since(start)
		if d.err != nil {
			result.Content = fmt.Sprintf("tool execution failed: %s", d.err)
			result.IsError = true
			inv.logger.Error("tool execution failed",
				zap.String("name", call.Name),
				zap.Error(d.err),
				zap.Duration("duration", result.Duration))
			return result
		}
		result.Content = d.text
		inv.logger.Info("tool executed",
			zap.String("name", call.Name),
			zap.Duration("duration", result.Duration))
		return result

	case <-execCtx.Done():
		inv.logger.Warn("tool execution timed out",
			zap.String("name", call.Name),
			zap.Duration("timeout", meta.Timeout))
		return fail(fmt.Sprintf("tool execution timed out after %s", meta.Timeout))
	}
}

// ExecuteAll 并发执行同一轮的多个工具调用。
// 结果切片的顺序与 calls 的顺序严格一致（即模型下发调用的顺序），
// 与各调用的完成先后无关。
func (inv *Invoker) ExecuteAll(ctx context.Context, calls []llm.ToolCall, tctx Context) []Result {
	results := make([]Result, len(calls))
	if len(calls) == 0 {
		return results
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = inv.Execute(gctx, call, tctx)
			return nil
		})
	}
	// 工具失败以 Result 文本表达，errgroup 仅用于结构化并发。
	_ = g.Wait()
	return results
}

// validateArgs 按声明的 JSON Schema 做轻量校验：
// 参数必须是合法 JSON 对象，且 schema 的 required 字段全部在场。
func validateArgs(args json.RawMessage, schema llm.ToolSchema) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	var parsed map[string]json.RawMessage
	if err := json.Unmarshal(args, &parsed); err != nil {
		return fmt.Errorf("arguments are not a JSON object: %w", err)
	}

	if len(schema.Parameters) == 0 {
		return nil
	}
	var decl struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema.Parameters, &decl); err != nil {
		// Schema 本身不可解析时不拦截执行，由工具自行校验。
		return nil
	}
	for _, field := range decl.Required {
		if _, ok := parsed[field]; !ok {
			return fmt.Errorf("missing required argument %q", field)
		}
	}
	return nil
}
