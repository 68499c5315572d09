package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/HaoTian92/llmstream/llm"
)

// Func defines the tool function signature. 任务上下文显式传参，
// 不走 context.Value 之类的隐式通道。
type Func func(ctx context.Context, args json.RawMessage, tctx Context) (string, error)

// Context 是工具执行时可见的任务上下文。
type Context struct {
	TaskID    string `json:"task_id"`
	SubtaskID string `json:"subtask_id"`
	UserID    string `json:"user_id"`
}

// RateLimit 定义工具级限流配置。
type RateLimit struct {
	PerSecond float64 // 每秒允许的调用数
	Burst     int     // 突发容量
}

// Metadata describes tool metadata.
type Metadata struct {
	Schema    llm.ToolSchema // Tool JSON Schema
	Timeout   time.Duration  // 执行超时（默认 30s）
	RateLimit *RateLimit     // 限流配置（可选）
}

type entry struct {
	fn      Func
	meta    Metadata
	limiter *rate.Limiter
}

// Registry 是读多写少的工具注册表。注册发生在请求装配期，
// 读取发生在生成热路径，读写都经由内部锁，调用方从不直接迭代。
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]entry
	logger *zap.Logger
}

// NewRegistry 创建工具注册表。
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:  make(map[string]entry),
		logger: logger.With(zap.String("component", "tool_registry")),
	}
}

// Register 注册工具。重名时覆盖旧工具并记录日志（工具可能随新请求
// 重新加载），不报错。
func (r *Registry) Register(name string, fn Func, meta Metadata) error {
	if name == "" {
		return fmt.Errorf("tools: tool name must not be empty")
	}
	if fn == nil {
		return fmt.Errorf("tools: tool %s has nil func", name)
	}

	if meta.Schema.Name == "" {
		meta.Schema.Name = name
	}
	if meta.Schema.Name != name {
		return fmt.Errorf("tools: name mismatch: schema.Name=%s, register name=%s", meta.Schema.Name, name)
	}
	if meta.Timeout == 0 {
		meta.Timeout = 30 * time.Second
	}

	e := entry{fn: fn, meta: meta}
	if meta.RateLimit != nil && meta.RateLimit.PerSecond > 0 {
		burst := meta.RateLimit.Burst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(meta.RateLimit.PerSecond), burst)
	}

	r.mu.Lock()
	_, overwrite := r.tools[name]
	r.tools[name] = e
	r.mu.Unlock()

	if overwrite {
		r.logger.Info("tool re-registered, previous definition overwritten", zap.String("name", name))
	} else {
		r.logger.Info("tool registered", zap.String("name", name), zap.Duration("timeout", meta.Timeout))
	}
	return nil
}

// Unregister 移除工具；不存在时报错。
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; !exists {
		return fmt.Errorf("tools: tool %s not found", name)
	}
	delete(r.tools, name)
	r.logger.Info("tool unregistered", zap.String("name", name))
	return nil
}

// Get 返回工具函数与元数据。
func (r *Registry) Get(name string) (Func, Metadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.tools[name]
	if !ok {
		return nil, Metadata{}, fmt.Errorf("tools: tool %s not found", name)
	}
	return e.fn, e.meta, nil
}

// Has 判断工具是否已注册。
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Schemas 返回指定名称集合的工具 Schema（按入参顺序）。
// 未注册的名称被跳过并记录日志；names 为空返回空集。
func (r *Registry) Schemas(names []string) []llm.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]llm.ToolSchema, 0, len(names))
	for _, name := range names {
		e, ok := r.tools[name]
		if !ok {
			r.logger.Warn("requested tool not registered", zap.String("name", name))
			continue
		}
		out = append(out, e.meta.Schema)
	}
	return out
}

// allow 检查限流；无限流配置时直接放行。
func (r *Registry) allow(name string) bool {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok || e.limiter == nil {
		return true
	}
	return e.limiter.Allow()
}
