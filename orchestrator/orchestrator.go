package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/HaoTian92/llmstream/internal/metrics"
	"github.com/HaoTian92/llmstream/llm"
	"github.com/HaoTian92/llmstream/llm/compress"
	"github.com/HaoTian92/llmstream/llm/retry"
	"github.com/HaoTian92/llmstream/llm/tokenizer"
	"github.com/HaoTian92/llmstream/providers"
	"github.com/HaoTian92/llmstream/session"
	"github.com/HaoTian92/llmstream/tools"
)

// 编排层自有的错误码，与 llm.ErrorCode 共用一个事件字段。
const (
	errCodeContextOverflow  = "CONTEXT_OVERFLOW"
	errCodeToolLoopExceeded = "TOOL_LOOP_EXCEEDED"
	errCodeTimeout          = "GENERATION_TIMEOUT"
	errCodeInternal         = "INTERNAL"
)

// GenerationRequest 是一次生成的完整输入。History 与 CurrentTurn
// 在 Run 期间视为只读。
type GenerationRequest struct {
	TaskID    string
	SubtaskID string
	UserID    string

	Model       llm.ModelConfig
	Compression compress.Config

	// History 是会话历史（含 system 提示），CurrentTurn 是本次用户轮。
	History     []llm.Message
	CurrentTurn llm.Message

	// ToolNames 选取注册表中对模型可见的工具子集；空表示无工具。
	ToolNames []string
}

// Config 控制编排层行为。零值字段取默认。
type Config struct {
	// MaxToolRounds 是单次生成允许的工具执行轮数上限，默认 8。
	MaxToolRounds int

	// Timeout 是单次生成的墙钟超时，默认 5 分钟。超时按独立终态
	// 上报，与用户取消可区分。
	Timeout time.Duration

	// Retry 是上游可重试错误的退避策略，nil 取 retry.DefaultPolicy。
	Retry *retry.Policy

	// MirrorInterval 是快照写入外部存储的节流间隔，默认 500ms。
	// 进程内快照每个 chunk 都更新，不受此限制。
	MirrorInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = 8
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.MirrorInterval <= 0 {
		c.MirrorInterval = 500 * time.Millisecond
	}
	return c
}

// Orchestrator 驱动流式生成状态机。并发生成之间除会话注册表外
// 不共享可变状态，可安全并发调用 Run。
type Orchestrator struct {
	sessions  *session.Manager
	registry  *tools.Registry
	invoker   *tools.Invoker
	collector *metrics.Collector
	logger    *zap.Logger
	tracer    trace.Tracer
	cfg       Config

	// newProvider 默认为 providers.New，测试时注入假实现。
	newProvider func(llm.ModelConfig, *zap.Logger) (llm.Provider, error)
}

// Option 配置 Orchestrator 的可选依赖。
type Option func(*Orchestrator)

// WithMetrics 接入 Prometheus 指标收集。
func WithMetrics(c *metrics.Collector) Option {
	return func(o *Orchestrator) { o.collector = c }
}

// WithProviderFactory 替换 Provider 构造函数（测试用）。
func WithProviderFactory(fn func(llm.ModelConfig, *zap.Logger) (llm.Provider, error)) Option {
	return func(o *Orchestrator) { o.newProvider = fn }
}

// New 创建编排器。
func New(sessions *session.Manager, registry *tools.Registry, cfg Config, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		sessions:    sessions,
		registry:    registry,
		invoker:     tools.NewInvoker(registry, logger),
		logger:      logger.With(zap.String("component", "orchestrator")),
		tracer:      otel.Tracer("llmstream/orchestrator"),
		cfg:         cfg.withDefaults(),
		newProvider: providers.New,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run 启动一次生成并返回其事件流。注册失败（同 subtask 已有活跃
// 生成）或 Provider 构造失败时直接返回错误，不产生事件。
//
// 返回后生成在独立 goroutine 中推进；事件通道在终态事件之后关闭。
// 取消通过 SessionManager.Cancel 触发，对事件流的效果是尽快出现
// 携带部分输出的终态事件。
func (o *Orchestrator) Run(ctx context.Context, req *GenerationRequest) (<-chan Event, error) {
	if req.SubtaskID == "" {
		return nil, fmt.Errorf("orchestrator: subtask id is required")
	}
	if req.CurrentTurn.Role != llm.RoleUser {
		return nil, fmt.Errorf("orchestrator: current turn must have role user, got %q", req.CurrentTurn.Role)
	}

	handle, err := o.sessions.Register(ctx, req.SubtaskID)
	if err != nil {
		return nil, err
	}

	provider, err := o.newProvider(req.Model, o.logger)
	if err != nil {
		o.sessions.Unregister(req.SubtaskID)
		return nil, err
	}

	events := make(chan Event, 16)
	go o.drive(handle, provider, req, events)
	return events, nil
}

// Cancel 请求取消 subtask 的活跃生成。无活跃生成时为幂等空操作。
func (o *Orchestrator) Cancel(subtaskID string) bool {
	return o.sessions.Cancel(subtaskID)
}

// drive 在独立 goroutine 中推进状态机直到终态。所有退出路径
// （含 panic）都注销会话并关闭事件通道。
func (o *Orchestrator) drive(handle *session.Handle, provider llm.Provider, req *GenerationRequest, events chan<- Event) {
	state := newState(req)
	start := time.Now()

	defer close(events)
	defer o.sessions.Unregister(req.SubtaskID)

	if o.collector != nil {
		o.collector.GenerationStarted()
		defer func() {
			o.collector.GenerationFinished(string(req.Model.Kind), req.Model.Model, string(state.status), time.Since(start))
		}()
	}

	runCtx, cancel := context.WithTimeoutCause(handle.Context(), o.cfg.Timeout, session.ErrTimeout)
	defer cancel()

	runCtx, span := o.tracer.Start(runCtx, "orchestrator.Run",
		trace.WithAttributes(
			attribute.String("subtask_id", req.SubtaskID),
			attribute.String("provider", string(req.Model.Kind)),
			attribute.String("model", req.Model.Model),
		))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("generation panicked",
				zap.String("subtask_id", req.SubtaskID),
				zap.Any("panic", r))
			span.SetStatus(codes.Error, "panic")
			o.fail(state, handle, events, errCodeInternal, fmt.Sprintf("internal error: %v", r))
		}
	}()

	o.emit(runCtx, events, newEvent(EventStreamStart, req.TaskID, req.SubtaskID))
	handle.UpdateSnapshot(state.snapshot())

	tk := tokenizer.ForModel(req.Model.Kind, req.Model.Model)
	engine := compress.NewEngine(tk, o.logger)

	cfg := req.Compression
	if cfg.ContextWindow == 0 {
		cfg.ContextWindow = req.Model.ContextWindow
	}

	tier := 0
	msgs, err := engine.FitTier(req.History, req.CurrentTurn, cfg, tier)
	if err != nil {
		if o.collector != nil {
			o.collector.ContextOverflow()
		}
		span.SetStatus(codes.Error, "context overflow")
		o.fail(state, handle, events, errCodeContextOverflow, err.Error())
		return
	}
	if o.collector != nil {
		o.collector.CompressionApplied(tierName(cfg, tier))
	}

	// 当前用户轮在 msgs 中的位置。工具往返追加在它之后，
	// 中途重新压缩时受保护的是它，不是列表末位。
	userIdx := len(msgs) - 1

	toolSchemas := o.registry.Schemas(req.ToolNames)
	retryer := retry.NewBackoffRetryer(o.retryPolicy(req), o.logger)
	lastMirror := start

	rounds := 0
	for {
		var turn *turnResult
		streamErr := retryer.Do(runCtx, func() error {
			var err error
			turn, err = o.streamTurn(runCtx, provider, req, msgs, toolSchemas, state, events, &lastMirror)
			return err
		})

		if streamErr != nil {
			if cause := cancellationCause(runCtx, streamErr); cause != nil {
				o.finishCancelled(state, handle, events, cause)
				return
			}

			// 上下文超限：切到下一档压缩把整个回合重试一次。
			var lerr *llm.Error
			if errors.As(streamErr, &lerr) && lerr.IsContextLength() && tier+1 < len(tiers(cfg)) {
				tier++
				o.logger.Warn("context length rejected, retrying at stricter tier",
					zap.String("subtask_id", req.SubtaskID),
					zap.String("tier", tierName(cfg, tier)))
				// 只压缩用户轮之前的历史。用户轮之后的工具往返
				// 必须按序原样保留，其 token 从预算中扣除。
				tail := msgs[userIdx+1:]
				tierCfg := cfg
				tierCfg.ReservedOutput += engine.EstimateTokens(tail)
				refit, ferr := engine.FitTier(msgs[:userIdx], msgs[userIdx], tierCfg, tier)
				if ferr == nil {
					userIdx = len(refit) - 1
					msgs = append(refit, tail...)
					if o.collector != nil {
						o.collector.CompressionApplied(tierName(cfg, tier))
					}
					continue
				}
				streamErr = ferr
			}

			span.SetStatus(codes.Error, streamErr.Error())
			o.fail(state, handle, events, errorCode(streamErr), streamErr.Error())
			return
		}

		state.setFinish(turn.finish)

		if len(turn.calls) == 0 {
			o.finishCompleted(state, handle, events)
			span.SetStatus(codes.Ok, "")
			return
		}

		rounds++
		if rounds > o.cfg.MaxToolRounds {
			o.fail(state, handle, events, errCodeToolLoopExceeded,
				fmt.Sprintf("tool execution exceeded %d rounds", o.cfg.MaxToolRounds))
			span.SetStatus(codes.Error, "tool loop exceeded")
			return
		}

		msgs = o.executeTools(runCtx, req, turn, msgs, state, events)
		if runCtx.Err() != nil {
			o.finishCancelled(state, handle, events, context.Cause(runCtx))
			return
		}
	}
}

// turnResult 汇总一次上游流式调用的产出。
type turnResult struct {
	finish string
	text   string         // 本次调用累计的助手文本（拼入对话用）
	calls  []llm.ToolCall // 按上游下发顺序
}

// pendingCall 聚合分片下发的工具调用参数。
type pendingCall struct {
	name string
	args []byte
}

// streamTurn 执行一次上游流式调用：转发内容块、聚合工具调用分片、
// 捕获 finish reason 与用量。可重试错误原样返回给重试层。
func (o *Orchestrator) streamTurn(
	ctx context.Context,
	provider llm.Provider,
	req *GenerationRequest,
	msgs []llm.Message,
	toolSchemas []llm.ToolSchema,
	state *StreamingState,
	events chan<- Event,
	lastMirror *time.Time,
) (*turnResult, error) {
	ch, err := provider.Stream(ctx, &llm.StreamRequest{Messages: msgs, Tools: toolSchemas})
	if err != nil {
		return nil, err
	}

	open := map[string]*pendingCall{}
	turn := &turnResult{}
	sawTerminal := false
	textStart := state.Offset()

	for chunk := range ch {
		switch chunk.Type {
		case llm.ChunkContent:
			offset := state.Offset()
			if chunk.Content != "" {
				offset = state.Append(chunk.Content)
			}
			ev := newEvent(EventStreamChunk, req.TaskID, req.SubtaskID)
			ev.Delta = chunk.Content
			ev.Offset = offset
			if !o.emit(ctx, events, ev) {
				return nil, context.Cause(ctx)
			}
			if o.collector != nil {
				o.collector.ChunkEmitted(string(req.Model.Kind), req.Model.Model, len(chunk.Content))
			}
			o.mirror(ctx, state, lastMirror)

		case llm.ChunkToolCallStart:
			open[chunk.ToolCallID] = &pendingCall{
				name: chunk.ToolName,
				args: []byte(chunk.ArgsDelta),
			}

		case llm.ChunkToolCallArgs:
			if pc, ok := open[chunk.ToolCallID]; ok {
				pc.args = append(pc.args, chunk.ArgsDelta...)
			}

		case llm.ChunkToolCallDone:
			pc, ok := open[chunk.ToolCallID]
			if !ok {
				continue
			}
			delete(open, chunk.ToolCallID)
			args := pc.args
			if len(args) == 0 {
				args = []byte("{}")
			}
			turn.calls = append(turn.calls, llm.ToolCall{
				ID:        chunk.ToolCallID,
				Name:      pc.name,
				Arguments: json.RawMessage(args),
			})

		case llm.ChunkDone:
			sawTerminal = true
			turn.finish = chunk.FinishReason
			if chunk.Usage != nil {
				state.AddUsage(*chunk.Usage)
				if o.collector != nil {
					o.collector.TokensUsed(string(req.Model.Kind), req.Model.Model,
						chunk.Usage.PromptTokens, chunk.Usage.CompletionTokens)
				}
			}

		case llm.ChunkError:
			return nil, chunk.Err
		}
	}

	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}
	if !sawTerminal {
		// 连接中断但上下文仍在：按可重试的传输错误处理。
		return nil, llm.TransportError(string(req.Model.Kind), "stream ended without terminal chunk")
	}

	turn.text = state.Text()[textStart:]
	return turn, nil
}

// executeTools 并行执行本轮全部工具调用，按上游顺序下发事件并把
// assistant / tool 消息拼回对话。
func (o *Orchestrator) executeTools(
	ctx context.Context,
	req *GenerationRequest,
	turn *turnResult,
	msgs []llm.Message,
	state *StreamingState,
	events chan<- Event,
) []llm.Message {
	ctx, span := o.tracer.Start(ctx, "orchestrator.executeTools",
		trace.WithAttributes(attribute.Int("tool_calls", len(turn.calls))))
	defer span.End()

	for _, call := range turn.calls {
		ev := newEvent(EventToolStart, req.TaskID, req.SubtaskID)
		ev.ToolCallID = call.ID
		ev.ToolName = call.Name
		ev.ToolArgs = call.Arguments
		o.emit(ctx, events, ev)
	}

	results := o.invoker.ExecuteAll(ctx, turn.calls, tools.Context{
		TaskID:    req.TaskID,
		SubtaskID: req.SubtaskID,
		UserID:    req.UserID,
	})

	assistant := llm.NewAssistantMessage(turn.text)
	assistant.ToolCalls = turn.calls
	msgs = append(msgs, assistant)

	for i, res := range results {
		ev := newEvent(EventToolDone, req.TaskID, req.SubtaskID)
		ev.ToolCallID = res.ToolCallID
		ev.ToolName = res.Name
		ev.ToolResult = res.Content
		ev.ToolError = res.IsError
		ev.DurationMS = res.Duration.Milliseconds()
		o.emit(ctx, events, ev)

		if o.collector != nil {
			o.collector.ToolExecuted(res.Name, res.IsError, res.Duration)
		}
		state.AddStep(Step{
			ToolCallID: res.ToolCallID,
			ToolName:   res.Name,
			Args:       turn.calls[i].Arguments,
			Result:     res.Content,
			IsError:    res.IsError,
			DurationMS: res.Duration.Milliseconds(),
		})
		msgs = append(msgs, res.ToMessage())
	}
	return msgs
}

// finishCompleted 发出正常终态事件。
func (o *Orchestrator) finishCompleted(state *StreamingState, handle *session.Handle, events chan<- Event) {
	state.setStatus(StatusCompleted)
	o.publishSnapshot(handle, state)

	ev := newEvent(EventStreamDone, state.taskID, state.subtaskID)
	ev.Status = StatusCompleted
	ev.Text = state.Text()
	ev.Offset = state.Offset()
	ev.FinishReason = state.finish
	ev.Steps = state.steps
	if state.usage != (llm.Usage{}) {
		u := state.usage
		ev.Usage = &u
	}
	o.emitTerminal(events, ev)
}

// finishCancelled 发出取消/超时终态，携带已累计的部分输出。
func (o *Orchestrator) finishCancelled(state *StreamingState, handle *session.Handle, events chan<- Event, cause error) {
	if errors.Is(cause, session.ErrTimeout) {
		state.setStatus(StatusError)
		o.publishSnapshot(handle, state)

		ev := newEvent(EventStreamError, state.taskID, state.subtaskID)
		ev.Status = StatusError
		ev.ErrorCode = errCodeTimeout
		ev.ErrorMsg = "generation exceeded wall-clock timeout"
		ev.Text = state.Text()
		ev.Offset = state.Offset()
		ev.Steps = state.steps
		o.emitTerminal(events, ev)
		return
	}

	state.setStatus(StatusCancelled)
	o.publishSnapshot(handle, state)

	ev := newEvent(EventStreamDone, state.taskID, state.subtaskID)
	ev.Status = StatusCancelled
	ev.FinishReason = "cancelled"
	ev.Text = state.Text()
	ev.Offset = state.Offset()
	ev.Steps = state.steps
	o.emitTerminal(events, ev)
}

// fail 发出错误终态，携带已累计的部分输出。
func (o *Orchestrator) fail(state *StreamingState, handle *session.Handle, events chan<- Event, code, msg string) {
	state.setStatus(StatusError)
	o.publishSnapshot(handle, state)

	ev := newEvent(EventStreamError, state.taskID, state.subtaskID)
	ev.Status = StatusError
	ev.ErrorCode = code
	ev.ErrorMsg = msg
	ev.Text = state.Text()
	ev.Offset = state.Offset()
	ev.Steps = state.steps
	o.emitTerminal(events, ev)
}

// emit 向事件通道发送一个事件。消费方停止读取且上下文已取消时
// 返回 false。
func (o *Orchestrator) emit(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// emitTerminal 尽力发送终态事件。消费方长时间不读则丢弃并记日志，
// 避免生成 goroutine 永久阻塞。
func (o *Orchestrator) emitTerminal(events chan<- Event, ev Event) {
	select {
	case events <- ev:
	case <-time.After(5 * time.Second):
		o.logger.Warn("terminal event dropped, consumer not reading",
			zap.String("subtask_id", ev.SubtaskID),
			zap.String("event_type", string(ev.Type)))
	}
}

// publishSnapshot 更新进程内快照并同步镜像到外部存储。
func (o *Orchestrator) publishSnapshot(handle *session.Handle, state *StreamingState) {
	snap := state.snapshot()
	handle.UpdateSnapshot(snap)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	o.sessions.Mirror(ctx, snap)
}

// mirror 做节流的外部存储镜像，进程内快照每次都更新。
func (o *Orchestrator) mirror(ctx context.Context, state *StreamingState, lastMirror *time.Time) {
	snap := state.snapshot()
	if h, ok := o.sessions.Lookup(state.subtaskID); ok {
		h.UpdateSnapshot(snap)
	}
	if time.Since(*lastMirror) < o.cfg.MirrorInterval {
		return
	}
	*lastMirror = time.Now()
	o.sessions.Mirror(ctx, snap)
}

func (o *Orchestrator) retryPolicy(req *GenerationRequest) *retry.Policy {
	policy := o.cfg.Retry
	if policy == nil {
		policy = retry.DefaultPolicy()
	}
	p := *policy
	if p.Retryable == nil {
		p.Retryable = func(err error) bool {
			var lerr *llm.Error
			return errors.As(err, &lerr) && lerr.Retryable
		}
	}
	prev := p.OnRetry
	p.OnRetry = func(attempt int, err error, delay time.Duration) {
		if o.collector != nil {
			o.collector.ProviderRetry(string(req.Model.Kind))
		}
		if prev != nil {
			prev(attempt, err, delay)
		}
	}
	return &p
}

// cancellationCause 判断错误是否源自 Run 上下文取消，是则返回
// 具体原因（用户取消或超时）。
func cancellationCause(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, session.ErrCancelled) || errors.Is(err, session.ErrTimeout) {
		return context.Cause(ctx)
	}
	// 上下文已取消但错误来自别处：仍按取消收尾，部分输出保留。
	return context.Cause(ctx)
}

func errorCode(err error) string {
	var lerr *llm.Error
	if errors.As(err, &lerr) {
		return string(lerr.Code)
	}
	if errors.Is(err, compress.ErrContextOverflow) {
		return errCodeContextOverflow
	}
	return errCodeInternal
}

func tiers(cfg compress.Config) []compress.Tier {
	if len(cfg.Tiers) == 0 {
		return compress.DefaultTiers()
	}
	return cfg.Tiers
}

func tierName(cfg compress.Config, idx int) string {
	ts := tiers(cfg)
	if idx >= 0 && idx < len(ts) {
		return ts[idx].Name
	}
	return fmt.Sprintf("tier_%d", idx)
}
