package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/HaoTian92/llmstream/api"
	"github.com/HaoTian92/llmstream/config"
	"github.com/HaoTian92/llmstream/gateway"
	"github.com/HaoTian92/llmstream/llm"
	"github.com/HaoTian92/llmstream/orchestrator"
	"github.com/HaoTian92/llmstream/session"
)

// =============================================================================
// 🚿 生成接口 Handler
// =============================================================================

// Runner 是处理器依赖的生成子系统切面（便于测试替身）。
type Runner interface {
	Run(ctx context.Context, req *orchestrator.GenerationRequest) (<-chan orchestrator.Event, error)
	Cancel(subtaskID string) bool
	Snapshot(ctx context.Context, subtaskID string) (*session.Snapshot, error)
}

// GenerationHandler 生成接口处理器
type GenerationHandler struct {
	runner Runner
	cfg    *config.Config
	logger *zap.Logger
}

// NewGenerationHandler 创建生成处理器
func NewGenerationHandler(runner Runner, cfg *config.Config, logger *zap.Logger) *GenerationHandler {
	return &GenerationHandler{
		runner: runner,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "generation_handler")),
	}
}

// HandleStream 发起生成并以 SSE 下发事件
// @Summary 流式生成
// @Description 发起一次生成，事件以 text/event-stream 下发
// @Tags 生成
// @Accept json
// @Produce text/event-stream
// @Param request body api.GenerateRequest true "生成请求"
// @Success 200 {string} string "SSE 流"
// @Failure 400 {object} Response "无效请求"
// @Failure 409 {object} Response "子任务已有活跃生成"
// @Router /v1/generations [post]
func (h *GenerationHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.GenerateRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	genReq, err := h.buildRequest(&req)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	// 生成不挂在请求 context 上：客户端断线后生成继续跑，
	// 快照接口才有东西可续。断线只终止 Forward。
	// Run 之后不能再写 JSON 错误：事件通道已经打开
	events, err := h.runner.Run(context.WithoutCancel(r.Context()), genReq)
	if err != nil {
		h.writeRunError(w, err)
		return
	}

	sink, err := gateway.NewSSESink(w, h.logger)
	if err != nil {
		// 通道必须排空，否则生成 goroutine 阻塞
		for range events {
		}
		return
	}
	defer sink.Close()

	if err := gateway.Forward(r.Context(), events, sink); err != nil {
		h.logger.Debug("sse client gone", zap.String("subtask_id", req.SubtaskID), zap.Error(err))
	}
}

// HandleWebSocket 发起生成并以 WebSocket 下发事件。
// 请求体通过首个文本帧传递。
// @Summary WebSocket 流式生成
// @Tags 生成
// @Router /v1/generations/ws [get]
func (h *GenerationHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}

	ctx := r.Context()

	var req api.GenerateRequest
	if err := readJSONFrame(ctx, conn, &req); err != nil {
		_ = conn.Close(websocket.StatusInvalidFramePayloadData, "invalid request frame")
		return
	}

	genReq, err := h.buildRequest(&req)
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}

	// 断线不取消生成，见 HandleStream。
	events, err := h.runner.Run(context.WithoutCancel(ctx), genReq)
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}

	sink := gateway.NewWebSocketSink(conn, h.logger)
	defer sink.Close()

	if err := gateway.Forward(ctx, events, sink); err != nil {
		h.logger.Debug("websocket client gone", zap.String("subtask_id", req.SubtaskID), zap.Error(err))
	}
}

// HandleSnapshot 返回生成进度快照
// @Summary 生成快照
// @Description 返回生成的当前文本与偏移，供断线重连对齐
// @Tags 生成
// @Produce json
// @Param id path string true "子任务 ID"
// @Success 200 {object} api.SnapshotResponse "快照"
// @Failure 404 {object} Response "未知子任务"
// @Router /v1/generations/{id} [get]
func (h *GenerationHandler) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	subtaskID := pathTail(r.URL.Path, "/v1/generations/")
	if subtaskID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, llm.ErrInvalidRequest, "subtask id is required", h.logger)
		return
	}

	snap, err := h.runner.Snapshot(r.Context(), subtaskID)
	if err != nil {
		WriteErrorMessage(w, http.StatusNotFound, llm.ErrInvalidRequest, "unknown generation: "+subtaskID, h.logger)
		return
	}

	WriteSuccess(w, api.SnapshotResponse{
		SubtaskID: snap.SubtaskID,
		Status:    snap.Status,
		Offset:    snap.Offset,
		Text:      snap.Text,
		UpdatedAt: snap.UpdatedAt,
	})
}

// HandleCancel 取消活跃生成
// @Summary 取消生成
// @Description 协作式取消；无活跃生成时 cancelled=false
// @Tags 生成
// @Produce json
// @Param id path string true "子任务 ID"
// @Success 200 {object} api.CancelResponse "取消结果"
// @Router /v1/generations/{id}/cancel [post]
func (h *GenerationHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	subtaskID := pathTail(r.URL.Path, "/v1/generations/")
	subtaskID = strings.TrimSuffix(subtaskID, "/cancel")
	if subtaskID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, llm.ErrInvalidRequest, "subtask id is required", h.logger)
		return
	}

	cancelled := h.runner.Cancel(subtaskID)
	WriteSuccess(w, api.CancelResponse{
		Cancelled: cancelled,
		SubtaskID: subtaskID,
	})
}

// =============================================================================
// 🔧 内部辅助
// =============================================================================

// buildRequest 把 wire 请求转换为编排请求，解析模型档案。
func (h *GenerationHandler) buildRequest(req *api.GenerateRequest) (*orchestrator.GenerationRequest, error) {
	if req.SubtaskID == "" {
		return nil, &llm.Error{Code: llm.ErrInvalidRequest, Message: "subtask_id is required"}
	}
	if req.Message == "" {
		return nil, &llm.Error{Code: llm.ErrInvalidRequest, Message: "message is required"}
	}

	model, err := h.cfg.Model(req.Model)
	if err != nil {
		return nil, &llm.Error{Code: llm.ErrInvalidRequest, Message: err.Error()}
	}

	turn := llm.NewUserMessage(req.Message)
	if len(req.Attachments) > 0 {
		turn = turn.WithAttachments(req.Attachments)
	}

	return &orchestrator.GenerationRequest{
		TaskID:      req.TaskID,
		SubtaskID:   req.SubtaskID,
		UserID:      req.UserID,
		Model:       model,
		Compression: h.cfg.Compression,
		History:     req.History,
		CurrentTurn: turn,
		ToolNames:   req.Tools,
	}, nil
}

// writeRunError 区分重复生成（409）与参数错误（400）。
func (h *GenerationHandler) writeRunError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrAlreadyActive) {
		WriteErrorMessage(w, http.StatusConflict, llm.ErrInvalidRequest, err.Error(), h.logger)
		return
	}
	WriteErrorMessage(w, http.StatusBadRequest, llm.ErrInvalidRequest, err.Error(), h.logger)
}

func readJSONFrame(ctx context.Context, conn *websocket.Conn, dst interface{}) error {
	typ, data, err := conn.Read(ctx)
	if err != nil {
		return err
	}
	if typ != websocket.MessageText {
		return errors.New("expected text frame")
	}
	return unmarshalStrict(data, dst)
}

func pathTail(path, prefix string) string {
	tail := strings.TrimPrefix(path, prefix)
	if tail == path {
		return ""
	}
	return tail
}
