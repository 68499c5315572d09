package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/HaoTian92/llmstream/orchestrator"
)

// SSESink 把事件以 text/event-stream 格式写到 HTTP 响应。
// 每个事件写出后立即 Flush，事件类型放在 event: 行便于客户端
// 按类型订阅。
type SSESink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	logger  *zap.Logger
	closed  bool
}

// NewSSESink 在响应上建立 SSE 下发端并写出流式响应头。
// ResponseWriter 不支持 Flush 时返回错误。
func NewSSESink(w http.ResponseWriter, logger *zap.Logger) (*SSESink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSESink{
		w:       w,
		flusher: flusher,
		logger:  logger.With(zap.String("component", "sse_sink")),
	}, nil
}

// Send 写出一个 SSE 事件帧并 Flush。
func (s *SSESink) Send(ctx context.Context, ev orchestrator.Event) error {
	if s.closed {
		return fmt.Errorf("sink closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return fmt.Errorf("sse write: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// Close 标记下发结束。SSE 连接由 HTTP handler 返回时关闭。
func (s *SSESink) Close() error {
	s.closed = true
	return nil
}
