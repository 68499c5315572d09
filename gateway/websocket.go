package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/HaoTian92/llmstream/orchestrator"
)

// WebSocketSink 把事件编码为 JSON 文本帧下发。写操作通过 mutex
// 保护，因为 WebSocket 不支持并发写。
type WebSocketSink struct {
	conn   *websocket.Conn
	logger *zap.Logger
	mu     sync.Mutex // 保护写操作
	closed bool
}

// NewWebSocketSink 从已建立的 WebSocket 连接创建下发端。
func NewWebSocketSink(conn *websocket.Conn, logger *zap.Logger) *WebSocketSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketSink{
		conn:   conn,
		logger: logger.With(zap.String("component", "ws_sink")),
	}
}

// Send 将事件序列化为 JSON 并通过 WebSocket 发送。
func (w *WebSocketSink) Send(ctx context.Context, ev orchestrator.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("sink closed")
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := w.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Close 关闭 WebSocket 连接。
func (w *WebSocketSink) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.conn.Close(websocket.StatusNormalClosure, "stream finished"); err != nil {
		w.logger.Debug("websocket close", zap.Error(err))
		return err
	}
	return nil
}
