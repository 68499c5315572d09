package gateway

import (
	"context"

	"github.com/HaoTian92/llmstream/orchestrator"
)

// EventSink 把单个事件写到某个客户端连接。实现必须可安全地被
// 单个 goroutine 顺序调用；并发写保护由实现自理。
type EventSink interface {
	// Send 编码并写出一个事件。连接断开时返回错误。
	Send(ctx context.Context, ev orchestrator.Event) error

	// Close 结束下发并释放连接资源。
	Close() error
}

// Forward 把事件通道按序泵到 sink，直到通道关闭或写出失败。
// 写出失败时继续消费剩余事件（保证生成侧不因消费方断开而阻塞），
// 返回首个写出错误。
func Forward(ctx context.Context, events <-chan orchestrator.Event, sink EventSink) error {
	var firstErr error
	for ev := range events {
		if firstErr != nil {
			continue // 连接已断，只排空通道
		}
		if err := sink.Send(ctx, ev); err != nil {
			firstErr = err
		}
	}
	return firstErr
}
