package llm

import (
	"context"
	"fmt"
)

// StreamRequest 是一次 Provider 流式调用的完整输入。
// Messages 非空且最后一条的角色必须是 user 或 tool；Tools 可为空。
type StreamRequest struct {
	Messages []Message    `json:"messages"`
	Tools    []ToolSchema `json:"tools,omitempty"`
}

// Provider 定义了统一的流式 LLM 适配接口。
//
// Stream 返回的通道是有限且不可重放的：终止块（Done/Error）之后
// 通道关闭；ctx 取消后适配器关闭底层连接并停止发送，可能不再产生
// 终止块。适配器只做协议归一化与错误分类，重试策略在编排层。
type Provider interface {
	// Stream 发起流式请求，返回归一化块序列。
	Stream(ctx context.Context, req *StreamRequest) (<-chan StreamChunk, error)

	// HealthCheck 执行轻量级健康检查（用于上层路由探活/降级）。
	HealthCheck(ctx context.Context) (*HealthStatus, error)

	// Name 返回 Provider 的唯一标识。
	Name() string
}

// ValidateStreamRequest 校验适配器的公共输入约束：
// 消息非空，且最后一条的角色是 user 或 tool。
func ValidateStreamRequest(req *StreamRequest, provider string) *Error {
	if req == nil || len(req.Messages) == 0 {
		return &Error{
			Code:     ErrInvalidRequest,
			Message:  "messages must not be empty",
			Provider: provider,
		}
	}
	last := req.Messages[len(req.Messages)-1].Role
	if last != RoleUser && last != RoleTool {
		return &Error{
			Code:     ErrInvalidRequest,
			Message:  fmt.Sprintf("last message role must be user or tool, got %q", last),
			Provider: provider,
		}
	}
	return nil
}
