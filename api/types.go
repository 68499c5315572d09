package api

import (
	"time"

	"github.com/HaoTian92/llmstream/llm"
)

// =============================================================================
// 生成请求类型
// =============================================================================

// GenerateRequest 是发起一次流式生成的请求体。
// @Description 流式生成请求结构
type GenerateRequest struct {
	// 所属任务 ID
	TaskID string `json:"task_id,omitempty" example:"task-42"`
	// 子任务 ID，生成的唯一键（同一子任务同时只允许一个活跃生成）
	SubtaskID string `json:"subtask_id" example:"subtask-7" binding:"required"`
	// 用户身份
	UserID string `json:"user_id,omitempty" example:"user-1"`
	// 配置中的模型档案名（非上游模型名）
	Model string `json:"model" example:"default" binding:"required"`
	// 会话历史（含 system 提示），按会话顺序排列
	History []llm.Message `json:"history,omitempty"`
	// 本轮用户输入
	Message string `json:"message" binding:"required"`
	// 本轮附带的文档附件
	Attachments []llm.Attachment `json:"attachments,omitempty"`
	// 对模型可见的工具名单（须已注册）
	Tools []string `json:"tools,omitempty"`
}

// CancelResponse 是取消请求的响应体。
type CancelResponse struct {
	// 是否找到并取消了活跃生成
	Cancelled bool `json:"cancelled"`
	// 子任务 ID
	SubtaskID string `json:"subtask_id"`
}

// SnapshotResponse 是生成进度快照的响应体。
type SnapshotResponse struct {
	SubtaskID string    `json:"subtask_id"`
	Status    string    `json:"status"`
	Offset    int       `json:"offset"`
	Text      string    `json:"text"`
	UpdatedAt time.Time `json:"updated_at"`
}
