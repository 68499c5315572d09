package session

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// 取消原因，经 context.Cause 区分终态。
var (
	// ErrCancelled 表示用户主动取消。取消是正常终态，不是失败。
	ErrCancelled = errors.New("session: generation cancelled")

	// ErrTimeout 表示生成触达整体墙钟超时后自我取消。
	ErrTimeout = errors.New("session: generation timed out")
)

// Snapshot 是一次生成的只读状态快照，供重连路径查询。
// Text 为 UTF-8 字符串，Offset 是其字节长度 —— 重连客户端用
// "resume from offset N" 时语义无歧义。
type Snapshot struct {
	SubtaskID string    `json:"subtask_id"`
	Status    string    `json:"status"` // streaming|completed|error|cancelled
	Offset    int       `json:"offset"`
	Text      string    `json:"text"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Handle 是单个生成的取消句柄。Manager 拥有它；
// 编排层与外部取消路径只做查找引用，不负责其生命周期。
type Handle struct {
	subtaskID string
	ctx       context.Context
	cancel    context.CancelCauseFunc

	// snapshot 由生成循环独占写入，读取方通过原子指针取快照，
	// 查询路径与热路径互不阻塞。
	snapshot atomic.Pointer[Snapshot]
}

func newHandle(parent context.Context, subtaskID string) *Handle {
	ctx, cancel := context.WithCancelCause(parent)
	h := &Handle{subtaskID: subtaskID, ctx: ctx, cancel: cancel}
	h.snapshot.Store(&Snapshot{SubtaskID: subtaskID, Status: "streaming", UpdatedAt: time.Now()})
	return h
}

// SubtaskID 返回句柄对应的 subtask。
func (h *Handle) SubtaskID() string { return h.subtaskID }

// Context 返回生成循环应观察的 context。
func (h *Handle) Context() context.Context { return h.ctx }

// Cancelled 报告句柄是否已被取消。
func (h *Handle) Cancelled() bool {
	return h.ctx.Err() != nil
}

// CancelWithCause 以指定原因取消生成（ErrCancelled / ErrTimeout）。
func (h *Handle) CancelWithCause(cause error) {
	h.cancel(cause)
}

// Cause 返回取消原因；未取消时为 nil。
func (h *Handle) Cause() error {
	return context.Cause(h.ctx)
}

// UpdateSnapshot 发布新的状态快照。仅由拥有该生成的循环调用。
func (h *Handle) UpdateSnapshot(snap Snapshot) {
	snap.SubtaskID = h.subtaskID
	snap.UpdatedAt = time.Now()
	h.snapshot.Store(&snap)
}

// Snapshot 返回最近发布的状态快照。
func (h *Handle) Snapshot() Snapshot {
	return *h.snapshot.Load()
}
