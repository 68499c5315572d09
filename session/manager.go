package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrAlreadyActive 表示该 subtask 已有进行中的生成。
var ErrAlreadyActive = errors.New("session: generation already active for subtask")

// Store 是快照的共享镜像存储，用于多进程重连。实现必须可并发使用。
type Store interface {
	Save(ctx context.Context, snap Snapshot, ttl time.Duration) error
	Load(ctx context.Context, subtaskID string) (*Snapshot, error)
	Delete(ctx context.Context, subtaskID string) error
}

// Manager 跟踪所有进行中的生成，按 subtask 键控。
// 注册表只通过 Register / Cancel / Unregister 三个原子操作访问，
// 调用方从不迭代或直接持锁。
type Manager struct {
	mu     sync.Mutex
	active map[string]*Handle

	store    Store // 可选的跨进程镜像
	storeTTL time.Duration
	logger   *zap.Logger
}

// Option 配置 Manager。
type Option func(*Manager)

// WithStore 启用共享存储镜像（如 RedisStore），供其他进程服务重连。
func WithStore(store Store, ttl time.Duration) Option {
	return func(m *Manager) {
		m.store = store
		if ttl > 0 {
			m.storeTTL = ttl
		}
	}
}

// NewManager 创建会话管理器。
func NewManager(logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		active:   make(map[string]*Handle),
		storeTTL: 30 * time.Minute,
		logger:   logger.With(zap.String("component", "session_manager")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register 为 subtask 登记一次生成并返回其取消句柄。
// 该 subtask 已有进行中的生成时返回 ErrAlreadyActive ——
// 「每个 subtask 至多一个并发生成」在这里强制，不留给调用方。
func (m *Manager) Register(ctx context.Context, subtaskID string) (*Handle, error) {
	if subtaskID == "" {
		return nil, fmt.Errorf("session: subtask id must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[subtaskID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyActive, subtaskID)
	}

	h := newHandle(ctx, subtaskID)
	m.active[subtaskID] = h

	m.logger.Info("generation registered", zap.String("subtask_id", subtaskID))
	return h, nil
}

// Cancel 取消指定 subtask 的生成。没有进行中的生成时返回 false ——
// 取消不存在或已结束的生成是合法的 no-op，不是错误。
func (m *Manager) Cancel(subtaskID string) bool {
	m.mu.Lock()
	h, ok := m.active[subtaskID]
	m.mu.Unlock()

	if !ok {
		m.logger.Debug("cancel requested for inactive subtask", zap.String("subtask_id", subtaskID))
		return false
	}

	h.CancelWithCause(ErrCancelled)
	m.logger.Info("generation cancel signalled", zap.String("subtask_id", subtaskID))
	return true
}

// Unregister 注销生成。每条终态路径（含 panic 恢复路径）都必须调用，
// 避免句柄泄漏；对未注册的 id 是 no-op。
func (m *Manager) Unregister(subtaskID string) {
	m.mu.Lock()
	h, ok := m.active[subtaskID]
	delete(m.active, subtaskID)
	m.mu.Unlock()

	if !ok {
		return
	}

	// 兜底取消，释放派生的 context 资源。
	h.CancelWithCause(context.Canceled)
	m.logger.Info("generation unregistered", zap.String("subtask_id", subtaskID))
}

// Lookup 返回进行中生成的句柄（弱引用：仅查找，不转移所有权）。
func (m *Manager) Lookup(subtaskID string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.active[subtaskID]
	return h, ok
}

// ActiveCount 返回进行中生成的数量。
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Snapshot 返回生成的只读状态快照，从不阻塞生成循环。
// 本进程没有该生成且配置了 Store 时，回落到共享存储
// （可能由其他进程产生）。
func (m *Manager) Snapshot(ctx context.Context, subtaskID string) (*Snapshot, error) {
	m.mu.Lock()
	h, ok := m.active[subtaskID]
	m.mu.Unlock()

	if ok {
		snap := h.Snapshot()
		return &snap, nil
	}
	if m.store != nil {
		return m.store.Load(ctx, subtaskID)
	}
	return nil, fmt.Errorf("session: no state for subtask %s", subtaskID)
}

// Mirror 把快照写入共享存储（若配置）。调用方负责节流；
// 写失败只记日志，从不影响生成。
func (m *Manager) Mirror(ctx context.Context, snap Snapshot) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(ctx, snap, m.storeTTL); err != nil {
		m.logger.Warn("snapshot mirror failed",
			zap.String("subtask_id", snap.SubtaskID),
			zap.Error(err))
	}
}
