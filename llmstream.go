// Package llmstream provides a top-level convenience entry point that wires
// the streaming subsystem together from configuration.
//
// Usage:
//
//	import "github.com/HaoTian92/llmstream"
//
//	svc, err := llmstream.New(cfg, logger)
//	events, err := svc.Run(ctx, &orchestrator.GenerationRequest{...})
//
// This is a thin wrapper over the session manager, tool registry and
// orchestrator; applications with non-standard wiring can assemble those
// packages directly.
package llmstream

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/HaoTian92/llmstream/config"
	"github.com/HaoTian92/llmstream/internal/metrics"
	"github.com/HaoTian92/llmstream/internal/telemetry"
	"github.com/HaoTian92/llmstream/llm/retry"
	"github.com/HaoTian92/llmstream/orchestrator"
	"github.com/HaoTian92/llmstream/session"
	"github.com/HaoTian92/llmstream/tools"
)

// Service 把会话管理、工具注册表与编排器组装为一个可用的子系统。
type Service struct {
	Sessions *session.Manager
	Tools    *tools.Registry
	Metrics  *metrics.Collector

	orc       *orchestrator.Orchestrator
	telemetry *telemetry.Providers
	logger    *zap.Logger
}

// New 按配置组装子系统。cfg.Redis.Addr 非空时启用外部快照镜像，
// cfg.Telemetry.Enabled 时初始化 OTLP 追踪导出。
func New(cfg *config.Config, logger *zap.Logger) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("llmstream: config is required")
	}
	if logger == nil {
		var err error
		logger, err = NewLogger(cfg.Log)
		if err != nil {
			return nil, err
		}
	}

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("llmstream: init telemetry: %w", err)
	}

	var sessOpts []session.Option
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store, err := session.NewRedisStore(client, logger)
		if err != nil {
			return nil, fmt.Errorf("llmstream: connect redis: %w", err)
		}
		sessOpts = append(sessOpts, session.WithStore(store, cfg.Redis.SnapshotTTL))
	}

	sessions := session.NewManager(logger, sessOpts...)
	registry := tools.NewRegistry(logger)
	collector := metrics.NewCollector("llmstream", nil, logger)

	orc := orchestrator.New(sessions, registry, orchestrator.Config{
		MaxToolRounds:  cfg.Generation.MaxToolRounds,
		Timeout:        cfg.Generation.Timeout,
		MirrorInterval: cfg.Generation.MirrorInterval,
		Retry: &retry.Policy{
			MaxRetries:   cfg.Generation.Retry.MaxRetries,
			InitialDelay: cfg.Generation.Retry.InitialDelay,
			MaxDelay:     cfg.Generation.Retry.MaxDelay,
			Multiplier:   cfg.Generation.Retry.Multiplier,
			Jitter:       true,
		},
	}, logger, orchestrator.WithMetrics(collector))

	return &Service{
		Sessions:  sessions,
		Tools:     registry,
		Metrics:   collector,
		orc:       orc,
		telemetry: providers,
		logger:    logger,
	}, nil
}

// Run 启动一次生成，返回其事件流。
func (s *Service) Run(ctx context.Context, req *orchestrator.GenerationRequest) (<-chan orchestrator.Event, error) {
	return s.orc.Run(ctx, req)
}

// Cancel 取消 subtask 的活跃生成。无活跃生成时返回 false。
func (s *Service) Cancel(subtaskID string) bool {
	return s.orc.Cancel(subtaskID)
}

// Snapshot 查询生成进度快照，供断线重连对齐偏移。
func (s *Service) Snapshot(ctx context.Context, subtaskID string) (*session.Snapshot, error) {
	return s.Sessions.Snapshot(ctx, subtaskID)
}

// RegisterTool 向注册表注册一个工具。
func (s *Service) RegisterTool(name string, fn tools.Func, meta tools.Metadata) error {
	return s.Tools.Register(name, fn, meta)
}

// Shutdown 刷新并关闭遥测导出器。
func (s *Service) Shutdown(ctx context.Context) error {
	return s.telemetry.Shutdown(ctx)
}

// NewLogger 按日志配置构建 zap logger。
func NewLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	if cfg.Format == "console" {
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zc.DisableCaller = !cfg.EnableCaller
	zc.EncoderConfig.TimeKey = "ts"
	zc.Sampling = &zap.SamplingConfig{
		Initial:    100,
		Thereafter: 100,
	}
	return zc.Build()
}
