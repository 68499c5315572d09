package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/HaoTian92/llmstream"
	"github.com/HaoTian92/llmstream/api/handlers"
	"github.com/HaoTian92/llmstream/config"
	"github.com/HaoTian92/llmstream/internal/server"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 llmstream 的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 生成子系统
	service *llmstream.Service

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// Handlers
	healthHandler     *handlers.HealthHandler
	generationHandler *handlers.GenerationHandler
}

// NewServer 组装生成子系统与 HTTP 层。
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	service, err := llmstream.New(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init llmstream: %w", err)
	}

	return &Server{
		cfg:     cfg,
		logger:  logger,
		service: service,
	}, nil
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	s.initHandlers()

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.String("api_addr", s.cfg.Server.Addr),
		zap.String("metrics_addr", s.cfg.Server.MetricsAddr),
	)

	return nil
}

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.generationHandler = handlers.NewGenerationHandler(s.service, s.cfg, s.logger)
}

// startHTTPServer 启动 API 服务器
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// 健康检查端点
	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)

	// 版本信息端点
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// 生成 API 路由
	mux.HandleFunc("/v1/generations", s.generationHandler.HandleStream)
	mux.HandleFunc("/v1/generations/ws", s.generationHandler.HandleWebSocket)
	mux.HandleFunc("/v1/generations/", s.routeGeneration)

	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		OTelTracing(),
	)

	serverConfig := server.Config{
		Addr:            s.cfg.Server.Addr,
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     s.cfg.Server.IdleTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)
	return s.httpManager.Start()
}

// routeGeneration 分派 /v1/generations/{id} 下的子路由。
// 标准库 mux 无路径参数，按 method + 后缀手工分派。
func (s *Server) routeGeneration(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/cancel"):
		s.generationHandler.HandleCancel(w, r)
	case r.Method == http.MethodGet:
		s.generationHandler.HandleSnapshot(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.DefaultConfig()
	serverConfig.Addr = s.cfg.Server.MetricsAddr
	serverConfig.ShutdownTimeout = s.cfg.Server.ShutdownTimeout

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)
	return s.metricsManager.Start()
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 阻塞等待关闭信号，随后按序关闭所有组件。
func (s *Server) WaitForShutdown() {
	s.httpManager.WaitForShutdown()
	s.Shutdown()
}

// Shutdown 关闭 Metrics 服务器与生成子系统。
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown failed", zap.Error(err))
		}
	}

	if err := s.service.Shutdown(ctx); err != nil {
		s.logger.Error("service shutdown failed", zap.Error(err))
	}
}
