/*
Package main 提供 llmstream 服务端程序入口。

# 概述

cmd/llmstream 是流式生成子系统的可执行入口，提供 HTTP API 服务、
健康检查和版本查询等子命令。程序支持 YAML 配置文件加载、结构化
日志（zap）、Prometheus 指标采集与 OTLP 链路追踪。

# 核心类型

  - Server        — 主服务器，管理 API、Metrics 双端口及优雅关闭
  - Middleware    — HTTP 中间件函数签名 func(http.Handler) http.Handler
  - statusWriter  — 包装 http.ResponseWriter 以捕获状态码（透传 Flush）

# 主要能力

  - 子命令：serve（启动服务）、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    OTelTracing
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：信号监听 → 关闭 HTTP → 关闭 Metrics → 关闭子系统
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
