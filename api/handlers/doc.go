// Package handlers 实现 llmstream HTTP API 的请求处理器。
//
// # 概述
//
// 处理器只做协议层工作：解码与校验请求、把生成事件泵到客户端连接、
// 把领域错误映射为 HTTP 状态码。生成语义全部在 orchestrator 包。
//
// # 核心类型
//
//   - GenerationHandler: 生成的发起（SSE/WebSocket）、快照与取消
//   - HealthHandler: 健康探针（/health, /healthz, /ready）
package handlers
