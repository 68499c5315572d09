// Package api defines the HTTP wire types for the llmstream API.
//
// # API Overview
//
// llmstream exposes a small RESTful + streaming surface:
//   - POST /v1/generations             — start a generation, events via SSE
//   - GET  /v1/generations/ws          — start a generation over WebSocket
//   - GET  /v1/generations/{id}        — snapshot of a running/finished generation
//   - POST /v1/generations/{id}/cancel — cooperative cancellation
//   - GET  /health, /healthz, /ready   — health probes
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
//
// Prometheus metrics are served on a separate listener (default :9090).
package api
