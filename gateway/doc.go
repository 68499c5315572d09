/*
包 gateway 把编排层的规范事件流下发到客户端连接。

# 概述

编排层产出 Event 通道，网关只做一件事：按序把事件编码后写到
传输层。提供 WebSocket（github.com/coder/websocket）与 SSE 两种
Sink，以及把事件通道泵到 Sink 的 Forward。

网关不包含路由、鉴权等外层 HTTP 基础设施，Sink 从已建立的连接
上创建。

# 核心类型

  - [EventSink]：事件下发的抽象
  - [WebSocketSink]：JSON 文本帧，写操作互斥保护
  - [SSESink]：text/event-stream，逐事件 Flush
*/
package gateway
