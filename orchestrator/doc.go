/*
包 orchestrator 实现流式生成的核心状态机。

# 概述

一次 Run 对应一次端到端的生成：
压缩预检 → 上游流式调用 →（工具执行 → 再次上游调用）* → 终态。

状态机：Idle → Streaming → {ToolExecuting → Streaming}* →
Completed | Cancelled | Errored。终态不再迁移。

编排层持有全部重试策略：可重试的上游错误在此做有界退避重试；
上游报上下文超限时切换更严格的压缩档位把整个回合重试一次。
适配器只做归一化，从不重试。

同一生成的事件严格保序（上游下发顺序端到端保持）；不同 subtask 的
生成完全并行，除 SessionManager 注册表外不共享任何可变状态。
StreamingState 仅由拥有它的 Run goroutine 写入，重连查询走
session.Handle 的原子快照。

# 核心类型

  - [Orchestrator]：状态机驱动器，每次 Run 独立 goroutine
  - [GenerationRequest]：一次生成的完整输入（§外部接口）
  - [Event]：下发给网关的规范事件（stream_start / stream_chunk /
    tool_start / tool_done / stream_done / stream_error）
  - [StreamingState]：单一所有者的生成内可变状态
*/
package orchestrator
