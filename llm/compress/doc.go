/*
包 compress 提供确定性的上下文压缩：在消息列表超出模型 Token 预算时
按固定顺序应用截断策略，直到满足预算或判定为不可压缩。

# 概述

预算 = (context_window − reserved_output) × safety_margin。
策略按序应用，每个策略要么是 no-op 要么是一次缩减，预算满足即停：

 1. 附件截断：优先缩短消息内嵌的文档附件文本（单位 Token 的会话价值最低）。
 2. 历史截断：从最旧的轮次开始丢弃，始终完整保留 system 提示、
    最近 N 轮以及当前用户轮。

# 关键保证

  - Fit 返回调用方消息列表的（可能截断的）副本，从不原地修改输入。
  - Fit 幂等：对已压缩结果再次调用是 no-op。
  - 当前用户轮从不被丢弃；当前轮自身超出预算时返回 [ErrContextOverflow]
    而不是发出注定失败的请求。
  - 分层配置（Tier）支持在上游报上下文超限后按更严格档位重试一次。
*/
package compress
