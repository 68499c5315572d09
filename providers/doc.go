/*
包 providers 汇集各模型服务商的流式适配器实现。

# 概述

每个子包对应一种上游 wire 格式（openaicompat / claude / gemini），
负责三件事：把统一消息与工具 Schema 翻译成服务商要求的 JSON 形状、
把服务商的流式事件归一化为 [llm.StreamChunk] 序列、按状态码映射表
把 HTTP 错误分类为可重试/不可重试的 [llm.Error]。

适配器从不在内部重试 —— 重试策略位于编排层，保证二者可独立测试。
适配器在每个块边界观察 ctx 取消：一旦取消即关闭底层连接并停止发送。

新增服务商 = 新增一个子包并在 [New] 的工厂表中登记一行，
编排层没有任何按服务商分支的代码。
*/
package providers
