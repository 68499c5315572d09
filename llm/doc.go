/*
包 llm 定义流式执行核心的统一数据模型：消息、工具 Schema、
归一化流式块（StreamChunk）、错误语义与 Provider 抽象。

# 概述

不同模型服务商（OpenAI 兼容、Claude、Gemini）在流式协议、工具调用
格式和错误语义上互不兼容。本包提供与服务商无关的数据模型，所有
Provider 适配器必须把各自的 wire 格式映射到这里定义的类型上，
任何服务商特有的变体都不允许越过适配器边界。

# 核心类型

  - [Message]：会话消息（system / user / assistant / tool）
  - [StreamChunk]：归一化流式块（Content / ToolCallStart / ToolCallArgs /
    ToolCallDone / Done / Error 六种变体）
  - [ToolSchema]：工具的 JSON Schema 定义
  - [ModelConfig]：单次生成所用模型的完整解析配置（调用方提供）
  - [Error]：统一错误结构，携带稳定错误码与可重试标记
  - [Provider]：流式 LLM 适配接口
*/
package llm
