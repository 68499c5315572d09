/*
包 tools 提供工具注册与执行能力。

# 概述

Registry 持有可调用工具及其 JSON Schema；Invoker 负责查找、参数校验、
限流、超时控制与实际执行。同一轮内模型并行请求的多个工具调用会并发
执行，但结果按模型下发调用的顺序重组 —— 上游要求调用与结果顺序一致。

工具执行失败不是传输错误：失败以文本形式回馈给模型
（模型需要看到并响应工具失败），生成不会因此中止。

# 核心类型

  - [Registry]：读多写少的工具注册表；重复注册覆盖旧工具并记录日志
  - [Invoker]：工具执行器，单次与并行两种入口
  - [Context]：显式线程化的任务上下文（task/subtask/user），
    永不依赖隐式环境状态
*/
package tools
