/*
包 metrics 提供基于 Prometheus 的流式执行指标采集。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制。所有指标按 namespace 隔离，按 provider/model 等
label 分组。

# 主要能力

  - 生成指标：生成总数（按终态分组）、生成耗时、进行中生成数 Gauge。
  - 流式指标：输出 chunk 总数、累计输出字符数。
  - 工具指标：工具调用总数（按工具名与成败分组）、工具执行耗时。
  - Token 指标：prompt / completion token 用量计数。
  - 压缩指标：压缩触发次数（按档位分组）、上下文溢出计数。
*/
package metrics
