// Package config 提供 llmstream 的配置管理功能。
//
// 配置来源优先级为：默认值 → YAML 文件 → 环境变量。
// 模型档案（models）与压缩档位（compression.tiers）只能来自
// 文件，环境变量覆盖标量字段。
package config
