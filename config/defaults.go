// =============================================================================
// 📦 llmstream 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"time"

	"github.com/HaoTian92/llmstream/llm"
	"github.com/HaoTian92/llmstream/llm/compress"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Log:         DefaultLogConfig(),
		Server:      DefaultServerConfig(),
		Redis:       DefaultRedisConfig(),
		Telemetry:   DefaultTelemetryConfig(),
		Generation:  DefaultGenerationConfig(),
		Compression: DefaultCompressionConfig(),
		Models:      map[string]llm.ModelConfig{},
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		EnableCaller: true,
	}
}

// DefaultServerConfig 返回默认 HTTP 服务配置。
// 写超时为 0：流式下发的连接生命周期由生成超时控制。
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":8080",
		MetricsAddr:     ":9090",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    0,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置（默认不启用镜像）
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:        "",
		DB:          0,
		SnapshotTTL: 30 * time.Minute,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:     false,
		ServiceName: "llmstream",
		SampleRate:  1.0,
	}
}

// DefaultGenerationConfig 返回默认生成编排配置
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		Timeout:        5 * time.Minute,
		MaxToolRounds:  8,
		MirrorInterval: 500 * time.Millisecond,
		Retry: RetryConfig{
			MaxRetries:   3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Multiplier:   2.0,
		},
	}
}

// DefaultCompressionConfig 返回默认压缩配置
func DefaultCompressionConfig() compress.Config {
	return compress.Config{
		ReservedOutput: 4096,
		SafetyMargin:   0.95,
		Strategies:     []compress.StrategyKind{compress.StrategyAttachments, compress.StrategyHistory},
		Tiers:          compress.DefaultTiers(),
	}
}
