package providers

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/HaoTian92/llmstream/llm"
	"github.com/HaoTian92/llmstream/providers/claude"
	"github.com/HaoTian92/llmstream/providers/gemini"
	"github.com/HaoTian92/llmstream/providers/openaicompat"
)

// factories 是 ProviderKind → 适配器构造函数的登记表。
var factories = map[llm.ProviderKind]func(llm.ModelConfig, *zap.Logger) llm.Provider{
	llm.ProviderOpenAI: func(cfg llm.ModelConfig, l *zap.Logger) llm.Provider {
		return openaicompat.NewProvider(cfg, l)
	},
	llm.ProviderClaude: func(cfg llm.ModelConfig, l *zap.Logger) llm.Provider {
		return claude.NewProvider(cfg, l)
	},
	llm.ProviderGemini: func(cfg llm.ModelConfig, l *zap.Logger) llm.Provider {
		return gemini.NewProvider(cfg, l)
	},
}

// New 按 ModelConfig.Kind 构造对应的流式适配器。
// 配置由调用方完整解析后传入，适配器在单次生成内不可变。
func New(cfg llm.ModelConfig, logger *zap.Logger) (llm.Provider, error) {
	factory, ok := factories[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("providers: unsupported provider kind %q", cfg.Kind)
	}
	return factory(cfg, logger), nil
}
