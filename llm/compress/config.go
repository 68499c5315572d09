package compress

// StrategyKind 标识一种截断策略。
type StrategyKind string

const (
	// StrategyAttachments shortens embedded attachment text first.
	StrategyAttachments StrategyKind = "attachments"
	// StrategyHistory drops oldest turns, preserving the system prompt,
	// the most recent turns and the current turn.
	StrategyHistory StrategyKind = "history"
)

// Tier 是一档截断力度。编排层在上游报上下文超限时
// 切换到下一档重试一次。
type Tier struct {
	Name string `json:"name" yaml:"name"`

	// AttachmentTokenCap 是单个附件截断后的 token 上限。
	AttachmentTokenCap int `json:"attachment_token_cap" yaml:"attachment_token_cap"`

	// KeepRecentTurns 是历史截断时完整保留的最近轮数（不含当前轮）。
	KeepRecentTurns int `json:"keep_recent_turns" yaml:"keep_recent_turns"`
}

// Config 是一次生成所用的压缩配置，按模型加载、请求期间只读。
type Config struct {
	// ContextWindow 是模型声明的上下文窗口大小（token）。
	ContextWindow int `json:"context_window" yaml:"context_window"`

	// ReservedOutput 是为模型输出预留的 token 预算。
	ReservedOutput int `json:"reserved_output" yaml:"reserved_output"`

	// SafetyMargin 是预算目标系数（0~1]。估算器与上游真实分词存在
	// 偏差，留余量而不是贴着上限打。默认 0.95。
	SafetyMargin float64 `json:"safety_margin,omitempty" yaml:"safety_margin,omitempty"`

	// Strategies 是截断策略的应用顺序。默认 [attachments, history]。
	Strategies []StrategyKind `json:"strategies,omitempty" yaml:"strategies,omitempty"`

	// Tiers 是从宽松到严格排列的截断档位。默认两档（normal, aggressive）。
	Tiers []Tier `json:"tiers,omitempty" yaml:"tiers,omitempty"`
}

// DefaultTiers 返回默认的两档截断力度。
func DefaultTiers() []Tier {
	return []Tier{
		{Name: "normal", AttachmentTokenCap: 2000, KeepRecentTurns: 6},
		{Name: "aggressive", AttachmentTokenCap: 500, KeepRecentTurns: 2},
	}
}

// withDefaults 补齐零值字段，返回可直接使用的配置副本。
func (c Config) withDefaults() Config {
	if c.SafetyMargin <= 0 || c.SafetyMargin > 1 {
		c.SafetyMargin = 0.95
	}
	if len(c.Strategies) == 0 {
		c.Strategies = []StrategyKind{StrategyAttachments, StrategyHistory}
	}
	if len(c.Tiers) == 0 {
		c.Tiers = DefaultTiers()
	}
	return c
}

// Budget 返回本配置下输入侧可用的 token 预算。
func (c Config) Budget() int {
	c = c.withDefaults()
	b := c.ContextWindow - c.ReservedOutput
	if b < 0 {
		b = 0
	}
	return int(float64(b) * c.SafetyMargin)
}
