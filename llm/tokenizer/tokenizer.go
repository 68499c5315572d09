package tokenizer

import (
	"github.com/HaoTian92/llmstream/llm"
)

// Tokenizer 是统一的 Token 计数接口。
// 计数必须是确定性的：同一输入永远得到同一结果，
// 否则截断策略无法做到可测试、可复现。
type Tokenizer interface {
	// CountTokens 返回给定文本的 token 数。
	CountTokens(text string) int

	// CountMessage 返回单条消息的 token 数，
	// 含角色标记、分隔符与附件文本的开销。
	CountMessage(msg llm.Message) int

	// CountMessages 返回消息列表的总 token 数。
	CountMessages(msgs []llm.Message) int

	// Name 返回分词器的名称。
	Name() string
}

// ForModel 按模型家族选择分词器。选择是表驱动的纯函数，
// 不依赖任何进程级可变状态。
func ForModel(kind llm.ProviderKind, model string) Tokenizer {
	switch kind {
	case llm.ProviderOpenAI:
		if t, err := NewTiktokenTokenizer(model); err == nil {
			return t
		}
		return NewEstimatorTokenizer("openai-fallback", ratioOpenAI)
	case llm.ProviderClaude:
		return NewEstimatorTokenizer("claude", ratioClaude)
	case llm.ProviderGemini:
		return NewEstimatorTokenizer("gemini", ratioGemini)
	default:
		return NewEstimatorTokenizer("generic", ratioGeneric)
	}
}

// countMessageWith 汇总一条消息的全部文本开销，各实现共用。
func countMessageWith(count func(string) int, msg llm.Message) int {
	// 每条消息约 4 token 的结构开销（角色标记、分隔符）。
	total := 4
	total += count(msg.Content)
	total += count(string(msg.Role))
	for _, att := range msg.Attachments {
		total += count(att.Text) + 2
	}
	for _, tc := range msg.ToolCalls {
		total += count(tc.Name) + count(string(tc.Arguments))
	}
	return total
}

func countMessagesWith(one func(llm.Message) int, msgs []llm.Message) int {
	total := 0
	for _, m := range msgs {
		total += one(m)
	}
	// 会话结束开销。
	return total + 3
}
