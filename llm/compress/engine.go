package compress

import (
	"errors"

	"go.uber.org/zap"

	"github.com/HaoTian92/llmstream/llm"
	"github.com/HaoTian92/llmstream/llm/tokenizer"
)

// ErrContextOverflow 表示当前轮自身超出预算，压缩无法挽救。
// 这是预检的硬失败：部分截断当前用户轮没有意义，请求不该发出。
var ErrContextOverflow = errors.New("compress: current turn alone exceeds token budget")

// truncationMarker 追加在被截断文本的末尾，提示模型内容不完整。
const truncationMarker = "\n…[content truncated]"

// Engine 是确定性的上下文压缩引擎。
// Engine 本身无状态，可在多个生成间并发复用；所有输入只读。
type Engine struct {
	tk     tokenizer.Tokenizer
	logger *zap.Logger
}

// NewEngine 创建压缩引擎。logger 为 nil 时退化为 Nop。
func NewEngine(tk tokenizer.Tokenizer, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		tk:     tk,
		logger: logger.With(zap.String("component", "compress")),
	}
}

// EstimateTokens 估算消息列表的 token 数。
func (e *Engine) EstimateTokens(msgs []llm.Message) int {
	return e.tk.CountMessages(msgs)
}

// Fit 以最宽松档位压缩 history+current 到预算内。
// 返回输入的（可能截断的）副本，从不修改调用方的切片。
func (e *Engine) Fit(history []llm.Message, current llm.Message, cfg Config) ([]llm.Message, error) {
	return e.FitTier(history, current, cfg, 0)
}

// FitTier 以指定档位压缩。tierIndex 越界时使用最严格档。
// 对已满足预算的输入是 no-op（幂等）。
func (e *Engine) FitTier(history []llm.Message, current llm.Message, cfg Config, tierIndex int) ([]llm.Message, error) {
	cfg = cfg.withDefaults()
	if tierIndex < 0 {
		tierIndex = 0
	}
	if tierIndex >= len(cfg.Tiers) {
		tierIndex = len(cfg.Tiers) - 1
	}
	tier := cfg.Tiers[tierIndex]
	budget := cfg.Budget()

	msgs := make([]llm.Message, 0, len(history)+1)
	msgs = append(msgs, history...)
	msgs = append(msgs, current)

	total := e.tk.CountMessages(msgs)
	if total <= budget {
		return msgs, nil
	}

	e.logger.Info("compressing context",
		zap.Int("tokens", total),
		zap.Int("budget", budget),
		zap.String("tier", tier.Name))

	for _, s := range cfg.Strategies {
		switch s {
		case StrategyAttachments:
			msgs = e.truncateAttachments(msgs, tier.AttachmentTokenCap)
		case StrategyHistory:
			msgs = e.truncateHistory(msgs, budget, tier.KeepRecentTurns)
		default:
			e.logger.Warn("unknown compression strategy", zap.String("strategy", string(s)))
		}
		if e.tk.CountMessages(msgs) <= budget {
			return msgs, nil
		}
	}

	// 最后手段：只留 system 提示与当前轮。
	minimal := make([]llm.Message, 0, 2)
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			minimal = append(minimal, m)
		}
	}
	minimal = append(minimal, msgs[len(msgs)-1])

	if got := e.tk.CountMessages(minimal); got > budget {
		e.logger.Warn("context overflow: current turn cannot fit",
			zap.Int("tokens", got),
			zap.Int("budget", budget))
		return nil, ErrContextOverflow
	}
	return minimal, nil
}

// truncateAttachments 把每条消息中超限的附件文本截断到上限。
// 已满足上限的附件原样保留，保证幂等。
func (e *Engine) truncateAttachments(msgs []llm.Message, tokenCap int) []llm.Message {
	if tokenCap <= 0 {
		return msgs
	}

	out := make([]llm.Message, len(msgs))
	copy(out, msgs)

	for i, m := range out {
		oversized := false
		for _, att := range m.Attachments {
			if e.tk.CountTokens(att.Text) > tokenCap {
				oversized = true
				break
			}
		}
		if !oversized {
			continue
		}

		// 修改前复制附件切片，避免触碰调用方的数据。
		atts := make([]llm.Attachment, len(m.Attachments))
		copy(atts, m.Attachments)
		for j, att := range atts {
			if e.tk.CountTokens(att.Text) > tokenCap {
				atts[j].Text = e.truncateText(att.Text, tokenCap)
			}
		}
		out[i].Attachments = atts

		e.logger.Debug("attachments truncated",
			zap.Int("message_index", i),
			zap.Int("token_cap", tokenCap))
	}
	return out
}

// truncateText 确定性地把文本截断到不超过 maxTokens。
func (e *Engine) truncateText(text string, maxTokens int) string {
	if e.tk.CountTokens(text) <= maxTokens {
		return text
	}

	runes := []rune(text)
	total := e.tk.CountTokens(text)
	keep := len(runes) * maxTokens / total
	for keep > 0 {
		candidate := string(runes[:keep]) + truncationMarker
		if e.tk.CountTokens(candidate) <= maxTokens {
			return candidate
		}
		keep = keep * 9 / 10
	}
	return ""
}

// truncateHistory 从最旧的消息开始丢弃。两个阶段：
// 先丢未保护区（最近 keepRecent 轮之前的消息），仍超预算时
// 连最近轮一起丢，但 system 提示与当前轮（末位）永不丢弃。
func (e *Engine) truncateHistory(msgs []llm.Message, budget, keepRecent int) []llm.Message {
	if len(msgs) <= 1 {
		return msgs
	}

	current := msgs[len(msgs)-1]
	var system []llm.Message
	var middle []llm.Message
	for _, m := range msgs[:len(msgs)-1] {
		if m.Role == llm.RoleSystem {
			system = append(system, m)
		} else {
			middle = append(middle, m)
		}
	}

	// 保护区起点：从后往前数 keepRecent 个 user 轮。
	protectFrom := len(middle)
	turns := 0
	for i := len(middle) - 1; i >= 0; i-- {
		if middle[i].Role == llm.RoleUser {
			turns++
			if turns >= keepRecent {
				protectFrom = i
				break
			}
		}
	}
	if turns < keepRecent {
		protectFrom = 0
	}

	assemble := func(kept []llm.Message) []llm.Message {
		// 丢弃可能留下开头的孤儿 tool 消息（其 assistant 调用已被丢），
		// 上游会拒绝这种序列。
		for len(kept) > 0 && kept[0].Role == llm.RoleTool {
			kept = kept[1:]
		}
		out := make([]llm.Message, 0, len(system)+len(kept)+1)
		out = append(out, system...)
		out = append(out, kept...)
		out = append(out, current)
		return out
	}

	// 阶段一：丢未保护区，最旧优先。
	drop := 0
	for drop < protectFrom {
		if e.tk.CountMessages(assemble(middle[drop:])) <= budget {
			return assemble(middle[drop:])
		}
		drop++
	}

	// 阶段二：预算压过保护目标，继续丢最近轮（当前轮除外）。
	for drop < len(middle) {
		if e.tk.CountMessages(assemble(middle[drop:])) <= budget {
			return assemble(middle[drop:])
		}
		drop++
	}
	return assemble(nil)
}
