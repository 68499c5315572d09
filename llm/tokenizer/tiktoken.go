package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/HaoTian92/llmstream/llm"
)

// TiktokenTokenizer 为 OpenAI 家族模型提供 tiktoken 精确计数。
type TiktokenTokenizer struct {
	model    string
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	initErr  error
}

// 模型编码表：模型名（前缀）→ tiktoken 编码。
var modelEncodings = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4o-mini":   "o200k_base",
	"gpt-4.1":       "o200k_base",
	"gpt-4-turbo":   "cl100k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
}

// NewTiktokenTokenizer 为给定模型创建 tiktoken 分词器。
// 未知模型回退到 cl100k_base。
func NewTiktokenTokenizer(model string) (*TiktokenTokenizer, error) {
	encoding, ok := modelEncodings[model]
	if !ok {
		// 尝试前缀匹配。
		for prefix, e := range modelEncodings {
			if len(model) >= len(prefix) && model[:len(prefix)] == prefix {
				encoding = e
				ok = true
				break
			}
		}
	}
	if !ok {
		encoding = "cl100k_base"
	}

	return &TiktokenTokenizer{model: model, encoding: encoding}, nil
}

// init lazily 初始化 tiktoken 编码（首次使用时可能下载数据）。
func (t *TiktokenTokenizer) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

func (t *TiktokenTokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if err := t.init(); err != nil {
		// 编码数据不可用时退化为估算，计数接口保持确定性。
		return NewEstimatorTokenizer(t.model, ratioOpenAI).CountTokens(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

func (t *TiktokenTokenizer) CountMessage(msg llm.Message) int {
	return countMessageWith(t.CountTokens, msg)
}

func (t *TiktokenTokenizer) CountMessages(msgs []llm.Message) int {
	return countMessagesWith(t.CountMessage, msgs)
}

func (t *TiktokenTokenizer) Name() string {
	return fmt.Sprintf("tiktoken[%s]", t.encoding)
}
