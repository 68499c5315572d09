package tokenizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/HaoTian92/llmstream/llm"
)

// TestForModel_Selection tests tokenizer selection by provider family.
func TestForModel_Selection(t *testing.T) {
	tests := []struct {
		name string
		kind llm.ProviderKind
		model string
		want string
	}{
		{"openai gpt-4o uses tiktoken", llm.ProviderOpenAI, "gpt-4o", "tiktoken"},
		{"claude uses estimator", llm.ProviderClaude, "claude-sonnet-4", "estimator[claude]"},
		{"gemini uses estimator", llm.ProviderGemini, "gemini-2.0-flash", "estimator[gemini]"},
		{"unknown kind falls back to generic", llm.ProviderKind("other"), "x", "estimator[generic]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := ForModel(tt.kind, tt.model)
			require.NotNil(t, tk)
			assert.Contains(t, tk.Name(), tt.want)
		})
	}
}

// TestEstimator_ASCIIvsCJK tests that CJK text yields more tokens per char.
func TestEstimator_ASCIIvsCJK(t *testing.T) {
	tk := NewEstimatorTokenizer("claude", ratioClaude)

	ascii := strings.Repeat("a", 100)
	cjk := strings.Repeat("对", 100)

	asciiTokens := tk.CountTokens(ascii)
	cjkTokens := tk.CountTokens(cjk)

	// claude: 100/3.5 ≈ 28 vs 100/1.3 ≈ 76
	assert.Equal(t, 28, asciiTokens)
	assert.Equal(t, 76, cjkTokens)
	assert.Greater(t, cjkTokens, asciiTokens)
}

// TestEstimator_EmptyAndTiny tests boundary inputs.
func TestEstimator_EmptyAndTiny(t *testing.T) {
	tk := NewEstimatorTokenizer("generic", ratioGeneric)

	assert.Equal(t, 0, tk.CountTokens(""))
	// 非空文本至少 1 token
	assert.Equal(t, 1, tk.CountTokens("a"))
}

// TestEstimator_MessageOverhead tests per-message structural overhead.
func TestEstimator_MessageOverhead(t *testing.T) {
	tk := NewEstimatorTokenizer("generic", ratioGeneric)

	empty := llm.Message{Role: llm.RoleUser}
	withText := llm.NewUserMessage("hello world, this is a test")

	assert.Greater(t, tk.CountMessage(empty), 0, "empty message still costs structural tokens")
	assert.Greater(t, tk.CountMessage(withText), tk.CountMessage(empty))
}

// TestEstimator_AttachmentsCounted tests that attachment text contributes.
func TestEstimator_AttachmentsCounted(t *testing.T) {
	tk := NewEstimatorTokenizer("generic", ratioGeneric)

	bare := llm.NewUserMessage("check this file")
	attached := bare.WithAttachments([]llm.Attachment{
		{Name: "notes.txt", MimeType: "text/plain", Text: strings.Repeat("data ", 200)},
	})

	assert.Greater(t, tk.CountMessage(attached), tk.CountMessage(bare)+100)
}

// TestEstimator_Deterministic tests that counting is a pure function.
func TestEstimator_Deterministic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		text := rapid.String().Draw(rt, "text")
		tk := NewEstimatorTokenizer("claude", ratioClaude)

		first := tk.CountTokens(text)
		for i := 0; i < 3; i++ {
			assert.Equal(rt, first, tk.CountTokens(text))
		}
		if text != "" {
			assert.GreaterOrEqual(rt, first, 1)
		}
	})
}

// TestTiktoken_KnownCounts tests real BPE counting on stable inputs.
func TestTiktoken_KnownCounts(t *testing.T) {
	tk, err := NewTiktokenTokenizer("gpt-4o")
	if err != nil {
		t.Skipf("tiktoken unavailable: %v", err)
	}

	assert.Equal(t, 0, tk.CountTokens(""))
	assert.Greater(t, tk.CountTokens("hello world"), 0)
	// 长文本 token 数应远小于字符数
	long := strings.Repeat("the quick brown fox ", 100)
	assert.Less(t, tk.CountTokens(long), len(long))
}

// TestCountMessages_SumsWithTrailer tests list counting includes the trailer.
func TestCountMessages_SumsWithTrailer(t *testing.T) {
	tk := NewEstimatorTokenizer("generic", ratioGeneric)

	msgs := []llm.Message{
		llm.NewSystemMessage("you are helpful"),
		llm.NewUserMessage("hi"),
	}
	sum := tk.CountMessage(msgs[0]) + tk.CountMessage(msgs[1])
	assert.Equal(t, sum+3, tk.CountMessages(msgs))
}
