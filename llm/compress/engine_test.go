package compress

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/HaoTian92/llmstream/llm"
	"github.com/HaoTian92/llmstream/llm/tokenizer"
)

func newTestEngine() *Engine {
	return NewEngine(tokenizer.ForModel(llm.ProviderKind("generic"), "test"), nil)
}

func testConfig(window int) Config {
	return Config{
		ContextWindow:  window,
		ReservedOutput: 20,
	}
}

// TestFit_NoopWithinBudget tests that compression never touches input
// that already fits.
func TestFit_NoopWithinBudget(t *testing.T) {
	e := newTestEngine()
	history := []llm.Message{
		llm.NewSystemMessage("be brief"),
		llm.NewUserMessage("hi"),
		llm.NewAssistantMessage("hello"),
	}
	current := llm.NewUserMessage("what is 2+2?")

	out, err := e.Fit(history, current, testConfig(10000))
	require.NoError(t, err)
	require.Len(t, out, len(history)+1)
	for i, m := range history {
		assert.Equal(t, m.Content, out[i].Content)
	}
	assert.Equal(t, current.Content, out[len(out)-1].Content)
}

// TestFit_AttachmentsTruncatedFirst tests the attachment strategy runs
// before history dropping and appends the truncation marker.
func TestFit_AttachmentsTruncatedFirst(t *testing.T) {
	e := newTestEngine()
	big := strings.Repeat("attachment data line. ", 500)
	history := []llm.Message{
		llm.NewSystemMessage("be brief"),
		llm.NewUserMessage("summarize this").WithAttachments([]llm.Attachment{
			{Name: "doc.txt", MimeType: "text/plain", Text: big},
		}),
		llm.NewAssistantMessage("it is a document"),
	}
	current := llm.NewUserMessage("and the key points?")

	cfg := testConfig(1200)
	cfg.Tiers = []Tier{{Name: "normal", AttachmentTokenCap: 100, KeepRecentTurns: 6}}

	out, err := e.Fit(history, current, cfg)
	require.NoError(t, err)

	// 历史轮全部保留，只有附件被截断
	require.Len(t, out, len(history)+1)
	att := out[1].Attachments[0]
	assert.True(t, strings.HasSuffix(att.Text, truncationMarker))
	assert.LessOrEqual(t, e.tk.CountTokens(att.Text), 100)
	// 原始输入未被修改
	assert.Equal(t, big, history[1].Attachments[0].Text)
}

// TestFit_DropsOldestTurns tests history truncation order and the
// system/current protection.
func TestFit_DropsOldestTurns(t *testing.T) {
	e := newTestEngine()
	filler := strings.Repeat("lorem ipsum dolor sit amet ", 20)

	history := []llm.Message{llm.NewSystemMessage("system prompt")}
	for i := 0; i < 10; i++ {
		history = append(history, llm.NewUserMessage("question "+filler))
		history = append(history, llm.NewAssistantMessage("answer "+filler))
	}
	current := llm.NewUserMessage("final question")

	cfg := testConfig(600)
	cfg.Tiers = []Tier{{Name: "normal", AttachmentTokenCap: 2000, KeepRecentTurns: 2}}

	out, err := e.Fit(history, current, cfg)
	require.NoError(t, err)

	assert.Equal(t, llm.RoleSystem, out[0].Role, "system prompt survives")
	assert.Equal(t, "final question", out[len(out)-1].Content, "current turn survives")
	assert.Less(t, len(out), len(history)+1, "oldest turns dropped")
	assert.LessOrEqual(t, e.EstimateTokens(out), cfg.Budget())
}

// TestFit_OrphanToolMessagesRemoved tests that dropping an assistant
// tool-call turn also removes its now-orphaned tool results.
func TestFit_OrphanToolMessagesRemoved(t *testing.T) {
	e := newTestEngine()
	filler := strings.Repeat("result payload ", 40)

	assistant := llm.NewAssistantMessage("")
	assistant.ToolCalls = []llm.ToolCall{{ID: "call_1", Name: "search", Arguments: []byte(`{}`)}}

	history := []llm.Message{
		llm.NewSystemMessage("sys"),
		llm.NewUserMessage("old question " + filler),
		assistant,
		llm.NewToolMessage("call_1", "search", filler),
		llm.NewAssistantMessage("old answer " + filler),
		llm.NewUserMessage("recent question"),
		llm.NewAssistantMessage("recent answer"),
	}
	current := llm.NewUserMessage("now?")

	cfg := testConfig(150)
	cfg.Tiers = []Tier{{Name: "tight", AttachmentTokenCap: 2000, KeepRecentTurns: 1}}

	out, err := e.Fit(history, current, cfg)
	require.NoError(t, err)

	for i, m := range out {
		if m.Role == llm.RoleTool {
			require.Greater(t, i, 0)
			prev := out[i-1]
			hasCall := false
			for _, tc := range prev.ToolCalls {
				if tc.ID == m.ToolCallID {
					hasCall = true
				}
			}
			assert.True(t, hasCall, "tool message %d has no preceding call", i)
		}
	}
}

// TestFit_OverflowWhenCurrentTooLarge tests the hard pre-flight failure.
func TestFit_OverflowWhenCurrentTooLarge(t *testing.T) {
	e := newTestEngine()
	current := llm.NewUserMessage(strings.Repeat("way too much input ", 500))

	_, err := e.Fit(nil, current, testConfig(100))
	assert.ErrorIs(t, err, ErrContextOverflow)
}

// TestFitTier_StricterDropsMore tests aggressive tier yields no more
// tokens than the normal tier.
func TestFitTier_StricterDropsMore(t *testing.T) {
	e := newTestEngine()
	filler := strings.Repeat("context paragraph ", 30)

	history := []llm.Message{llm.NewSystemMessage("sys")}
	for i := 0; i < 8; i++ {
		history = append(history, llm.NewUserMessage(filler))
		history = append(history, llm.NewAssistantMessage(filler))
	}
	current := llm.NewUserMessage("q")
	cfg := testConfig(800)

	normal, err := e.FitTier(history, current, cfg, 0)
	require.NoError(t, err)
	aggressive, err := e.FitTier(history, current, cfg, 1)
	require.NoError(t, err)

	assert.LessOrEqual(t, e.EstimateTokens(aggressive), e.EstimateTokens(normal))
	assert.LessOrEqual(t, len(aggressive), len(normal))
}

// TestFitTier_OutOfRangeClamped tests tier index clamping.
func TestFitTier_OutOfRangeClamped(t *testing.T) {
	e := newTestEngine()
	current := llm.NewUserMessage("hello")

	out, err := e.FitTier(nil, current, testConfig(10000), 99)
	require.NoError(t, err)
	assert.Len(t, out, 1)

	out, err = e.FitTier(nil, current, testConfig(10000), -3)
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

// TestFit_Idempotent tests that re-compressing compressed output is a no-op.
func TestFit_Idempotent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		e := newTestEngine()

		nTurns := rapid.IntRange(0, 12).Draw(rt, "turns")
		wordCount := rapid.IntRange(1, 60).Draw(rt, "words")
		filler := strings.Repeat("word ", wordCount)

		history := []llm.Message{llm.NewSystemMessage("sys")}
		for i := 0; i < nTurns; i++ {
			history = append(history, llm.NewUserMessage("u "+filler))
			history = append(history, llm.NewAssistantMessage("a "+filler))
		}
		current := llm.NewUserMessage("current turn")
		cfg := testConfig(rapid.IntRange(200, 2000).Draw(rt, "window"))

		once, err := e.Fit(history, current, cfg)
		if err != nil {
			// 溢出也必须是确定性的
			_, err2 := e.Fit(history, current, cfg)
			assert.ErrorIs(rt, err2, ErrContextOverflow)
			return
		}

		twice, err := e.Fit(once[:len(once)-1], once[len(once)-1], cfg)
		require.NoError(rt, err)
		require.Equal(rt, len(once), len(twice))
		for i := range once {
			assert.Equal(rt, once[i].Role, twice[i].Role)
			assert.Equal(rt, once[i].Content, twice[i].Content)
		}
	})
}

// TestBudget tests the safety-margin arithmetic.
func TestBudget(t *testing.T) {
	cfg := Config{ContextWindow: 1000, ReservedOutput: 200}
	// (1000-200) * 0.95
	assert.Equal(t, 760, cfg.Budget())

	cfg.SafetyMargin = 0.5
	assert.Equal(t, 400, cfg.Budget())
}
