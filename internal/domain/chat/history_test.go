package chat

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yanqian/ragserver/pkg/tokenizer"
)

func msg(role MessageRole, content string) Message {
	return Message{Role: role, Content: content, Status: MessageStatusComplete}
}

func TestAssembleHistoryKeepsEverythingUnderBudget(t *testing.T) {
	counter := tokenizer.NewCounter()
	msgs := []Message{
		msg(RoleUser, "first question"),
		msg(RoleAssistant, "first answer"),
		msg(RoleUser, "second question"),
	}
	prompts, tokens := assembleHistory(msgs, counter, 10000)
	require.Len(t, prompts, 3)
	require.Positive(t, tokens)
}

func TestAssembleHistoryDropsOldestNonSystemFirst(t *testing.T) {
	counter := tokenizer.NewCounter()
	msgs := []Message{
		msg(RoleSystem, "system prompt stays"),
		msg(RoleUser, "oldest user message with a fair amount of content in it"),
		msg(RoleAssistant, "oldest assistant reply with a fair amount of content in it"),
		msg(RoleUser, "newest user message"),
	}
	budget := counter.Count("system prompt stays") + counter.Count("newest user message") + 16
	prompts, tokens := assembleHistory(msgs, counter, budget)

	require.LessOrEqual(t, tokens, budget)
	require.Equal(t, RoleSystem, prompts[0].Role)
	last := prompts[len(prompts)-1]
	require.Equal(t, "newest user message", last.Content)
	for _, p := range prompts {
		require.NotEqual(t, "oldest user message with a fair amount of content in it", p.Content)
	}
}

func TestAssembleHistorySkipsPendingAndErrored(t *testing.T) {
	counter := tokenizer.NewCounter()
	msgs := []Message{
		msg(RoleUser, "kept"),
		{Role: RoleAssistant, Content: "dead stream", Status: MessageStatusError},
		{Role: RoleAssistant, Content: "not yet started", Status: MessageStatusPending},
		msg(RoleAssistant, "also kept"),
	}
	prompts, _ := assembleHistory(msgs, counter, 10000)
	require.Len(t, prompts, 2)
}

func TestAssembleHistoryPreservesToolCallShape(t *testing.T) {
	counter := tokenizer.NewCounter()
	msgs := []Message{
		{
			Role:    RoleAssistant,
			Status:  MessageStatusComplete,
			Content: "",
			ToolCalls: []ToolCall{{
				ID:        "call_1",
				Name:      "calculator",
				Arguments: []byte(`{"a":2,"b":2}`),
				State:     ToolCallComplete,
			}},
		},
		{Role: RoleTool, Status: MessageStatusComplete, Content: `{"result":4}`, ToolCallID: "call_1"},
	}
	prompts, _ := assembleHistory(msgs, counter, 10000)
	require.Len(t, prompts, 2)
	require.Len(t, prompts[0].ToolCalls, 1)
	require.Equal(t, "call_1", prompts[0].ToolCalls[0].ID)
	require.Equal(t, "call_1", prompts[1].ToolCallID)
}

func TestHistoryBudgetIsHalfTheWindow(t *testing.T) {
	require.Equal(t, 64000, historyBudget(128000))
}
