package chat

import (
	"github.com/yanqian/ragserver/pkg/tokenizer"
)

// ContextMarker prefixes the synthetic system message carrying retrieved
// chunks so clients and models can recognize injected context.
const ContextMarker = "CONTEXT:\n"

// historyBudget caps transcript history at half the model window.
func historyBudget(contextWindow int) int {
	return contextWindow / 2
}

// assembleHistory converts persisted messages into prompt form, dropping the
// oldest non-system messages until the token budget holds. Returns the prompt
// slice and the tokens it consumes.
func assembleHistory(msgs []Message, counter *tokenizer.Counter, maxTokens int) ([]PromptMessage, int) {
	prompts := make([]PromptMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Status == MessageStatusError || m.Status == MessageStatusPending {
			continue
		}
		prompts = append(prompts, toPrompt(m))
	}

	costs := make([]int, len(prompts))
	total := 0
	for i, p := range prompts {
		costs[i] = counter.Count(p.Content) + 4 // role/framing overhead
		total += costs[i]
	}

	// Drop oldest non-system entries until within budget.
	for total > maxTokens {
		dropped := false
		for i, p := range prompts {
			if p.Role == RoleSystem {
				continue
			}
			total -= costs[i]
			prompts = append(prompts[:i], prompts[i+1:]...)
			costs = append(costs[:i], costs[i+1:]...)
			dropped = true
			break
		}
		if !dropped {
			break
		}
	}
	return prompts, total
}

func toPrompt(m Message) PromptMessage {
	p := PromptMessage{
		Role:       m.Role,
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		p.ToolCalls = append(p.ToolCalls, PromptToolCall{
			ID:        tc.ID,
			Name:      tc.Name,
			Arguments: string(tc.Arguments),
		})
	}
	return p
}
