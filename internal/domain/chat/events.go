package chat

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/yanqian/ragserver/internal/domain/rag"
	"github.com/yanqian/ragserver/pkg/metrics"
)

// EventKind enumerates orchestrator stream events. Names are the SSE event
// names forwarded unchanged by the gateway.
type EventKind string

const (
	EventMessageStart      EventKind = "message_start"
	EventContentDelta      EventKind = "content_delta"
	EventThinkingDelta     EventKind = "thinking_delta"
	EventToolCallStart     EventKind = "tool_call_start"
	EventToolCallDelta     EventKind = "tool_call_delta"
	EventToolCallExecuting EventKind = "tool_call_executing"
	EventToolCallResult    EventKind = "tool_call_result"
	EventMessageComplete   EventKind = "message_complete"
	EventError             EventKind = "error"
)

// Stable error codes surfaced on Event.ErrorCode.
const (
	ErrCodeToolLoopLimit = "TOOL_LOOP_LIMIT"
	ErrCodeCancelled     = "CANCELLED"
	ErrCodeProvider      = "PROVIDER_ERROR"
	ErrCodeSlowConsumer  = "SLOW_CONSUMER"
)

// Event is one orchestrator frame streamed toward the gateway.
type Event struct {
	Kind          EventKind           `json:"kind"`
	MessageID     uuid.UUID           `json:"messageId,omitempty"`
	Delta         string              `json:"delta,omitempty"`
	ToolCallID    string              `json:"toolCallId,omitempty"`
	ToolName      string              `json:"toolName,omitempty"`
	ArgumentDelta string              `json:"argumentDelta,omitempty"`
	Result        json.RawMessage     `json:"result,omitempty"`
	ErrorCode     string              `json:"errorCode,omitempty"`
	ErrorMessage  string              `json:"errorMessage,omitempty"`
	Usage         *metrics.TokenUsage `json:"usage,omitempty"`
	Citations     []rag.Citation      `json:"citations,omitempty"`
}
