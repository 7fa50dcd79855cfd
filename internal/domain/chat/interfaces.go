package chat

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/yanqian/ragserver/internal/domain/rag"
	"github.com/yanqian/ragserver/internal/domain/tools"
	"github.com/yanqian/ragserver/pkg/metrics"
)

// ConversationFilter bounds conversation listings.
type ConversationFilter struct {
	Search         string
	Limit          int
	Offset         int
	IncludeDeleted bool
}

// ConversationRepository persists chat threads.
type ConversationRepository interface {
	Create(ctx context.Context, conv Conversation) (Conversation, error)
	Get(ctx context.Context, id uuid.UUID, includeDeleted bool) (Conversation, error)
	List(ctx context.Context, ownerID int64, filter ConversationFilter) ([]Conversation, error)
	Update(ctx context.Context, conv Conversation, expectedVersion int64) (Conversation, error)
	SoftDelete(ctx context.Context, id uuid.UUID) error
	IncrementMessageCount(ctx context.Context, id uuid.UUID, delta int) error
}

// MessageRepository is the append-only message log.
type MessageRepository interface {
	Append(ctx context.Context, msg Message) (Message, error)
	// Update persists streaming progress; status regressions are rejected.
	Update(ctx context.Context, msg Message) (Message, error)
	Get(ctx context.Context, id uuid.UUID) (Message, error)
	ListByConversation(ctx context.Context, conversationID uuid.UUID) ([]Message, error)
	// FindByClientID locates a prior submission for idempotent resubmits.
	FindByClientID(ctx context.Context, conversationID uuid.UUID, role MessageRole, clientID string) (Message, bool, error)
}

// CompletionEventKind enumerates provider stream frames.
type CompletionEventKind string

const (
	CompletionContentDelta  CompletionEventKind = "content_delta"
	CompletionThinkingDelta CompletionEventKind = "thinking_delta"
	CompletionToolCallStart CompletionEventKind = "tool_call_start"
	CompletionToolCallDelta CompletionEventKind = "tool_call_delta"
	CompletionToolCallEnd   CompletionEventKind = "tool_call_end"
	CompletionUsage         CompletionEventKind = "usage"
	CompletionError         CompletionEventKind = "error"
	CompletionDone          CompletionEventKind = "done"
)

// CompletionEvent is one frame from the provider stream. For a given tool-call
// id, start precedes deltas and end follows them.
type CompletionEvent struct {
	Kind          CompletionEventKind
	ContentDelta  string
	ThinkingDelta string
	ToolCallID    string
	ToolName      string
	ArgumentDelta string
	Usage         *metrics.TokenUsage
	ErrKind       string
	ErrMessage    string
	StopReason    string
}

// StopReasonToolCalls signals that the model paused to run tools.
const StopReasonToolCalls = "tool_calls"

// PromptToolCall mirrors a completed tool call echoed back to the provider.
type PromptToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// PromptMessage is one transcript entry sent to the provider.
type PromptMessage struct {
	Role       MessageRole
	Content    string
	ToolCallID string
	ToolCalls  []PromptToolCall
}

// CompletionRequest describes one provider invocation.
type CompletionRequest struct {
	Model       string
	Messages    []PromptMessage
	Tools       []tools.Descriptor
	Temperature float32
	MaxTokens   int
}

// CompletionProvider streams tokens for a chat transcript. Cancelling the
// context terminates the stream promptly.
type CompletionProvider interface {
	Stream(ctx context.Context, req CompletionRequest) (<-chan CompletionEvent, error)
}

// ToolInvoker is the orchestrator's view of the tool registry.
type ToolInvoker interface {
	List() []tools.Descriptor
	Invoke(ctx context.Context, name string, arguments json.RawMessage, deadline time.Duration) (json.RawMessage, error)
}

// RagSearcher is the orchestrator's view of the retrieval engine.
type RagSearcher interface {
	Retrieve(ctx context.Context, req rag.RetrieveRequest) (rag.RetrieveResult, error)
}
