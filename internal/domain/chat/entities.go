package chat

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/yanqian/ragserver/pkg/metrics"
)

// ConversationStatus is the lifecycle of a chat thread.
type ConversationStatus string

const (
	ConversationStatusActive   ConversationStatus = "active"
	ConversationStatusArchived ConversationStatus = "archived"
	ConversationStatusDeleted  ConversationStatus = "deleted"
)

// Conversation groups an ordered message log for one user.
type Conversation struct {
	ID           uuid.UUID          `json:"id"`
	OwnerID      int64              `json:"ownerId"`
	Title        string             `json:"title"`
	Status       ConversationStatus `json:"status"`
	ModelName    string             `json:"modelName,omitempty"`
	SystemPrompt string             `json:"systemPrompt,omitempty"`
	MessageCount int                `json:"messageCount"`
	Version      int64              `json:"version"`
	CreatedAt    time.Time          `json:"createdAt"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}

// MessageRole identifies the author of a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool"
)

// MessageStatus transitions pending -> streaming -> (complete | error) and
// never regresses.
type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusStreaming MessageStatus = "streaming"
	MessageStatusComplete  MessageStatus = "complete"
	MessageStatusError     MessageStatus = "error"
)

// ToolCallState is the tagged state of one tool invocation.
type ToolCallState string

const (
	ToolCallPending  ToolCallState = "pending"
	ToolCallRunning  ToolCallState = "running"
	ToolCallComplete ToolCallState = "complete"
	ToolCallFailed   ToolCallState = "failed"
)

// ToolCall records a function call requested by the model.
type ToolCall struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	State      ToolCallState   `json:"state"`
	DurationMs int64           `json:"durationMs,omitempty"`
}

// Message is one append-only entry in a conversation. Ordering is by
// (created_at, id) and is stable.
type Message struct {
	ID             uuid.UUID          `json:"id"`
	ConversationID uuid.UUID          `json:"conversationId"`
	Role           MessageRole        `json:"role"`
	Content        string             `json:"content"`
	Thinking       string             `json:"thinking,omitempty"`
	ToolCalls      []ToolCall         `json:"toolCalls,omitempty"`
	ToolCallID     string             `json:"toolCallId,omitempty"`
	Status         MessageStatus      `json:"status"`
	ErrorCode      string             `json:"errorCode,omitempty"`
	Usage          metrics.TokenUsage `json:"usage"`
	// ClientMessageID deduplicates resubmitted user messages and links the
	// assistant reply back to the triggering submission.
	ClientMessageID string    `json:"clientMessageId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}
