package completion

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/yanqian/ragserver/internal/domain/chat"
	"github.com/yanqian/ragserver/internal/infra/llm/chatgpt"
	apperrors "github.com/yanqian/ragserver/pkg/errors"
	"github.com/yanqian/ragserver/pkg/metrics"
)

// ChatGPTProvider adapts the OpenAI-compatible client to the completion port.
type ChatGPTProvider struct {
	client      *chatgpt.Client
	idleTimeout time.Duration
	logger      *slog.Logger
}

// NewChatGPTProvider constructs the provider adapter.
func NewChatGPTProvider(client *chatgpt.Client, idleTimeout time.Duration, logger *slog.Logger) *ChatGPTProvider {
	if idleTimeout <= 0 {
		idleTimeout = 120 * time.Second
	}
	return &ChatGPTProvider{
		client:      client,
		idleTimeout: idleTimeout,
		logger:      logger.With("component", "completion.chatgpt"),
	}
}

// Stream opens the upstream SSE stream and converts frames to domain events.
// The returned channel closes after a terminal done/error event.
func (p *ChatGPTProvider) Stream(ctx context.Context, req chat.CompletionRequest) (<-chan chat.CompletionEvent, error) {
	upstream, err := p.client.CreateChatCompletionStream(ctx, toClientRequest(req))
	if err != nil {
		return nil, classify(err)
	}

	events := make(chan chat.CompletionEvent, 32)
	go func() {
		defer close(events)
		defer upstream.Close()
		p.pump(ctx, upstream, events)
	}()
	return events, nil
}

type streamCall struct {
	id      string
	started bool
	ended   bool
}

func (p *ChatGPTProvider) pump(ctx context.Context, upstream chatgpt.Stream, events chan<- chat.CompletionEvent) {
	calls := map[int]*streamCall{}
	stopReason := "stop"

	type recvResult struct {
		chunk chatgpt.ChatCompletionStreamChunk
		err   error
	}

	for {
		recv := make(chan recvResult, 1)
		go func() {
			chunk, err := upstream.Recv()
			recv <- recvResult{chunk: chunk, err: err}
		}()

		var result recvResult
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.idleTimeout):
			p.send(ctx, events, chat.CompletionEvent{
				Kind:       chat.CompletionError,
				ErrKind:    "idle_timeout",
				ErrMessage: "completion stream idle past deadline",
			})
			return
		case result = <-recv:
		}

		if result.err != nil {
			if errors.Is(result.err, io.EOF) {
				p.endOpenCalls(ctx, calls, events)
				p.send(ctx, events, chat.CompletionEvent{Kind: chat.CompletionDone, StopReason: stopReason})
				return
			}
			if ctx.Err() != nil {
				return
			}
			p.send(ctx, events, chat.CompletionEvent{
				Kind:       chat.CompletionError,
				ErrKind:    "stream_error",
				ErrMessage: result.err.Error(),
			})
			return
		}

		chunk := result.chunk
		if chunk.Usage != nil {
			p.send(ctx, events, chat.CompletionEvent{Kind: chat.CompletionUsage, Usage: &metrics.TokenUsage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}})
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				p.send(ctx, events, chat.CompletionEvent{Kind: chat.CompletionContentDelta, ContentDelta: choice.Delta.Content})
			}
			if choice.Delta.ReasoningContent != "" {
				p.send(ctx, events, chat.CompletionEvent{Kind: chat.CompletionThinkingDelta, ThinkingDelta: choice.Delta.ReasoningContent})
			}
			for _, tc := range choice.Delta.ToolCalls {
				p.forwardToolDelta(ctx, calls, tc, events)
			}
			if choice.FinishReason != "" {
				stopReason = choice.FinishReason
			}
		}
	}
}

// forwardToolDelta translates indexed fragments into start/delta events and
// tracks ids so end events can be emitted at stream completion.
func (p *ChatGPTProvider) forwardToolDelta(ctx context.Context, calls map[int]*streamCall, tc chatgpt.ToolCall, events chan<- chat.CompletionEvent) {
	idx := 0
	if tc.Index != nil {
		idx = *tc.Index
	}
	call, ok := calls[idx]
	if !ok {
		call = &streamCall{}
		calls[idx] = call
	}
	if tc.ID != "" {
		call.id = tc.ID
	}
	if !call.started {
		call.started = true
		p.send(ctx, events, chat.CompletionEvent{
			Kind:          chat.CompletionToolCallStart,
			ToolCallID:    call.id,
			ToolName:      tc.Function.Name,
			ArgumentDelta: tc.Function.Arguments,
		})
		return
	}
	if tc.Function.Arguments != "" {
		p.send(ctx, events, chat.CompletionEvent{
			Kind:          chat.CompletionToolCallDelta,
			ToolCallID:    call.id,
			ArgumentDelta: tc.Function.Arguments,
		})
	}
}

func (p *ChatGPTProvider) endOpenCalls(ctx context.Context, calls map[int]*streamCall, events chan<- chat.CompletionEvent) {
	for _, call := range calls {
		if call.started && !call.ended {
			call.ended = true
			p.send(ctx, events, chat.CompletionEvent{Kind: chat.CompletionToolCallEnd, ToolCallID: call.id})
		}
	}
}

func (p *ChatGPTProvider) send(ctx context.Context, events chan<- chat.CompletionEvent, ev chat.CompletionEvent) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

func toClientRequest(req chat.CompletionRequest) chatgpt.ChatCompletionRequest {
	out := chatgpt.ChatCompletionRequest{
		Model:         req.Model,
		Temperature:   req.Temperature,
		MaxTokens:     req.MaxTokens,
		StreamOptions: &chatgpt.StreamOptions{IncludeUsage: true},
	}
	for _, msg := range req.Messages {
		m := chatgpt.Message{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, chatgpt.ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: chatgpt.ToolCallDefinition{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out.Messages = append(out.Messages, m)
	}
	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, chatgpt.Tool{
			Type: "function",
			Function: chatgpt.ToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Schema,
			},
		})
	}
	return out
}

// classify maps transport failures onto the error taxonomy so the
// orchestrator's single-retry policy can see Unavailable.
func classify(err error) error {
	var apiErr *chatgpt.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Retryable() {
			return apperrors.Wrap(apperrors.KindUnavailable, "provider_unavailable", "completion provider unavailable", err)
		}
		return apperrors.Wrap(apperrors.KindValidation, "provider_rejected", "completion provider rejected the request", err)
	}
	return apperrors.Wrap(apperrors.KindUnavailable, "provider_unavailable", "completion provider unreachable", err)
}

var _ chat.CompletionProvider = (*ChatGPTProvider)(nil)
