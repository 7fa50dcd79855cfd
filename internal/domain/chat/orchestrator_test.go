package chat_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/yanqian/ragserver/internal/domain/chat"
	"github.com/yanqian/ragserver/internal/domain/rag"
	"github.com/yanqian/ragserver/internal/domain/tools"
	"github.com/yanqian/ragserver/internal/infra/chatrepo"
	apperrors "github.com/yanqian/ragserver/pkg/errors"
	"github.com/yanqian/ragserver/pkg/metrics"
	"github.com/yanqian/ragserver/pkg/tokenizer"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedProvider replays one scripted event sequence per Stream call.
type scriptedProvider struct {
	scripts      [][]chat.CompletionEvent
	calls        int
	attempts     int
	failuresLeft int
	blockUntil   chan struct{}
}

func (p *scriptedProvider) Stream(ctx context.Context, _ chat.CompletionRequest) (<-chan chat.CompletionEvent, error) {
	p.attempts++
	if p.failuresLeft > 0 {
		p.failuresLeft--
		return nil, apperrors.New(apperrors.KindUnavailable, "provider_unavailable", "transient outage")
	}
	var script []chat.CompletionEvent
	if p.calls < len(p.scripts) {
		script = p.scripts[p.calls]
	} else if len(p.scripts) > 0 {
		script = p.scripts[len(p.scripts)-1]
	}
	p.calls++

	events := make(chan chat.CompletionEvent)
	go func() {
		defer close(events)
		for _, ev := range script {
			if p.blockUntil != nil {
				select {
				case <-p.blockUntil:
				case <-ctx.Done():
					return
				}
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

type fixture struct {
	conversations *chatrepo.MemoryConversationRepository
	messages      *chatrepo.MemoryMessageRepository
	provider      *scriptedProvider
	registry      *tools.Registry
	orchestrator  *chat.Orchestrator
	conv          chat.Conversation
}

func newFixture(t *testing.T, scripts ...[]chat.CompletionEvent) *fixture {
	t.Helper()
	conversations := chatrepo.NewMemoryConversationRepository()
	messages := chatrepo.NewMemoryMessageRepository()
	provider := &scriptedProvider{scripts: scripts}
	registry := tools.NewRegistry(newTestLogger())
	require.NoError(t, tools.RegisterBuiltins(registry))

	orch := chat.NewOrchestrator(chat.OrchestratorConfig{
		MaxToolIterations: 5,
		ToolDeadline:      5 * time.Second,
		PersistInterval:   time.Millisecond,
		PersistChars:      1,
	}, conversations, messages, provider, registry, nil, tokenizer.NewCounter(), newTestLogger())

	now := time.Now().UTC()
	conv, err := conversations.Create(context.Background(), chat.Conversation{
		ID:        uuid.New(),
		OwnerID:   1,
		Title:     "test thread",
		Status:    chat.ConversationStatusActive,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	})
	require.NoError(t, err)

	return &fixture{
		conversations: conversations,
		messages:      messages,
		provider:      provider,
		registry:      registry,
		orchestrator:  orch,
		conv:          conv,
	}
}

func contentScript(parts ...string) []chat.CompletionEvent {
	var out []chat.CompletionEvent
	for _, p := range parts {
		out = append(out, chat.CompletionEvent{Kind: chat.CompletionContentDelta, ContentDelta: p})
	}
	out = append(out,
		chat.CompletionEvent{Kind: chat.CompletionUsage, Usage: &metrics.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
		chat.CompletionEvent{Kind: chat.CompletionDone, StopReason: "stop"},
	)
	return out
}

func collect(t *testing.T, events <-chan chat.Event) []chat.Event {
	t.Helper()
	var out []chat.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("event stream did not terminate")
		}
	}
}

func kinds(events []chat.Event) []chat.EventKind {
	out := make([]chat.EventKind, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}

func TestSendStreamsContentAndPersists(t *testing.T) {
	f := newFixture(t, contentScript("Hello", ", ", "world"))

	events, err := f.orchestrator.Send(context.Background(), 1, chat.SendRequest{
		ConversationID: f.conv.ID,
		Content:        "Say hello",
	}, chat.RunParams{Model: "test-model", ContextWindow: 8000, ReservedCompletionTokens: 1024})
	require.NoError(t, err)

	got := collect(t, events)
	require.Equal(t, chat.EventMessageStart, got[0].Kind)
	require.Equal(t, chat.EventMessageComplete, got[len(got)-1].Kind)

	var content strings.Builder
	for _, ev := range got {
		if ev.Kind == chat.EventContentDelta {
			content.WriteString(ev.Delta)
		}
	}
	require.Equal(t, "Hello, world", content.String())

	msgs, err := f.messages.ListByConversation(context.Background(), f.conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, chat.RoleUser, msgs[0].Role)
	require.Equal(t, chat.MessageStatusComplete, msgs[0].Status)
	require.Equal(t, chat.RoleAssistant, msgs[1].Role)
	require.Equal(t, chat.MessageStatusComplete, msgs[1].Status)
	require.Equal(t, "Hello, world", msgs[1].Content)
	require.Equal(t, 15, msgs[1].Usage.TotalTokens)
}

func TestSendEmptyMessageRejected(t *testing.T) {
	f := newFixture(t, contentScript("x"))
	_, err := f.orchestrator.Send(context.Background(), 1, chat.SendRequest{
		ConversationID: f.conv.ID,
		Content:        "   ",
	}, chat.RunParams{ContextWindow: 8000})
	require.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestToolLoopExecutesAndContinues(t *testing.T) {
	args := `{"operation":"add","a":2,"b":2}`
	toolScript := []chat.CompletionEvent{
		{Kind: chat.CompletionToolCallStart, ToolCallID: "call_1", ToolName: "calculator", ArgumentDelta: args[:8]},
		{Kind: chat.CompletionToolCallDelta, ToolCallID: "call_1", ArgumentDelta: args[8:]},
		{Kind: chat.CompletionToolCallEnd, ToolCallID: "call_1"},
		{Kind: chat.CompletionDone, StopReason: chat.StopReasonToolCalls},
	}
	f := newFixture(t, toolScript, contentScript("The answer is 4"))

	events, err := f.orchestrator.Send(context.Background(), 1, chat.SendRequest{
		ConversationID: f.conv.ID,
		Content:        "add 2 and 2 using the calculator",
	}, chat.RunParams{Model: "test-model", ContextWindow: 8000, ReservedCompletionTokens: 1024})
	require.NoError(t, err)

	got := collect(t, events)
	seen := kinds(got)
	require.Contains(t, seen, chat.EventToolCallStart)
	require.Contains(t, seen, chat.EventToolCallExecuting)
	require.Contains(t, seen, chat.EventToolCallResult)
	require.Equal(t, chat.EventMessageComplete, seen[len(seen)-1])

	var result chat.Event
	for _, ev := range got {
		if ev.Kind == chat.EventToolCallResult {
			result = ev
		}
	}
	var payload map[string]float64
	require.NoError(t, json.Unmarshal(result.Result, &payload))
	require.Equal(t, float64(4), payload["result"])

	msgs, err := f.messages.ListByConversation(context.Background(), f.conv.ID)
	require.NoError(t, err)
	// user, assistant, and the tool result message appended mid-loop.
	var toolMsgs, assistantMsgs int
	for _, m := range msgs {
		switch m.Role {
		case chat.RoleTool:
			toolMsgs++
		case chat.RoleAssistant:
			assistantMsgs++
			require.Equal(t, chat.MessageStatusComplete, m.Status)
			if len(m.ToolCalls) > 0 {
				require.Equal(t, chat.ToolCallComplete, m.ToolCalls[0].State)
			}
		}
	}
	require.Equal(t, 1, toolMsgs)
	require.Equal(t, 1, assistantMsgs)
}

func TestToolLoopBounded(t *testing.T) {
	args := `{"a":1,"b":1}`
	loopScript := []chat.CompletionEvent{
		{Kind: chat.CompletionToolCallStart, ToolCallID: "call_x", ToolName: "calculator", ArgumentDelta: args},
		{Kind: chat.CompletionToolCallEnd, ToolCallID: "call_x"},
		{Kind: chat.CompletionDone, StopReason: chat.StopReasonToolCalls},
	}
	// Every iteration requests another tool call; the loop must stop at the
	// configured bound with a terminal error.
	f := newFixture(t, loopScript)

	events, err := f.orchestrator.Send(context.Background(), 1, chat.SendRequest{
		ConversationID: f.conv.ID,
		Content:        "loop forever",
	}, chat.RunParams{Model: "test-model", ContextWindow: 8000, ReservedCompletionTokens: 1024})
	require.NoError(t, err)

	got := collect(t, events)
	last := got[len(got)-1]
	require.Equal(t, chat.EventError, last.Kind)
	require.Equal(t, chat.ErrCodeToolLoopLimit, last.ErrorCode)

	msgs, err := f.messages.ListByConversation(context.Background(), f.conv.ID)
	require.NoError(t, err)
	var assistant chat.Message
	for _, m := range msgs {
		if m.Role == chat.RoleAssistant {
			assistant = m
		}
	}
	require.Equal(t, chat.MessageStatusError, assistant.Status)
	require.Equal(t, chat.ErrCodeToolLoopLimit, assistant.ErrorCode)
}

func TestProviderUnavailableRetriedOnce(t *testing.T) {
	f := newFixture(t, contentScript("recovered"))
	f.provider.failuresLeft = 1

	events, err := f.orchestrator.Send(context.Background(), 1, chat.SendRequest{
		ConversationID: f.conv.ID,
		Content:        "try again",
	}, chat.RunParams{Model: "test-model", ContextWindow: 8000, ReservedCompletionTokens: 1024})
	require.NoError(t, err)

	got := collect(t, events)
	require.Equal(t, chat.EventMessageComplete, got[len(got)-1].Kind)
	require.Equal(t, 2, f.provider.attempts)
}

func TestProviderRepeatedOutageFailsRun(t *testing.T) {
	f := newFixture(t, contentScript("unused"))
	f.provider.failuresLeft = 2

	events, err := f.orchestrator.Send(context.Background(), 1, chat.SendRequest{
		ConversationID: f.conv.ID,
		Content:        "still down",
	}, chat.RunParams{Model: "test-model", ContextWindow: 8000, ReservedCompletionTokens: 1024})
	require.NoError(t, err)

	got := collect(t, events)
	last := got[len(got)-1]
	require.Equal(t, chat.EventError, last.Kind)
	require.Equal(t, chat.ErrCodeProvider, last.ErrorCode)
}

func TestCancellationPersistsPartialContent(t *testing.T) {
	release := make(chan struct{})
	script := []chat.CompletionEvent{
		{Kind: chat.CompletionContentDelta, ContentDelta: "partial answer "},
		{Kind: chat.CompletionContentDelta, ContentDelta: "never finished"},
		{Kind: chat.CompletionDone, StopReason: "stop"},
	}
	f := newFixture(t, script)
	f.provider.blockUntil = release

	ctx, cancel := context.WithCancel(context.Background())
	events, err := f.orchestrator.Send(ctx, 1, chat.SendRequest{
		ConversationID: f.conv.ID,
		Content:        "long answer please",
	}, chat.RunParams{Model: "test-model", ContextWindow: 8000, ReservedCompletionTokens: 1024})
	require.NoError(t, err)

	// Let the first delta through, then disconnect.
	release <- struct{}{}
	var sawDelta bool
	deadline := time.After(5 * time.Second)
	for !sawDelta {
		select {
		case ev := <-events:
			if ev.Kind == chat.EventContentDelta {
				sawDelta = true
			}
		case <-deadline:
			t.Fatal("first delta never arrived")
		}
	}
	cancel()
	collect(t, events)

	require.Eventually(t, func() bool {
		msgs, err := f.messages.ListByConversation(context.Background(), f.conv.ID)
		if err != nil {
			return false
		}
		for _, m := range msgs {
			if m.Role == chat.RoleAssistant {
				return m.Status == chat.MessageStatusComplete && m.Content == "partial answer "
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "partial content must persist as complete")
}

func TestCancellationWithoutContentIsError(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, contentScript("never delivered"))
	f.provider.blockUntil = release

	ctx, cancel := context.WithCancel(context.Background())
	events, err := f.orchestrator.Send(ctx, 1, chat.SendRequest{
		ConversationID: f.conv.ID,
		Content:        "cancel immediately",
	}, chat.RunParams{Model: "test-model", ContextWindow: 8000, ReservedCompletionTokens: 1024})
	require.NoError(t, err)

	cancel()
	collect(t, events)

	require.Eventually(t, func() bool {
		msgs, err := f.messages.ListByConversation(context.Background(), f.conv.ID)
		if err != nil {
			return false
		}
		for _, m := range msgs {
			if m.Role == chat.RoleAssistant {
				return m.Status == chat.MessageStatusError && m.ErrorCode == chat.ErrCodeCancelled
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestIdempotentResubmitReplaysAssistantMessage(t *testing.T) {
	f := newFixture(t, contentScript("the one true answer"))
	params := chat.RunParams{Model: "test-model", ContextWindow: 8000, ReservedCompletionTokens: 1024}
	req := chat.SendRequest{
		ConversationID:  f.conv.ID,
		Content:         "what is the answer?",
		ClientMessageID: "client-msg-42",
	}

	first := collect(t, mustSend(t, f, req, params))
	second := collect(t, mustSend(t, f, req, params))

	var firstID, secondID uuid.UUID
	for _, ev := range first {
		if ev.Kind == chat.EventMessageStart {
			firstID = ev.MessageID
		}
	}
	for _, ev := range second {
		if ev.Kind == chat.EventMessageStart {
			secondID = ev.MessageID
		}
	}
	require.Equal(t, firstID, secondID, "resubmitting the same client message id must return the same assistant message")
	require.Equal(t, 1, f.provider.calls, "replay must not re-invoke the provider")

	msgs, err := f.messages.ListByConversation(context.Background(), f.conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2, "no duplicate rows on resubmit")
}

func mustSend(t *testing.T, f *fixture, req chat.SendRequest, params chat.RunParams) <-chan chat.Event {
	t.Helper()
	events, err := f.orchestrator.Send(context.Background(), 1, req, params)
	require.NoError(t, err)
	return events
}

func TestPerConversationSerialization(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, contentScript("serialized"))
	f.provider.blockUntil = release

	params := chat.RunParams{Model: "test-model", ContextWindow: 8000, ReservedCompletionTokens: 1024}
	first, err := f.orchestrator.Send(context.Background(), 1, chat.SendRequest{
		ConversationID: f.conv.ID,
		Content:        "first message",
	}, params)
	require.NoError(t, err)

	// Second send on the same conversation must wait for the lock; with a
	// short deadline it gives up as busy.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = f.orchestrator.Send(ctx, 1, chat.SendRequest{
		ConversationID: f.conv.ID,
		Content:        "second message",
	}, params)
	require.Error(t, err)
	require.True(t, apperrors.IsKind(err, apperrors.KindBusy))

	close(release)
	collect(t, first)
}

func TestRagContextInjectedAsSystemMessage(t *testing.T) {
	docID := uuid.New()
	chunkID := uuid.New()
	retriever := &stubRetriever{result: rag.RetrieveResult{
		Chunks: []rag.PackedChunk{{Chunk: rag.Chunk{ID: chunkID, DocumentID: docID, Content: "section 2 says hello"}, Score: 0.9}},
		Citations: []rag.Citation{{
			DocumentID: docID,
			ChunkID:    chunkID,
			Score:      0.9,
		}},
	}}
	conversations := chatrepo.NewMemoryConversationRepository()
	messages := chatrepo.NewMemoryMessageRepository()
	capture := &capturingProvider{script: contentScript("answer with context")}
	orch := chat.NewOrchestrator(chat.OrchestratorConfig{}, conversations, messages, capture, nil, retriever, tokenizer.NewCounter(), newTestLogger())

	now := time.Now().UTC()
	conv, err := conversations.Create(context.Background(), chat.Conversation{
		ID: uuid.New(), OwnerID: 1, Title: "rag", Status: chat.ConversationStatusActive,
		Version: 1, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)

	events, err := orch.Send(context.Background(), 1, chat.SendRequest{
		ConversationID: conv.ID,
		Content:        "What does section 2 say?",
		RagEnabled:     true,
	}, chat.RunParams{Model: "m", ContextWindow: 8000, ReservedCompletionTokens: 1024, DefaultK: 5})
	require.NoError(t, err)
	got := collect(t, events)

	var contextMsg *chat.PromptMessage
	for i := range capture.lastRequest.Messages {
		m := capture.lastRequest.Messages[i]
		if m.Role == chat.RoleSystem && strings.HasPrefix(m.Content, chat.ContextMarker) {
			contextMsg = &m
		}
	}
	require.NotNil(t, contextMsg, "packed context must ride as a marked system message")
	require.Contains(t, contextMsg.Content, "section 2 says hello")

	final := got[len(got)-1]
	require.Equal(t, chat.EventMessageComplete, final.Kind)
	require.Len(t, final.Citations, 1)
	require.Equal(t, docID, final.Citations[0].DocumentID)
}

type stubRetriever struct {
	result rag.RetrieveResult
}

func (s *stubRetriever) Retrieve(context.Context, rag.RetrieveRequest) (rag.RetrieveResult, error) {
	return s.result, nil
}

type capturingProvider struct {
	script      []chat.CompletionEvent
	lastRequest chat.CompletionRequest
}

func (p *capturingProvider) Stream(ctx context.Context, req chat.CompletionRequest) (<-chan chat.CompletionEvent, error) {
	p.lastRequest = req
	events := make(chan chat.CompletionEvent, len(p.script))
	for _, ev := range p.script {
		events <- ev
	}
	close(events)
	return events, nil
}
