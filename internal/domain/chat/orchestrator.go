package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yanqian/ragserver/internal/domain/rag"
	apperrors "github.com/yanqian/ragserver/pkg/errors"
	"github.com/yanqian/ragserver/pkg/metrics"
	"github.com/yanqian/ragserver/pkg/tokenizer"
)

// OrchestratorConfig tunes streaming and the tool loop.
type OrchestratorConfig struct {
	MaxToolIterations int
	ToolDeadline      time.Duration
	PersistInterval   time.Duration
	PersistChars      int
	Temperature       float32
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.MaxToolIterations <= 0 {
		c.MaxToolIterations = 5
	}
	if c.ToolDeadline <= 0 {
		c.ToolDeadline = 30 * time.Second
	}
	if c.PersistInterval <= 0 {
		c.PersistInterval = 500 * time.Millisecond
	}
	if c.PersistChars <= 0 {
		c.PersistChars = 512
	}
	return c
}

// SendRequest is one user submission.
type SendRequest struct {
	ConversationID  uuid.UUID
	Content         string
	ClientMessageID string
	RagEnabled      bool
	CollectionIDs   []uuid.UUID
	DocumentIDs     []uuid.UUID
	K               int
	Model           string
}

// RunParams carries the settings resolved for this request.
type RunParams struct {
	Model                    string
	ContextWindow            int
	ReservedCompletionTokens int
	SimilarityThreshold      float64
	DefaultK                 int
}

// Orchestrator turns a user message into a streaming assistant reply,
// interleaving tool calls and persisting partial state as it goes.
type Orchestrator struct {
	cfg           OrchestratorConfig
	conversations ConversationRepository
	messages      MessageRepository
	provider      CompletionProvider
	tools         ToolInvoker
	retriever     RagSearcher
	counter       *tokenizer.Counter
	locks         *convLocks
	logger        *slog.Logger
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig, conversations ConversationRepository, messages MessageRepository, provider CompletionProvider, invoker ToolInvoker, retriever RagSearcher, counter *tokenizer.Counter, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:           cfg.withDefaults(),
		conversations: conversations,
		messages:      messages,
		provider:      provider,
		tools:         invoker,
		retriever:     retriever,
		counter:       counter,
		locks:         newConvLocks(),
		logger:        logger.With("component", "chat.orchestrator"),
	}
}

// emit forwards an event unless the run context has ended.
func (o *Orchestrator) emit(ctx context.Context, events chan<- Event, ev Event) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

// emitFinal never blocks: by the time terminal events fire the consumer may
// already be gone.
func (o *Orchestrator) emitFinal(events chan<- Event, ev Event) {
	select {
	case events <- ev:
	default:
	}
}

// Send validates the request, persists the user message, and returns the
// event stream for the assistant reply. The stream is closed when the run
// terminates; cancellation of ctx aborts provider and tool work.
func (o *Orchestrator) Send(ctx context.Context, ownerID int64, req SendRequest, params RunParams) (<-chan Event, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, apperrors.New(apperrors.KindValidation, "empty_message", "message content cannot be empty")
	}
	conv, err := o.conversations.Get(ctx, req.ConversationID, false)
	if err != nil {
		return nil, err
	}
	if conv.OwnerID != ownerID {
		return nil, apperrors.New(apperrors.KindNotFound, "conversation_not_found", "conversation not found")
	}
	if conv.Status == ConversationStatusDeleted {
		return nil, apperrors.New(apperrors.KindGone, "conversation_deleted", "conversation has been deleted")
	}

	if req.ClientMessageID != "" {
		if replay, ok, err := o.replayExisting(ctx, conv.ID, req.ClientMessageID); err != nil {
			return nil, err
		} else if ok {
			return replay, nil
		}
	}

	release, err := o.locks.Acquire(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	userMsg, err := o.messages.Append(ctx, Message{
		ID:              uuid.New(),
		ConversationID:  conv.ID,
		Role:            RoleUser,
		Content:         content,
		Status:          MessageStatusComplete,
		ClientMessageID: req.ClientMessageID,
		CreatedAt:       now,
	})
	if err != nil {
		release()
		return nil, err
	}
	_ = o.conversations.IncrementMessageCount(ctx, conv.ID, 1)

	events := make(chan Event, 64)
	go func() {
		defer release()
		defer close(events)
		o.run(ctx, conv, userMsg, req, params, events)
	}()
	return events, nil
}

// replayExisting returns the already-produced assistant reply for a duplicate
// client message id.
func (o *Orchestrator) replayExisting(ctx context.Context, convID uuid.UUID, clientID string) (<-chan Event, bool, error) {
	if _, found, err := o.messages.FindByClientID(ctx, convID, RoleUser, clientID); err != nil || !found {
		return nil, false, err
	}
	reply, found, err := o.messages.FindByClientID(ctx, convID, RoleAssistant, clientID)
	if err != nil || !found {
		return nil, false, err
	}
	events := make(chan Event, 4)
	go func() {
		defer close(events)
		events <- Event{Kind: EventMessageStart, MessageID: reply.ID}
		if reply.Content != "" {
			events <- Event{Kind: EventContentDelta, MessageID: reply.ID, Delta: reply.Content}
		}
		if reply.Status == MessageStatusError {
			events <- Event{Kind: EventError, MessageID: reply.ID, ErrorCode: reply.ErrorCode, ErrorMessage: "assistant reply failed"}
			return
		}
		events <- Event{Kind: EventMessageComplete, MessageID: reply.ID, Usage: &reply.Usage}
	}()
	return events, true, nil
}

type runState struct {
	msg          Message
	content      strings.Builder
	thinking     strings.Builder
	usage        metrics.TokenUsage
	citations    []rag.Citation
	lastPersist  time.Time
	unsavedChars int
}

func (o *Orchestrator) run(ctx context.Context, conv Conversation, userMsg Message, req SendRequest, params RunParams, events chan<- Event) {
	// Persistence must survive client disconnects.
	persistCtx := context.WithoutCancel(ctx)

	transcript, historyTokens := o.assembleTranscript(ctx, conv, userMsg, params)

	state := &runState{}
	if req.RagEnabled && o.retriever != nil {
		contextMsg, citations := o.retrieveContext(ctx, conv, req, params, historyTokens)
		if contextMsg != "" {
			// Context rides directly before the user turn.
			userIdx := len(transcript) - 1
			transcript = append(transcript[:userIdx], append([]PromptMessage{{Role: RoleSystem, Content: contextMsg}}, transcript[userIdx:]...)...)
		}
		state.citations = citations
	}

	assistant, err := o.messages.Append(persistCtx, Message{
		ID:              uuid.New(),
		ConversationID:  conv.ID,
		Role:            RoleAssistant,
		Status:          MessageStatusStreaming,
		ClientMessageID: req.ClientMessageID,
		CreatedAt:       time.Now().UTC(),
	})
	if err != nil {
		o.emitFinal(events, Event{Kind: EventError, ErrorCode: "persist_failed", ErrorMessage: "failed to start assistant message"})
		return
	}
	_ = o.conversations.IncrementMessageCount(persistCtx, conv.ID, 1)
	state.msg = assistant
	state.lastPersist = time.Now()
	o.emit(ctx, events, Event{Kind: EventMessageStart, MessageID: assistant.ID})

	model := req.Model
	if model == "" {
		model = conv.ModelName
	}
	if model == "" {
		model = params.Model
	}

	for iteration := 0; ; iteration++ {
		if iteration >= o.cfg.MaxToolIterations {
			o.finalizeError(persistCtx, state, events, ErrCodeToolLoopLimit, "tool loop exceeded the iteration limit")
			return
		}

		compReq := CompletionRequest{
			Model:       model,
			Messages:    transcript,
			Temperature: o.cfg.Temperature,
			MaxTokens:   params.ReservedCompletionTokens,
		}
		if o.tools != nil {
			compReq.Tools = o.tools.List()
		}

		stream, err := o.streamWithRetry(ctx, compReq)
		if err != nil {
			if ctx.Err() != nil {
				o.finalizeCancelled(persistCtx, state, events)
				return
			}
			o.finalizeError(persistCtx, state, events, ErrCodeProvider, err.Error())
			return
		}

		calls, stopReason, runErr := o.consumeStream(ctx, stream, state, events)
		if runErr != nil {
			if ctx.Err() != nil {
				o.finalizeCancelled(persistCtx, state, events)
				return
			}
			o.finalizeError(persistCtx, state, events, ErrCodeProvider, runErr.Error())
			return
		}
		if ctx.Err() != nil {
			o.finalizeCancelled(persistCtx, state, events)
			return
		}

		if stopReason == StopReasonToolCalls && len(calls) > 0 {
			results := o.executeToolCalls(ctx, state, calls, events)
			if ctx.Err() != nil {
				o.finalizeCancelled(persistCtx, state, events)
				return
			}
			// Echo the assistant turn with its calls, then one tool message per
			// result, in tool_call_end order.
			assistantTurn := PromptMessage{Role: RoleAssistant, Content: ""}
			for _, tc := range results {
				assistantTurn.ToolCalls = append(assistantTurn.ToolCalls, PromptToolCall{
					ID:        tc.ID,
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				})
			}
			transcript = append(transcript, assistantTurn)
			for _, tc := range results {
				payload := string(tc.Result)
				if tc.State == ToolCallFailed {
					payload = `{"error":` + jsonString(tc.Error) + `}`
				}
				toolMsg := Message{
					ID:             uuid.New(),
					ConversationID: conv.ID,
					Role:           RoleTool,
					Content:        payload,
					ToolCallID:     tc.ID,
					Status:         MessageStatusComplete,
					CreatedAt:      time.Now().UTC(),
				}
				if _, err := o.messages.Append(persistCtx, toolMsg); err != nil {
					o.logger.Warn("tool message persist failed", "error", err)
				}
				transcript = append(transcript, PromptMessage{Role: RoleTool, Content: payload, ToolCallID: tc.ID})
			}
			o.persist(persistCtx, state, true)
			continue
		}

		o.finalizeComplete(persistCtx, state, events)
		return
	}
}

// streamWithRetry retries one Unavailable provider failure after 500ms.
func (o *Orchestrator) streamWithRetry(ctx context.Context, req CompletionRequest) (<-chan CompletionEvent, error) {
	stream, err := o.provider.Stream(ctx, req)
	if err == nil {
		return stream, nil
	}
	if !apperrors.IsKind(err, apperrors.KindUnavailable) {
		return nil, err
	}
	o.logger.Warn("completion provider unavailable, retrying once", "error", err)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(500 * time.Millisecond):
	}
	return o.provider.Stream(ctx, req)
}

// consumeStream drains one provider pass, forwarding deltas and accumulating
// tool calls until done.
func (o *Orchestrator) consumeStream(ctx context.Context, stream <-chan CompletionEvent, state *runState, events chan<- Event) ([]ToolCall, string, error) {
	var (
		order   []string
		pending = map[string]*ToolCall{}
		argBufs = map[string]*strings.Builder{}
	)

	for {
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case ev, ok := <-stream:
			if !ok {
				return collectCalls(order, pending, argBufs), "", nil
			}
			switch ev.Kind {
			case CompletionContentDelta:
				state.content.WriteString(ev.ContentDelta)
				state.unsavedChars += len(ev.ContentDelta)
				o.emit(ctx, events, Event{Kind: EventContentDelta, MessageID: state.msg.ID, Delta: ev.ContentDelta})
				o.maybePersist(ctx, state)
			case CompletionThinkingDelta:
				state.thinking.WriteString(ev.ThinkingDelta)
				o.emit(ctx, events, Event{Kind: EventThinkingDelta, MessageID: state.msg.ID, Delta: ev.ThinkingDelta})
			case CompletionToolCallStart:
				tc := &ToolCall{ID: ev.ToolCallID, Name: ev.ToolName, State: ToolCallPending}
				pending[ev.ToolCallID] = tc
				buf := &strings.Builder{}
				buf.WriteString(ev.ArgumentDelta)
				argBufs[ev.ToolCallID] = buf
				o.emit(ctx, events, Event{Kind: EventToolCallStart, MessageID: state.msg.ID, ToolCallID: ev.ToolCallID, ToolName: ev.ToolName, ArgumentDelta: ev.ArgumentDelta})
			case CompletionToolCallDelta:
				if buf, ok := argBufs[ev.ToolCallID]; ok {
					buf.WriteString(ev.ArgumentDelta)
				}
				o.emit(ctx, events, Event{Kind: EventToolCallDelta, MessageID: state.msg.ID, ToolCallID: ev.ToolCallID, ArgumentDelta: ev.ArgumentDelta})
			case CompletionToolCallEnd:
				// Ordering of results follows end events.
				if _, ok := pending[ev.ToolCallID]; ok {
					order = append(order, ev.ToolCallID)
				}
			case CompletionUsage:
				if ev.Usage != nil {
					state.usage.PromptTokens += ev.Usage.PromptTokens
					state.usage.CompletionTokens += ev.Usage.CompletionTokens
					state.usage.TotalTokens += ev.Usage.TotalTokens
				}
			case CompletionError:
				return nil, "", apperrors.New(apperrors.KindUnavailable, ev.ErrKind, ev.ErrMessage)
			case CompletionDone:
				// Calls without an explicit end frame still run, after the
				// well-terminated ones.
				for id := range pending {
					if !contains(order, id) {
						order = append(order, id)
					}
				}
				return collectCalls(order, pending, argBufs), ev.StopReason, nil
			}
		}
	}
}

func collectCalls(order []string, pending map[string]*ToolCall, argBufs map[string]*strings.Builder) []ToolCall {
	out := make([]ToolCall, 0, len(order))
	for _, id := range order {
		tc := pending[id]
		if tc == nil {
			continue
		}
		if buf := argBufs[id]; buf != nil {
			tc.Arguments = json.RawMessage(buf.String())
		}
		out = append(out, *tc)
	}
	return out
}

// executeToolCalls runs all pending calls concurrently, each under its own
// deadline, and returns them in their original order with results attached.
func (o *Orchestrator) executeToolCalls(ctx context.Context, state *runState, calls []ToolCall, events chan<- Event) []ToolCall {
	for i := range calls {
		calls[i].State = ToolCallRunning
		o.emit(ctx, events, Event{Kind: EventToolCallExecuting, MessageID: state.msg.ID, ToolCallID: calls[i].ID, ToolName: calls[i].Name})
	}
	state.msg.ToolCalls = append(state.msg.ToolCalls, calls...)

	var wg sync.WaitGroup
	results := make([]ToolCall, len(calls))
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call ToolCall) {
			defer wg.Done()
			start := time.Now()
			result, err := o.tools.Invoke(ctx, call.Name, call.Arguments, o.cfg.ToolDeadline)
			call.DurationMs = time.Since(start).Milliseconds()
			if err != nil {
				call.State = ToolCallFailed
				call.Error = err.Error()
			} else {
				call.State = ToolCallComplete
				call.Result = result
			}
			results[i] = call
		}(i, call)
	}
	wg.Wait()

	// Reflect outcomes on the persisted message record.
	recorded := state.msg.ToolCalls
	for _, done := range results {
		for j := range recorded {
			if recorded[j].ID == done.ID {
				recorded[j] = done
			}
		}
		o.emit(ctx, events, Event{
			Kind:         EventToolCallResult,
			MessageID:    state.msg.ID,
			ToolCallID:   done.ID,
			ToolName:     done.Name,
			Result:       done.Result,
			ErrorMessage: done.Error,
		})
	}
	return results
}

func (o *Orchestrator) assembleTranscript(ctx context.Context, conv Conversation, userMsg Message, params RunParams) ([]PromptMessage, int) {
	history, _ := o.messages.ListByConversation(ctx, conv.ID)
	// The just-appended user message is re-added explicitly below.
	trimmed := make([]Message, 0, len(history))
	for _, m := range history {
		if m.ID == userMsg.ID {
			continue
		}
		trimmed = append(trimmed, m)
	}

	var prompts []PromptMessage
	if conv.SystemPrompt != "" {
		prompts = append(prompts, PromptMessage{Role: RoleSystem, Content: conv.SystemPrompt})
	}
	assembled, historyTokens := assembleHistory(trimmed, o.counter, historyBudget(params.ContextWindow))
	prompts = append(prompts, assembled...)
	prompts = append(prompts, PromptMessage{Role: RoleUser, Content: userMsg.Content})
	return prompts, historyTokens
}

func (o *Orchestrator) retrieveContext(ctx context.Context, conv Conversation, req SendRequest, params RunParams, historyTokens int) (string, []rag.Citation) {
	k := req.K
	if k == 0 {
		k = params.DefaultK
	}
	result, err := o.retriever.Retrieve(ctx, rag.RetrieveRequest{
		Question:                 req.Content,
		OwnerID:                  conv.OwnerID,
		CollectionIDs:            req.CollectionIDs,
		DocumentIDs:              req.DocumentIDs,
		K:                        k,
		SimilarityThreshold:      params.SimilarityThreshold,
		ModelContextWindow:       params.ContextWindow,
		SystemPromptTokens:       o.counter.Count(conv.SystemPrompt),
		ReservedCompletionTokens: params.ReservedCompletionTokens,
		HistoryTokens:            historyTokens,
	})
	if err != nil {
		o.logger.Warn("retrieval failed, answering without context", "error", err)
		return "", nil
	}
	if result.InsufficientContext || len(result.Chunks) == 0 {
		return "", nil
	}
	var b strings.Builder
	b.WriteString(ContextMarker)
	for _, packed := range result.Chunks {
		b.WriteString(packed.Chunk.Content)
		b.WriteString("\n---\n")
	}
	return b.String(), result.Citations
}

func (o *Orchestrator) maybePersist(ctx context.Context, state *runState) {
	if state.unsavedChars < o.cfg.PersistChars && time.Since(state.lastPersist) < o.cfg.PersistInterval {
		return
	}
	o.persist(ctx, state, false)
}

func (o *Orchestrator) persist(ctx context.Context, state *runState, force bool) {
	state.msg.Content = state.content.String()
	state.msg.Thinking = state.thinking.String()
	if _, err := o.messages.Update(ctx, state.msg); err != nil {
		o.logger.Warn("streaming persist failed", "message_id", state.msg.ID, "error", err)
		if !force {
			return
		}
	}
	state.lastPersist = time.Now()
	state.unsavedChars = 0
}

func (o *Orchestrator) finalizeComplete(ctx context.Context, state *runState, events chan<- Event) {
	state.msg.Status = MessageStatusComplete
	state.msg.Usage = state.usage
	o.persist(ctx, state, true)
	o.emitFinal(events, Event{
		Kind:      EventMessageComplete,
		MessageID: state.msg.ID,
		Usage:     &state.usage,
		Citations: state.citations,
	})
}

func (o *Orchestrator) finalizeError(ctx context.Context, state *runState, events chan<- Event, code, message string) {
	state.msg.Status = MessageStatusError
	state.msg.ErrorCode = code
	o.persist(ctx, state, true)
	o.emitFinal(events, Event{Kind: EventError, MessageID: state.msg.ID, ErrorCode: code, ErrorMessage: message})
}

// finalizeCancelled keeps whatever content streamed before the disconnect.
func (o *Orchestrator) finalizeCancelled(ctx context.Context, state *runState, events chan<- Event) {
	if state.content.Len() > 0 {
		o.finalizeComplete(ctx, state, events)
		return
	}
	o.finalizeError(ctx, state, events, ErrCodeCancelled, "request cancelled before any content was produced")
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func jsonString(s string) string {
	encoded, _ := json.Marshal(s)
	return string(encoded)
}
