package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yanqian/ragserver/internal/domain/chat"
)

// ListConversations returns the caller's threads.
func (h *Handler) ListConversations(c *gin.Context) {
	claims, _ := getClaims(c)
	filter := chat.ConversationFilter{
		Search: c.Query("search"),
		Limit:  queryInt(c, "limit", 50),
		Offset: queryInt(c, "offset", 0),
	}
	conversations, err := h.chatSvc.ListConversations(c.Request.Context(), claims.UserID, filter)
	if err != nil {
		abortWithDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

// CreateConversation opens a new thread.
func (h *Handler) CreateConversation(c *gin.Context) {
	claims, _ := getClaims(c)
	var req chat.CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, NewHTTPError(http.StatusBadRequest, "invalid_request", errMessage(err), err))
		return
	}
	conv, err := h.chatSvc.CreateConversation(c.Request.Context(), claims.UserID, req)
	if err != nil {
		abortWithDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

// GetConversation fetches a thread with its messages.
func (h *Handler) GetConversation(c *gin.Context) {
	claims, _ := getClaims(c)
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	bundle, err := h.chatSvc.GetConversation(c.Request.Context(), claims.UserID, id)
	if err != nil {
		abortWithDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, bundle)
}

// UpdateConversation renames or archives a thread.
func (h *Handler) UpdateConversation(c *gin.Context) {
	claims, _ := getClaims(c)
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	var req chat.UpdateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, NewHTTPError(http.StatusBadRequest, "invalid_request", errMessage(err), err))
		return
	}
	conv, err := h.chatSvc.UpdateConversation(c.Request.Context(), claims.UserID, id, req)
	if err != nil {
		abortWithDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// DeleteConversation soft-deletes a thread.
func (h *Handler) DeleteConversation(c *gin.Context) {
	claims, _ := getClaims(c)
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	if err := h.chatSvc.DeleteConversation(c.Request.Context(), claims.UserID, id); err != nil {
		abortWithDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type sendMessageRequest struct {
	Content         string   `json:"content"`
	ClientMessageID string   `json:"clientMessageId"`
	RagEnabled      *bool    `json:"ragEnabled"`
	CollectionIDs   []string `json:"collectionIds"`
	Attachments     []string `json:"attachments"`
	K               int      `json:"k"`
	Model           string   `json:"model"`
}

// SendMessage submits a user message and streams the assistant reply over
// SSE. Without the SSE accept header the call degrades to a JSON response
// containing the final message id.
func (h *Handler) SendMessage(c *gin.Context) {
	claims, _ := getClaims(c)
	convID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, NewHTTPError(http.StatusBadRequest, "invalid_request", errMessage(err), err))
		return
	}

	collectionIDs, ok := parseUUIDs(c, req.CollectionIDs)
	if !ok {
		return
	}
	attachments, ok := parseUUIDs(c, req.Attachments)
	if !ok {
		return
	}
	ragEnabled := len(attachments) > 0 || len(collectionIDs) > 0
	if req.RagEnabled != nil {
		ragEnabled = *req.RagEnabled
	}

	snapshot := h.resolver.Current(c.Request.Context())
	params := chat.RunParams{
		Model:                    snapshot.ModelDefaultName,
		ContextWindow:            snapshot.ModelContextWindow,
		ReservedCompletionTokens: snapshot.ReservedCompletionTokens,
		SimilarityThreshold:      snapshot.RetrievalThreshold,
		DefaultK:                 snapshot.RetrievalDefaultK,
	}

	events, err := h.orchestrator.Send(c.Request.Context(), claims.UserID, chat.SendRequest{
		ConversationID:  convID,
		Content:         req.Content,
		ClientMessageID: req.ClientMessageID,
		RagEnabled:      ragEnabled,
		CollectionIDs:   collectionIDs,
		DocumentIDs:     attachments,
		K:               req.K,
		Model:           req.Model,
	}, params)
	if err != nil {
		abortWithDomainError(c, err)
		return
	}

	if !wantsSSE(c) {
		h.drainToJSON(c, events)
		return
	}

	writer, ok := newSSEWriter(c)
	if !ok {
		return
	}
	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			// Client gone; the orchestrator sees the same context and
			// persists the partial reply.
			return
		case <-heartbeat.C:
			if err := writer.Heartbeat(); err != nil {
				return
			}
		case ev, open := <-events:
			if !open {
				return
			}
			if err := writer.Event(string(ev.Kind), ev); err != nil {
				h.logger.Warn("dropping slow chat consumer", "code", chat.ErrCodeSlowConsumer, "request_id", requestID(c), "error", err)
				return
			}
		}
	}
}

// drainToJSON consumes the stream and returns the terminal event payload.
func (h *Handler) drainToJSON(c *gin.Context, events <-chan chat.Event) {
	var (
		messageID uuid.UUID
		content   strings.Builder
		last      chat.Event
	)
	for ev := range events {
		switch ev.Kind {
		case chat.EventMessageStart:
			messageID = ev.MessageID
		case chat.EventContentDelta:
			content.WriteString(ev.Delta)
		}
		last = ev
	}
	if last.Kind == chat.EventError {
		abortWithError(c, NewHTTPError(http.StatusBadGateway, last.ErrorCode, last.ErrorMessage, nil))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"messageId": messageID,
		"content":   content.String(),
		"usage":     last.Usage,
		"citations": last.Citations,
	})
}

func wantsSSE(c *gin.Context) bool {
	return strings.Contains(c.GetHeader("Accept"), "text/event-stream")
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

func pathUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		abortWithError(c, NewHTTPError(http.StatusBadRequest, "invalid_id", "malformed identifier", err))
		return uuid.Nil, false
	}
	return id, true
}

func parseUUIDs(c *gin.Context, raw []string) ([]uuid.UUID, bool) {
	out := make([]uuid.UUID, 0, len(raw))
	for _, item := range raw {
		id, err := uuid.Parse(item)
		if err != nil {
			abortWithError(c, NewHTTPError(http.StatusBadRequest, "invalid_id", "malformed identifier in list", err))
			return nil, false
		}
		out = append(out, id)
	}
	return out, true
}
