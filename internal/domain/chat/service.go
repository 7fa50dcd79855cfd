package chat

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/yanqian/ragserver/pkg/errors"
)

// Service manages conversation lifecycle around the orchestrator.
type Service struct {
	conversations ConversationRepository
	messages      MessageRepository
	logger        *slog.Logger
}

// NewChatService constructs the conversation service.
func NewChatService(conversations ConversationRepository, messages MessageRepository, logger *slog.Logger) *Service {
	return &Service{
		conversations: conversations,
		messages:      messages,
		logger:        logger.With("component", "chat.service"),
	}
}

// CreateConversationRequest captures a new thread.
type CreateConversationRequest struct {
	Title        string `json:"title"`
	ModelName    string `json:"modelName"`
	SystemPrompt string `json:"systemPrompt"`
}

// CreateConversation opens a new active thread.
func (s *Service) CreateConversation(ctx context.Context, ownerID int64, req CreateConversationRequest) (Conversation, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "New conversation"
	}
	now := time.Now().UTC()
	return s.conversations.Create(ctx, Conversation{
		ID:           uuid.New(),
		OwnerID:      ownerID,
		Title:        title,
		Status:       ConversationStatusActive,
		ModelName:    strings.TrimSpace(req.ModelName),
		SystemPrompt: req.SystemPrompt,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
}

// ListConversations returns the owner's threads, newest first.
func (s *Service) ListConversations(ctx context.Context, ownerID int64, filter ConversationFilter) ([]Conversation, error) {
	return s.conversations.List(ctx, ownerID, filter)
}

// ConversationWithMessages bundles a thread with its ordered log.
type ConversationWithMessages struct {
	Conversation Conversation `json:"conversation"`
	Messages     []Message    `json:"messages"`
}

// GetConversation fetches a thread and its messages.
func (s *Service) GetConversation(ctx context.Context, ownerID int64, id uuid.UUID) (ConversationWithMessages, error) {
	conv, err := s.owned(ctx, ownerID, id)
	if err != nil {
		return ConversationWithMessages{}, err
	}
	msgs, err := s.messages.ListByConversation(ctx, id)
	if err != nil {
		return ConversationWithMessages{}, err
	}
	return ConversationWithMessages{Conversation: conv, Messages: msgs}, nil
}

// UpdateConversationRequest renames or archives a thread.
type UpdateConversationRequest struct {
	Title           *string             `json:"title"`
	Status          *ConversationStatus `json:"status"`
	SystemPrompt    *string             `json:"systemPrompt"`
	ModelName       *string             `json:"modelName"`
	ExpectedVersion int64               `json:"expectedVersion"`
}

// UpdateConversation applies a partial update under optimistic concurrency.
func (s *Service) UpdateConversation(ctx context.Context, ownerID int64, id uuid.UUID, req UpdateConversationRequest) (Conversation, error) {
	conv, err := s.owned(ctx, ownerID, id)
	if err != nil {
		return Conversation{}, err
	}
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			return Conversation{}, apperrors.New(apperrors.KindValidation, "invalid_title", "title cannot be empty")
		}
		conv.Title = title
	}
	if req.Status != nil {
		switch *req.Status {
		case ConversationStatusActive, ConversationStatusArchived:
			conv.Status = *req.Status
		default:
			return Conversation{}, apperrors.New(apperrors.KindValidation, "invalid_status", "status must be active or archived")
		}
	}
	if req.SystemPrompt != nil {
		conv.SystemPrompt = *req.SystemPrompt
	}
	if req.ModelName != nil {
		conv.ModelName = strings.TrimSpace(*req.ModelName)
	}
	conv.UpdatedAt = time.Now().UTC()
	return s.conversations.Update(ctx, conv, req.ExpectedVersion)
}

// DeleteConversation soft-deletes a thread; its messages stay for audit but
// are no longer listed or searchable.
func (s *Service) DeleteConversation(ctx context.Context, ownerID int64, id uuid.UUID) error {
	if _, err := s.owned(ctx, ownerID, id); err != nil {
		if apperrors.IsKind(err, apperrors.KindNotFound) {
			return nil
		}
		return err
	}
	return s.conversations.SoftDelete(ctx, id)
}

func (s *Service) owned(ctx context.Context, ownerID int64, id uuid.UUID) (Conversation, error) {
	conv, err := s.conversations.Get(ctx, id, false)
	if err != nil {
		return Conversation{}, err
	}
	if conv.OwnerID != ownerID {
		return Conversation{}, apperrors.New(apperrors.KindNotFound, "conversation_not_found", "conversation not found")
	}
	return conv, nil
}
