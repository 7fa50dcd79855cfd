package chatrepo

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yanqian/ragserver/internal/domain/chat"
	apperrors "github.com/yanqian/ragserver/pkg/errors"
)

// MemoryConversationRepository is the in-process conversation store.
type MemoryConversationRepository struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]chat.Conversation
}

// NewMemoryConversationRepository constructs an empty repository.
func NewMemoryConversationRepository() *MemoryConversationRepository {
	return &MemoryConversationRepository{rows: make(map[uuid.UUID]chat.Conversation)}
}

func (r *MemoryConversationRepository) Create(_ context.Context, conv chat.Conversation) (chat.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[conv.ID] = conv
	return conv, nil
}

func (r *MemoryConversationRepository) Get(_ context.Context, id uuid.UUID, includeDeleted bool) (chat.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conv, ok := r.rows[id]
	if !ok || (!includeDeleted && conv.Status == chat.ConversationStatusDeleted) {
		return chat.Conversation{}, apperrors.New(apperrors.KindNotFound, "conversation_not_found", "conversation not found")
	}
	return conv, nil
}

func (r *MemoryConversationRepository) List(_ context.Context, ownerID int64, filter chat.ConversationFilter) ([]chat.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	search := strings.ToLower(strings.TrimSpace(filter.Search))
	var out []chat.Conversation
	for _, conv := range r.rows {
		if conv.OwnerID != ownerID {
			continue
		}
		if !filter.IncludeDeleted && conv.Status == chat.ConversationStatusDeleted {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(conv.Title), search) {
			continue
		}
		out = append(out, conv)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *MemoryConversationRepository) Update(_ context.Context, conv chat.Conversation, expectedVersion int64) (chat.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.rows[conv.ID]
	if !ok || existing.Status == chat.ConversationStatusDeleted {
		return chat.Conversation{}, apperrors.New(apperrors.KindNotFound, "conversation_not_found", "conversation not found")
	}
	if existing.Version != expectedVersion {
		return chat.Conversation{}, apperrors.New(apperrors.KindConflict, "version_conflict", "conversation was modified concurrently")
	}
	conv.Version = existing.Version + 1
	conv.MessageCount = existing.MessageCount
	r.rows[conv.ID] = conv
	return conv, nil
}

func (r *MemoryConversationRepository) SoftDelete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.rows[id]
	if !ok {
		return nil
	}
	conv.Status = chat.ConversationStatusDeleted
	conv.UpdatedAt = time.Now().UTC()
	r.rows[id] = conv
	return nil
}

func (r *MemoryConversationRepository) IncrementMessageCount(_ context.Context, id uuid.UUID, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conv, ok := r.rows[id]; ok {
		conv.MessageCount += delta
		conv.UpdatedAt = time.Now().UTC()
		r.rows[id] = conv
	}
	return nil
}

var _ chat.ConversationRepository = (*MemoryConversationRepository)(nil)

// MemoryMessageRepository is the in-process append-only message log.
type MemoryMessageRepository struct {
	mu     sync.RWMutex
	rows   map[uuid.UUID]chat.Message
	byConv map[uuid.UUID][]uuid.UUID
}

// NewMemoryMessageRepository constructs an empty repository.
func NewMemoryMessageRepository() *MemoryMessageRepository {
	return &MemoryMessageRepository{
		rows:   make(map[uuid.UUID]chat.Message),
		byConv: make(map[uuid.UUID][]uuid.UUID),
	}
}

func (r *MemoryMessageRepository) Append(_ context.Context, msg chat.Message) (chat.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rows[msg.ID]; exists {
		return chat.Message{}, apperrors.New(apperrors.KindConflict, "duplicate_message", "message id already exists")
	}
	r.rows[msg.ID] = msg
	r.byConv[msg.ConversationID] = append(r.byConv[msg.ConversationID], msg.ID)
	return msg, nil
}

func (r *MemoryMessageRepository) Update(_ context.Context, msg chat.Message) (chat.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.rows[msg.ID]
	if !ok {
		return chat.Message{}, apperrors.New(apperrors.KindNotFound, "message_not_found", "message not found")
	}
	if statusRank(msg.Status) < statusRank(existing.Status) {
		return chat.Message{}, apperrors.New(apperrors.KindConflict, "status_regression", "message status cannot regress")
	}
	r.rows[msg.ID] = msg
	return msg, nil
}

func (r *MemoryMessageRepository) Get(_ context.Context, id uuid.UUID) (chat.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	msg, ok := r.rows[id]
	if !ok {
		return chat.Message{}, apperrors.New(apperrors.KindNotFound, "message_not_found", "message not found")
	}
	return msg, nil
}

func (r *MemoryMessageRepository) ListByConversation(_ context.Context, conversationID uuid.UUID) ([]chat.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byConv[conversationID]
	out := make([]chat.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.rows[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (r *MemoryMessageRepository) FindByClientID(_ context.Context, conversationID uuid.UUID, role chat.MessageRole, clientID string) (chat.Message, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.byConv[conversationID] {
		msg := r.rows[id]
		if msg.Role == role && msg.ClientMessageID == clientID {
			return msg, true, nil
		}
	}
	return chat.Message{}, false, nil
}

func statusRank(status chat.MessageStatus) int {
	switch status {
	case chat.MessageStatusPending:
		return 0
	case chat.MessageStatusStreaming:
		return 1
	default:
		return 2
	}
}

var _ chat.MessageRepository = (*MemoryMessageRepository)(nil)
