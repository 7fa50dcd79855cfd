package chatrepo

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yanqian/ragserver/internal/domain/chat"
	apperrors "github.com/yanqian/ragserver/pkg/errors"
)

// PostgresConversationRepository persists chat threads.
type PostgresConversationRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresConversationRepository constructs the repository.
func NewPostgresConversationRepository(pool *pgxpool.Pool) *PostgresConversationRepository {
	return &PostgresConversationRepository{pool: pool}
}

const conversationColumns = `id, owner_id, title, status, model_name, system_prompt, message_count, version, created_at, updated_at`

func (r *PostgresConversationRepository) Create(ctx context.Context, conv chat.Conversation) (chat.Conversation, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO conversations (id, owner_id, title, status, model_name, system_prompt, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+conversationColumns+`
	`, conv.ID, conv.OwnerID, conv.Title, conv.Status, conv.ModelName, conv.SystemPrompt, conv.Version, conv.CreatedAt, conv.UpdatedAt)
	return scanConversation(row)
}

func (r *PostgresConversationRepository) Get(ctx context.Context, id uuid.UUID, includeDeleted bool) (chat.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1`
	if !includeDeleted {
		query += ` AND status <> 'deleted'`
	}
	conv, err := scanConversation(r.pool.QueryRow(ctx, query+` LIMIT 1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return chat.Conversation{}, apperrors.New(apperrors.KindNotFound, "conversation_not_found", "conversation not found")
		}
		return chat.Conversation{}, storeErr(err)
	}
	return conv, nil
}

func (r *PostgresConversationRepository) List(ctx context.Context, ownerID int64, filter chat.ConversationFilter) ([]chat.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE owner_id = $1`
	args := []any{ownerID}
	pos := 2
	if !filter.IncludeDeleted {
		query += ` AND status <> 'deleted'`
	}
	if filter.Search != "" {
		query += ` AND title ILIKE $` + strconv.Itoa(pos)
		args = append(args, "%"+filter.Search+"%")
		pos++
	}
	query += ` ORDER BY updated_at DESC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT $` + strconv.Itoa(pos)
		args = append(args, filter.Limit)
		pos++
	}
	if filter.Offset > 0 {
		query += ` OFFSET $` + strconv.Itoa(pos)
		args = append(args, filter.Offset)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	var out []chat.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

func (r *PostgresConversationRepository) Update(ctx context.Context, conv chat.Conversation, expectedVersion int64) (chat.Conversation, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE conversations
		SET title = $1, status = $2, model_name = $3, system_prompt = $4, version = version + 1, updated_at = $5
		WHERE id = $6 AND version = $7 AND status <> 'deleted'
		RETURNING `+conversationColumns+`
	`, conv.Title, conv.Status, conv.ModelName, conv.SystemPrompt, conv.UpdatedAt, conv.ID, expectedVersion)
	updated, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := r.Get(ctx, conv.ID, false); getErr != nil {
				return chat.Conversation{}, getErr
			}
			return chat.Conversation{}, apperrors.New(apperrors.KindConflict, "version_conflict", "conversation was modified concurrently")
		}
		return chat.Conversation{}, storeErr(err)
	}
	return updated, nil
}

func (r *PostgresConversationRepository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE conversations SET status = 'deleted', updated_at = NOW() WHERE id = $1
	`, id)
	return storeErr(err)
}

func (r *PostgresConversationRepository) IncrementMessageCount(ctx context.Context, id uuid.UUID, delta int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE conversations SET message_count = message_count + $1, updated_at = NOW() WHERE id = $2
	`, delta, id)
	return storeErr(err)
}

func scanConversation(row pgx.Row) (chat.Conversation, error) {
	var conv chat.Conversation
	if err := row.Scan(&conv.ID, &conv.OwnerID, &conv.Title, &conv.Status, &conv.ModelName, &conv.SystemPrompt,
		&conv.MessageCount, &conv.Version, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		return chat.Conversation{}, err
	}
	return conv, nil
}

var _ chat.ConversationRepository = (*PostgresConversationRepository)(nil)

// PostgresMessageRepository persists the append-only message log. Tool calls
// are stored as a JSONB column on the message row.
type PostgresMessageRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresMessageRepository constructs the repository.
func NewPostgresMessageRepository(pool *pgxpool.Pool) *PostgresMessageRepository {
	return &PostgresMessageRepository{pool: pool}
}

const messageColumns = `id, conversation_id, role, content, thinking, tool_calls, tool_call_id, status, error_code, prompt_tokens, completion_tokens, total_tokens, client_message_id, created_at`

func (r *PostgresMessageRepository) Append(ctx context.Context, msg chat.Message) (chat.Message, error) {
	toolCalls, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return chat.Message{}, err
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, thinking, tool_calls, tool_call_id, status,
			error_code, prompt_tokens, completion_tokens, total_tokens, client_message_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING `+messageColumns+`
	`, msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.Thinking, toolCalls, msg.ToolCallID, msg.Status,
		msg.ErrorCode, msg.Usage.PromptTokens, msg.Usage.CompletionTokens, msg.Usage.TotalTokens, nullable(msg.ClientMessageID), msg.CreatedAt)
	return scanMessage(row)
}

func (r *PostgresMessageRepository) Update(ctx context.Context, msg chat.Message) (chat.Message, error) {
	toolCalls, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return chat.Message{}, err
	}
	// The CASE guard keeps terminal statuses terminal under racing writers.
	row := r.pool.QueryRow(ctx, `
		UPDATE messages
		SET content = $1, thinking = $2, tool_calls = $3, status = CASE
				WHEN status IN ('complete', 'error') THEN status
				WHEN status = 'streaming' AND $4::text = 'pending' THEN status
				ELSE $4::text
			END,
			error_code = $5, prompt_tokens = $6, completion_tokens = $7, total_tokens = $8
		WHERE id = $9
		RETURNING `+messageColumns+`
	`, msg.Content, msg.Thinking, toolCalls, msg.Status, msg.ErrorCode,
		msg.Usage.PromptTokens, msg.Usage.CompletionTokens, msg.Usage.TotalTokens, msg.ID)
	updated, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return chat.Message{}, apperrors.New(apperrors.KindNotFound, "message_not_found", "message not found")
		}
		return chat.Message{}, storeErr(err)
	}
	return updated, nil
}

func (r *PostgresMessageRepository) Get(ctx context.Context, id uuid.UUID) (chat.Message, error) {
	msg, err := scanMessage(r.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1 LIMIT 1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return chat.Message{}, apperrors.New(apperrors.KindNotFound, "message_not_found", "message not found")
		}
		return chat.Message{}, storeErr(err)
	}
	return msg, nil
}

func (r *PostgresMessageRepository) ListByConversation(ctx context.Context, conversationID uuid.UUID) ([]chat.Message, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC
	`, conversationID)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	var out []chat.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (r *PostgresMessageRepository) FindByClientID(ctx context.Context, conversationID uuid.UUID, role chat.MessageRole, clientID string) (chat.Message, bool, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1 AND role = $2 AND client_message_id = $3
		ORDER BY created_at ASC
		LIMIT 1
	`, conversationID, role, clientID)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return chat.Message{}, false, nil
		}
		return chat.Message{}, false, storeErr(err)
	}
	return msg, true, nil
}

func scanMessage(row pgx.Row) (chat.Message, error) {
	var (
		msg       chat.Message
		toolCalls []byte
		clientID  *string
	)
	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.Thinking, &toolCalls,
		&msg.ToolCallID, &msg.Status, &msg.ErrorCode, &msg.Usage.PromptTokens, &msg.Usage.CompletionTokens,
		&msg.Usage.TotalTokens, &clientID, &msg.CreatedAt); err != nil {
		return chat.Message{}, err
	}
	if len(toolCalls) > 0 {
		_ = json.Unmarshal(toolCalls, &msg.ToolCalls)
	}
	if clientID != nil {
		msg.ClientMessageID = *clientID
	}
	return msg, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func storeErr(err error) error {
	if err == nil {
		return nil
	}
	return apperrors.Wrap(apperrors.KindUnavailable, "store_error", "transactional store failure", err)
}

var _ chat.MessageRepository = (*PostgresMessageRepository)(nil)
