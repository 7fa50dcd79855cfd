package embedder

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/yanqian/ragserver/internal/domain/rag"
	"github.com/yanqian/ragserver/internal/infra/llm/chatgpt"
	apperrors "github.com/yanqian/ragserver/pkg/errors"
)

// ChatGPTEmbedder calls an OpenAI-compatible embeddings API.
type ChatGPTEmbedder struct {
	client *chatgpt.Client
	model  string
	logger *slog.Logger
}

// NewChatGPTEmbedder constructs an embedder backed by the ChatGPT client.
func NewChatGPTEmbedder(client *chatgpt.Client, model string, logger *slog.Logger) *ChatGPTEmbedder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatGPTEmbedder{
		client: client,
		model:  strings.TrimSpace(model),
		logger: logger.With("component", "embedder.chatgpt"),
	}
}

// Embed requests embeddings for the given texts, batching to stay under the
// provider token cap. Outputs align 1:1 with inputs.
func (e *ChatGPTEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var (
		out            [][]float32
		batch          []string
		batchTokens    int
		maxBatchTokens = 200_000 // stay well below provider's 300k cap
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		resp, err := e.client.CreateEmbedding(batchCtx, chatgpt.EmbeddingRequest{
			Model: e.model,
			Input: batch,
		})
		if err != nil {
			return classify(err)
		}
		if len(resp.Data) != len(batch) {
			return apperrors.New(apperrors.KindUnavailable, "embedder_misaligned", "embedding result count mismatch")
		}
		for _, item := range resp.Data {
			vec := make([]float32, len(item.Embedding))
			copy(vec, item.Embedding)
			out = append(out, vec)
		}
		batch = batch[:0]
		batchTokens = 0
		return nil
	}

	for _, text := range texts {
		tokens := estimateTokens(text)
		if tokens > maxBatchTokens {
			return nil, apperrors.New(apperrors.KindValidation, "input_too_long", "text too large for a single embedding request")
		}
		if batchTokens+tokens > maxBatchTokens && len(batch) > 0 {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		batch = append(batch, text)
		batchTokens += tokens
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}

func classify(err error) error {
	var apiErr *chatgpt.APIError
	if errors.As(err, &apiErr) && !apiErr.Retryable() {
		return apperrors.Wrap(apperrors.KindValidation, "embedder_rejected", "embedder rejected the input", err)
	}
	return apperrors.Wrap(apperrors.KindUnavailable, "embedder_unavailable", "embedder unavailable", err)
}

// estimateTokens provides a rough, upper-biased token count without an
// encoder dependency.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	runes := utf8.RuneCountInString(text)
	words := len(strings.Fields(text))
	byRunes := (runes + 1) / 2
	if byRunes < words {
		return words
	}
	return byRunes
}

var _ rag.Embedder = (*ChatGPTEmbedder)(nil)
