package rag

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/yanqian/ragserver/pkg/errors"
	"github.com/yanqian/ragserver/pkg/tokenizer"
)

const maxOverFetch = 50

// RetrieveRequest carries the question and the caller's token budget inputs.
type RetrieveRequest struct {
	Question                 string
	OwnerID                  int64
	CollectionIDs            []uuid.UUID
	DocumentIDs              []uuid.UUID
	K                        int
	SimilarityThreshold      float64
	ModelContextWindow       int
	SystemPromptTokens       int
	ReservedCompletionTokens int
	HistoryTokens            int
}

// PackedChunk is a chunk selected into the context window.
type PackedChunk struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// RetrieveResult is the packed context plus citation material.
type RetrieveResult struct {
	Chunks              []PackedChunk `json:"chunks"`
	Citations           []Citation    `json:"citations"`
	Truncated           bool          `json:"truncated"`
	InsufficientContext bool          `json:"insufficientContext"`
}

// Retriever performs similarity search and greedy context packing.
type Retriever struct {
	embedder  Embedder
	vectors   VectorStore
	chunks    ChunkRepository
	documents DocumentRepository
	counter   *tokenizer.Counter
	logger    *slog.Logger
}

// NewRetriever constructs a Retriever.
func NewRetriever(embedder Embedder, vectors VectorStore, chunks ChunkRepository, documents DocumentRepository, counter *tokenizer.Counter, logger *slog.Logger) *Retriever {
	return &Retriever{
		embedder:  embedder,
		vectors:   vectors,
		chunks:    chunks,
		documents: documents,
		counter:   counter,
		logger:    logger.With("component", "rag.retriever"),
	}
}

// Retrieve embeds the normalized question, over-fetches candidates, filters,
// and packs the highest scoring chunks into the remaining token budget.
func (r *Retriever) Retrieve(ctx context.Context, req RetrieveRequest) (RetrieveResult, error) {
	question := normalizeQuestion(req.Question)
	if question == "" {
		return RetrieveResult{}, apperrors.New(apperrors.KindValidation, "empty_question", "question cannot be empty")
	}
	if req.K == 0 {
		return RetrieveResult{InsufficientContext: true}, nil
	}
	k := req.K
	if k < 0 || k > maxOverFetch {
		k = maxOverFetch
	}

	embeddings, err := r.embedder.Embed(ctx, []string{question})
	if err != nil {
		return RetrieveResult{}, err
	}
	if len(embeddings) != 1 {
		return RetrieveResult{}, apperrors.New(apperrors.KindUnavailable, "embedder_misaligned", "embedder returned misaligned output")
	}

	overFetch := k * 3
	if overFetch > maxOverFetch {
		overFetch = maxOverFetch
	}
	matches, err := r.vectors.Search(ctx, embeddings[0], overFetch, VectorFilter{
		OwnerID:       req.OwnerID,
		CollectionIDs: req.CollectionIDs,
		DocumentIDs:   req.DocumentIDs,
	})
	if err != nil {
		return RetrieveResult{}, err
	}

	survivors := matches[:0]
	for _, m := range matches {
		if m.Score >= req.SimilarityThreshold {
			survivors = append(survivors, m)
		}
	}
	if len(survivors) == 0 {
		return RetrieveResult{InsufficientContext: true}, nil
	}

	ids := make([]uuid.UUID, 0, len(survivors))
	for _, m := range survivors {
		ids = append(ids, m.ChunkID)
	}
	loaded, err := r.chunks.GetByIDs(ctx, ids)
	if err != nil {
		return RetrieveResult{}, err
	}
	byID := make(map[uuid.UUID]Chunk, len(loaded))
	for _, c := range loaded {
		byID[c.ID] = c
	}

	type candidate struct {
		chunk     Chunk
		score     float64
		docUpdate time.Time
	}
	docUpdates := r.documentUpdateTimes(ctx, survivors)
	candidates := make([]candidate, 0, len(survivors))
	for _, m := range survivors {
		chunk, ok := byID[m.ChunkID]
		if !ok {
			// Index entry with no backing row: the stores disagree, skip it.
			r.logger.Warn("vector hit without chunk row", "chunk_id", m.ChunkID)
			continue
		}
		candidates = append(candidates, candidate{
			chunk:     chunk,
			score:     m.Score,
			docUpdate: docUpdates[m.Metadata.DocumentID],
		})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if !candidates[i].docUpdate.Equal(candidates[j].docUpdate) {
			return candidates[i].docUpdate.After(candidates[j].docUpdate)
		}
		return candidates[i].chunk.Ordinal < candidates[j].chunk.Ordinal
	})

	budget := req.ModelContextWindow - req.SystemPromptTokens - req.ReservedCompletionTokens - req.HistoryTokens
	result := RetrieveResult{}
	considered := 0
	for _, cand := range candidates {
		if considered >= k {
			result.Truncated = true
			break
		}
		considered++
		cost := cand.chunk.TokenCount
		if cost == 0 {
			cost = r.counter.Count(cand.chunk.Content)
		}
		if cost > budget {
			result.Truncated = true
			continue
		}
		budget -= cost
		result.Chunks = append(result.Chunks, PackedChunk{Chunk: cand.chunk, Score: cand.score})
		result.Citations = append(result.Citations, Citation{
			DocumentID: cand.chunk.DocumentID,
			ChunkID:    cand.chunk.ID,
			Score:      cand.score,
			Source:     cand.chunk.Source,
		})
	}
	if len(result.Chunks) == 0 {
		result.InsufficientContext = true
	}
	return result, nil
}

func (r *Retriever) documentUpdateTimes(ctx context.Context, matches []VectorMatch) map[uuid.UUID]time.Time {
	out := make(map[uuid.UUID]time.Time)
	for _, m := range matches {
		if _, seen := out[m.Metadata.DocumentID]; seen {
			continue
		}
		doc, err := r.documents.Get(ctx, m.Metadata.DocumentID, true)
		if err != nil {
			continue
		}
		out[m.Metadata.DocumentID] = doc.UpdatedAt
	}
	return out
}

func normalizeQuestion(raw string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(raw))), " ")
}
