package vectorstore

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/yanqian/ragserver/internal/domain/rag"
)

func record(docID, colID uuid.UUID, owner int64, ordinal int, vector []float32) rag.VectorRecord {
	return rag.VectorRecord{
		ChunkID: uuid.New(),
		Vector:  vector,
		Metadata: rag.VectorMetadata{
			DocumentID:   docID,
			CollectionID: colID,
			OwnerID:      owner,
			Ordinal:      ordinal,
		},
	}
}

func TestSearchOrdersByCosineSimilarity(t *testing.T) {
	s := NewMemoryStore()
	docID, colID := uuid.New(), uuid.New()
	exact := record(docID, colID, 1, 0, []float32{1, 0, 0})
	close90 := record(docID, colID, 1, 1, []float32{0.9, 0.1, 0})
	opposite := record(docID, colID, 1, 2, []float32{-1, 0, 0})
	require.NoError(t, s.Upsert(context.Background(), []rag.VectorRecord{opposite, close90, exact}))

	matches, err := s.Search(context.Background(), []float32{1, 0, 0}, 10, rag.VectorFilter{OwnerID: 1})
	require.NoError(t, err)
	require.Len(t, matches, 3)
	require.Equal(t, exact.ChunkID, matches[0].ChunkID)
	require.InDelta(t, 1.0, matches[0].Score, 1e-6)
	require.Equal(t, close90.ChunkID, matches[1].ChunkID)
	require.Equal(t, opposite.ChunkID, matches[2].ChunkID)
	require.InDelta(t, -1.0, matches[2].Score, 1e-6)
}

func TestSearchRespectsKAndFilters(t *testing.T) {
	s := NewMemoryStore()
	colA, colB := uuid.New(), uuid.New()
	docA, docB := uuid.New(), uuid.New()
	require.NoError(t, s.Upsert(context.Background(), []rag.VectorRecord{
		record(docA, colA, 1, 0, []float32{1, 0}),
		record(docA, colA, 1, 1, []float32{0.9, 0.1}),
		record(docB, colB, 1, 0, []float32{0.8, 0.2}),
		record(docB, colB, 2, 0, []float32{1, 0}),
	}))

	matches, err := s.Search(context.Background(), []float32{1, 0}, 1, rag.VectorFilter{OwnerID: 1})
	require.NoError(t, err)
	require.Len(t, matches, 1)

	matches, err = s.Search(context.Background(), []float32{1, 0}, 10, rag.VectorFilter{
		OwnerID:       1,
		CollectionIDs: []uuid.UUID{colB},
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, colB, matches[0].Metadata.CollectionID)

	matches, err = s.Search(context.Background(), []float32{1, 0}, 10, rag.VectorFilter{
		OwnerID:     1,
		DocumentIDs: []uuid.UUID{docA},
	})
	require.NoError(t, err)
	require.Len(t, matches, 2)
}

func TestSearchZeroKReturnsNothing(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Upsert(context.Background(), []rag.VectorRecord{
		record(uuid.New(), uuid.New(), 1, 0, []float32{1}),
	}))
	matches, err := s.Search(context.Background(), []float32{1}, 0, rag.VectorFilter{OwnerID: 1})
	require.NoError(t, err)
	require.Empty(t, matches)
}

func TestUpsertIsIdempotentPerChunk(t *testing.T) {
	s := NewMemoryStore()
	docID, colID := uuid.New(), uuid.New()
	rec := record(docID, colID, 1, 0, []float32{1, 0})
	require.NoError(t, s.Upsert(context.Background(), []rag.VectorRecord{rec}))
	rec.Vector = []float32{0, 1}
	require.NoError(t, s.Upsert(context.Background(), []rag.VectorRecord{rec}))
	require.Equal(t, 1, s.Count(docID))

	matches, err := s.Search(context.Background(), []float32{0, 1}, 1, rag.VectorFilter{OwnerID: 1})
	require.NoError(t, err)
	require.InDelta(t, 1.0, matches[0].Score, 1e-6)
}

func TestDeletesAreIdempotent(t *testing.T) {
	s := NewMemoryStore()
	docID, colID := uuid.New(), uuid.New()
	require.NoError(t, s.Upsert(context.Background(), []rag.VectorRecord{
		record(docID, colID, 1, 0, []float32{1, 0}),
		record(docID, colID, 1, 1, []float32{0, 1}),
	}))

	require.NoError(t, s.DeleteByDocument(context.Background(), docID))
	require.Zero(t, s.Count(docID))
	require.NoError(t, s.DeleteByDocument(context.Background(), docID))
	require.NoError(t, s.DeleteByCollection(context.Background(), colID))
	require.NoError(t, s.DeleteByCollection(context.Background(), uuid.New()))
}

func TestOwnerIsolation(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Upsert(context.Background(), []rag.VectorRecord{
		record(uuid.New(), uuid.New(), 1, 0, []float32{1, 0}),
		record(uuid.New(), uuid.New(), 2, 0, []float32{1, 0}),
	}))
	matches, err := s.Search(context.Background(), []float32{1, 0}, 10, rag.VectorFilter{OwnerID: 2})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, int64(2), matches[0].Metadata.OwnerID)
}
