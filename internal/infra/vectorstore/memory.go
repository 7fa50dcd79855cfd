package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/yanqian/ragserver/internal/domain/rag"
)

// MemoryStore computes cosine similarity in process. Used for tests and for
// deployments without Postgres.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]rag.VectorRecord
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[uuid.UUID]rag.VectorRecord)}
}

func (s *MemoryStore) Upsert(_ context.Context, records []rag.VectorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		clone := rec
		clone.Vector = append([]float32(nil), rec.Vector...)
		s.records[rec.ChunkID] = clone
	}
	return nil
}

func (s *MemoryStore) Search(_ context.Context, vector []float32, k int, filter rag.VectorFilter) ([]rag.VectorMatch, error) {
	if k <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []rag.VectorMatch
	for _, rec := range s.records {
		if filter.OwnerID != 0 && rec.Metadata.OwnerID != filter.OwnerID {
			continue
		}
		if len(filter.CollectionIDs) > 0 && !containsID(filter.CollectionIDs, rec.Metadata.CollectionID) {
			continue
		}
		if len(filter.DocumentIDs) > 0 && !containsID(filter.DocumentIDs, rec.Metadata.DocumentID) {
			continue
		}
		out = append(out, rag.VectorMatch{
			ChunkID:  rec.ChunkID,
			Score:    cosine(vector, rec.Vector),
			Metadata: rec.Metadata,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (s *MemoryStore) DeleteByDocument(_ context.Context, documentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.records {
		if rec.Metadata.DocumentID == documentID {
			delete(s.records, id)
		}
	}
	return nil
}

func (s *MemoryStore) DeleteByCollection(_ context.Context, collectionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.records {
		if rec.Metadata.CollectionID == collectionID {
			delete(s.records, id)
		}
	}
	return nil
}

// Count reports stored entries for a document; test helper.
func (s *MemoryStore) Count(documentID uuid.UUID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.records {
		if rec.Metadata.DocumentID == documentID {
			n++
		}
	}
	return n
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func containsID(list []uuid.UUID, id uuid.UUID) bool {
	for _, item := range list {
		if item == id {
			return true
		}
	}
	return false
}

var _ rag.VectorStore = (*MemoryStore)(nil)
