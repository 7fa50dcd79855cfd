package rag

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// ListOptions bound and order list reads. Ordering is deterministic per repo.
type ListOptions struct {
	Limit          int
	Offset         int
	IncludeDeleted bool
}

// CollectionRepository persists the collection tree.
type CollectionRepository interface {
	Create(ctx context.Context, col Collection) (Collection, error)
	Get(ctx context.Context, id uuid.UUID, includeDeleted bool) (Collection, error)
	List(ctx context.Context, ownerID int64, parentID *uuid.UUID, opts ListOptions) ([]Collection, error)
	// Update fails with Conflict when expectedVersion is stale.
	Update(ctx context.Context, col Collection, expectedVersion int64) (Collection, error)
	// Subtree returns the collection and every descendant, soft-deleted included.
	Subtree(ctx context.Context, id uuid.UUID) ([]Collection, error)
	// SavePaths rewrites paths and parents for a moved subtree in one transaction.
	SavePaths(ctx context.Context, cols []Collection) error
	SoftDelete(ctx context.Context, ids []uuid.UUID, at time.Time) error
	HardDelete(ctx context.Context, ids []uuid.UUID) error
	AdjustDocumentCount(ctx context.Context, ids []uuid.UUID, delta int) error
}

// DocumentRepository persists document metadata.
type DocumentRepository interface {
	Create(ctx context.Context, doc Document) (Document, error)
	Get(ctx context.Context, id uuid.UUID, includeDeleted bool) (Document, error)
	ListByCollections(ctx context.Context, collectionIDs []uuid.UUID, opts ListOptions) ([]Document, error)
	Update(ctx context.Context, doc Document, expectedVersion int64) (Document, error)
	// SetProgress persists pipeline state without bumping the caller-visible version.
	SetProgress(ctx context.Context, id uuid.UUID, status DocumentStatus, progress Progress, chunkCount int, processedAt *time.Time) error
	SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) error
	HardDelete(ctx context.Context, ids []uuid.UUID) error
}

// UploadRepository persists phase-one upload records.
type UploadRepository interface {
	Create(ctx context.Context, up Upload) (Upload, error)
	Get(ctx context.Context, id uuid.UUID) (Upload, error)
	// Bind transitions uploaded -> bound exactly once; a second bind is a Conflict
	// and binding an expired upload is Gone.
	Bind(ctx context.Context, id uuid.UUID) (Upload, error)
	// ExpireBefore marks unbound uploads past their deadline and returns them so
	// the caller can reclaim storage.
	ExpireBefore(ctx context.Context, cutoff time.Time) ([]Upload, error)
}

// ChunkRepository stores chunk text and metadata.
type ChunkRepository interface {
	// Replace swaps the full chunk set for a document in one transaction and
	// rejects non-dense ordinals.
	Replace(ctx context.Context, documentID uuid.UUID, chunks []Chunk) error
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]Chunk, error)
	ListByDocument(ctx context.Context, documentID uuid.UUID) ([]Chunk, error)
	DeleteByDocument(ctx context.Context, documentID uuid.UUID) error
	DeleteByCollections(ctx context.Context, collectionIDs []uuid.UUID) error
}

// VectorMetadata is stored alongside each vector for filtered search.
type VectorMetadata struct {
	DocumentID   uuid.UUID `json:"document_id"`
	CollectionID uuid.UUID `json:"collection_id"`
	OwnerID      int64     `json:"owner_id"`
	Ordinal      int       `json:"ordinal"`
	Page         *int      `json:"page,omitempty"`
	Section      *string   `json:"section,omitempty"`
}

// VectorRecord is one upserted similarity-index entry.
type VectorRecord struct {
	ChunkID  uuid.UUID
	Vector   []float32
	Metadata VectorMetadata
}

// VectorFilter restricts a search. CollectionIDs and DocumentIDs are set
// membership; OwnerID is an equality predicate.
type VectorFilter struct {
	OwnerID       int64
	CollectionIDs []uuid.UUID
	DocumentIDs   []uuid.UUID
}

// VectorMatch is one search hit, scored by cosine similarity in [-1, 1].
type VectorMatch struct {
	ChunkID  uuid.UUID
	Score    float64
	Metadata VectorMetadata
}

// VectorStore indexes chunk embeddings. Deletions are idempotent.
type VectorStore interface {
	Upsert(ctx context.Context, records []VectorRecord) error
	Search(ctx context.Context, vector []float32, k int, filter VectorFilter) ([]VectorMatch, error)
	DeleteByDocument(ctx context.Context, documentID uuid.UUID) error
	DeleteByCollection(ctx context.Context, collectionID uuid.UUID) error
}

// Embedder produces embeddings for free form text, aligned 1:1 with inputs.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ObjectStorage abstracts blob storage (MinIO/S3/local).
type ObjectStorage interface {
	Put(ctx context.Context, key string, data []byte, mimeType string) (StoredObject, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// StoredObject captures persisted blob metadata.
type StoredObject struct {
	Key      string
	Size     int64
	MimeType string
	ETag     string
}

// JobQueue enqueues ingestion jobs. A full queue surfaces Busy.
type JobQueue interface {
	Enqueue(ctx context.Context, name string, payload any) error
}

// ChunkCandidate is produced by the chunker before embedding.
type ChunkCandidate struct {
	Ordinal    int
	Content    string
	TokenCount int
	Source     SourceMeta
}

// Chunker splits extracted text into retrieval units.
type Chunker interface {
	Chunk(text string) []ChunkCandidate
}
