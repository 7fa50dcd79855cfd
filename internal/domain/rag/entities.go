package rag

import (
	"time"

	"github.com/google/uuid"
)

// CollectionKind distinguishes grouping nodes from plain folders.
type CollectionKind string

const (
	CollectionKindCollection CollectionKind = "collection"
	CollectionKindFolder     CollectionKind = "folder"
)

// Collection is a node in the user's document hierarchy. Path is the
// materialized chain of ancestor names joined by "/".
type Collection struct {
	ID          uuid.UUID      `json:"id"`
	OwnerID     int64          `json:"ownerId"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Icon        string         `json:"icon,omitempty"`
	Color       string         `json:"color,omitempty"`
	Kind        CollectionKind `json:"kind"`
	ParentID    *uuid.UUID     `json:"parentId,omitempty"`
	Path        string         `json:"path"`
	// TotalDocumentCount includes documents in descendant collections.
	TotalDocumentCount int        `json:"totalDocumentCount"`
	Version            int64      `json:"version"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
	DeletedAt          *time.Time `json:"deletedAt,omitempty"`
}

// DocumentStatus tracks pipeline progress.
type DocumentStatus string

const (
	DocumentStatusPending    DocumentStatus = "pending"
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusComplete   DocumentStatus = "complete"
	DocumentStatusFailed     DocumentStatus = "failed"
)

// IngestStage names the pipeline phase reflected in progress updates.
type IngestStage string

const (
	StageFetching   IngestStage = "fetching"
	StageParsing    IngestStage = "parsing"
	StageSplitting  IngestStage = "splitting"
	StageEmbedding  IngestStage = "embedding"
	StageStoring    IngestStage = "storing"
	StageFinalizing IngestStage = "finalizing"
	StageFailed     IngestStage = "failed"
)

// Progress is the externally visible processing state of a document.
type Progress struct {
	Stage      IngestStage `json:"stage"`
	Percentage int         `json:"percentage"`
	Message    string      `json:"message,omitempty"`
}

// Document represents an ingested file inside a collection.
type Document struct {
	ID           uuid.UUID      `json:"id"`
	CollectionID uuid.UUID      `json:"collectionId"`
	Title        string         `json:"title"`
	FileName     string         `json:"fileName"`
	SizeBytes    int64          `json:"sizeBytes"`
	MimeType     string         `json:"mimeType"`
	StorageKey   string         `json:"-"`
	Status       DocumentStatus `json:"status"`
	Progress     Progress       `json:"progress"`
	ChunkCount   int            `json:"chunkCount"`
	Version      int64          `json:"version"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	ProcessedAt  *time.Time     `json:"processedAt,omitempty"`
	DeletedAt    *time.Time     `json:"deletedAt,omitempty"`
}

// UploadState captures the two-phase upload lifecycle.
type UploadState string

const (
	UploadStateUploaded UploadState = "uploaded"
	UploadStateBound    UploadState = "bound"
	UploadStateExpired  UploadState = "expired"
)

// Upload is the phase-one record holding bytes until a document binds them.
type Upload struct {
	ID           uuid.UUID   `json:"id"`
	OwnerID      int64       `json:"ownerId"`
	FileName     string      `json:"fileName"`
	DeclaredSize int64       `json:"declaredSize"`
	MimeType     string      `json:"mimeType"`
	StorageKey   string      `json:"-"`
	State        UploadState `json:"state"`
	ExpiresAt    time.Time   `json:"expiresAt"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// SourceMeta locates a chunk inside its original document.
type SourceMeta struct {
	Page    *int    `json:"page,omitempty"`
	Section *string `json:"section,omitempty"`
}

// Chunk is the retrieval unit. Ordinals are dense within a document.
type Chunk struct {
	ID         uuid.UUID  `json:"id"`
	DocumentID uuid.UUID  `json:"documentId"`
	Ordinal    int        `json:"ordinal"`
	Content    string     `json:"content"`
	TokenCount int        `json:"tokenCount"`
	Source     SourceMeta `json:"source"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Citation references a chunk that contributed to an answer.
type Citation struct {
	DocumentID uuid.UUID  `json:"documentId"`
	ChunkID    uuid.UUID  `json:"chunkId"`
	Score      float64    `json:"score"`
	Source     SourceMeta `json:"source"`
}

// IngestJob is the queue payload driving the worker.
type IngestJob struct {
	DocumentID   uuid.UUID `json:"document_id"`
	UploadHandle string    `json:"upload_handle"`
	CollectionID uuid.UUID `json:"collection_id"`
	OwnerID      int64     `json:"owner_id"`
	RequestedAt  time.Time `json:"requested_at"`
}
