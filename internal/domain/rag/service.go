package rag

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/yanqian/ragserver/pkg/errors"
)

// ServiceConfig bounds the upload flow.
type ServiceConfig struct {
	MaxFileBytes int64
	UploadTTL    time.Duration
}

// Service implements collection hierarchy, two-phase upload, and document
// lifecycle management.
type Service struct {
	cfg         ServiceConfig
	collections CollectionRepository
	documents   DocumentRepository
	uploads     UploadRepository
	chunks      ChunkRepository
	vectors     VectorStore
	storage     ObjectStorage
	queue       JobQueue
	logger      *slog.Logger
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig, collections CollectionRepository, documents DocumentRepository, uploads UploadRepository, chunks ChunkRepository, vectors VectorStore, storage ObjectStorage, queue JobQueue, logger *slog.Logger) *Service {
	if cfg.UploadTTL <= 0 {
		cfg.UploadTTL = 24 * time.Hour
	}
	return &Service{
		cfg:         cfg,
		collections: collections,
		documents:   documents,
		uploads:     uploads,
		chunks:      chunks,
		vectors:     vectors,
		storage:     storage,
		queue:       queue,
		logger:      logger.With("component", "rag.service"),
	}
}

// CreateCollectionRequest captures a new tree node.
type CreateCollectionRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Icon        string         `json:"icon"`
	Color       string         `json:"color"`
	Kind        CollectionKind `json:"kind"`
	ParentID    *uuid.UUID     `json:"parentId"`
}

// CreateCollection validates the parent chain and materializes the path.
func (s *Service) CreateCollection(ctx context.Context, ownerID int64, req CreateCollectionRequest) (Collection, error) {
	name, err := normalizeName(req.Name)
	if err != nil {
		return Collection{}, err
	}
	kind := req.Kind
	if kind == "" {
		kind = CollectionKindCollection
	}
	if kind != CollectionKindCollection && kind != CollectionKindFolder {
		return Collection{}, apperrors.New(apperrors.KindValidation, "invalid_kind", "kind must be collection or folder")
	}

	path := name
	if req.ParentID != nil {
		parent, err := s.ownedCollection(ctx, ownerID, *req.ParentID)
		if err != nil {
			return Collection{}, err
		}
		path = parent.Path + "/" + name
	}

	now := time.Now().UTC()
	col := Collection{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		Name:        name,
		Description: strings.TrimSpace(req.Description),
		Icon:        req.Icon,
		Color:       req.Color,
		Kind:        kind,
		ParentID:    req.ParentID,
		Path:        path,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	created, err := s.collections.Create(ctx, col)
	if err != nil {
		return Collection{}, err
	}
	return created, nil
}

// UpdateCollectionRequest renames or moves a node. Nil fields are untouched.
type UpdateCollectionRequest struct {
	Name            *string    `json:"name"`
	Description     *string    `json:"description"`
	Icon            *string    `json:"icon"`
	Color           *string    `json:"color"`
	ParentID        *uuid.UUID `json:"parentId"`
	Move            bool       `json:"move"`
	ExpectedVersion int64      `json:"expectedVersion"`
}

// UpdateCollection applies a rename/move and rewrites descendant paths
// atomically. Moving under a descendant is rejected.
func (s *Service) UpdateCollection(ctx context.Context, ownerID int64, id uuid.UUID, req UpdateCollectionRequest) (Collection, error) {
	col, err := s.ownedCollection(ctx, ownerID, id)
	if err != nil {
		return Collection{}, err
	}

	if req.Name != nil {
		name, err := normalizeName(*req.Name)
		if err != nil {
			return Collection{}, err
		}
		col.Name = name
	}
	if req.Description != nil {
		col.Description = strings.TrimSpace(*req.Description)
	}
	if req.Icon != nil {
		col.Icon = *req.Icon
	}
	if req.Color != nil {
		col.Color = *req.Color
	}

	parentPath := ""
	if req.Move {
		if req.ParentID != nil {
			if *req.ParentID == id {
				return Collection{}, apperrors.New(apperrors.KindValidation, "cyclic_move", "collection cannot be its own parent")
			}
			parent, err := s.ownedCollection(ctx, ownerID, *req.ParentID)
			if err != nil {
				return Collection{}, err
			}
			subtree, err := s.collections.Subtree(ctx, id)
			if err != nil {
				return Collection{}, err
			}
			for _, node := range subtree {
				if node.ID == parent.ID {
					return Collection{}, apperrors.New(apperrors.KindValidation, "cyclic_move", "collection cannot be moved under its own descendant")
				}
			}
			parentPath = parent.Path
		}
		col.ParentID = req.ParentID
	} else if col.ParentID != nil {
		parent, err := s.collections.Get(ctx, *col.ParentID, true)
		if err != nil {
			return Collection{}, err
		}
		parentPath = parent.Path
	}

	oldPath := col.Path
	if parentPath == "" {
		col.Path = col.Name
	} else {
		col.Path = parentPath + "/" + col.Name
	}
	col.UpdatedAt = time.Now().UTC()

	updated, err := s.collections.Update(ctx, col, req.ExpectedVersion)
	if err != nil {
		return Collection{}, err
	}

	if oldPath != updated.Path {
		if err := s.rewriteDescendantPaths(ctx, updated, oldPath); err != nil {
			return Collection{}, err
		}
	}
	return updated, nil
}

func (s *Service) rewriteDescendantPaths(ctx context.Context, root Collection, oldPath string) error {
	subtree, err := s.collections.Subtree(ctx, root.ID)
	if err != nil {
		return err
	}
	changed := make([]Collection, 0, len(subtree))
	for _, node := range subtree {
		if node.ID == root.ID {
			continue
		}
		if strings.HasPrefix(node.Path, oldPath+"/") {
			node.Path = root.Path + strings.TrimPrefix(node.Path, oldPath)
			changed = append(changed, node)
		}
	}
	if len(changed) == 0 {
		return nil
	}
	return s.collections.SavePaths(ctx, changed)
}

// ListCollections returns the owner's nodes under a parent.
func (s *Service) ListCollections(ctx context.Context, ownerID int64, parentID *uuid.UUID, opts ListOptions) ([]Collection, error) {
	return s.collections.List(ctx, ownerID, parentID, opts)
}

// GetCollection fetches a single owned node.
func (s *Service) GetCollection(ctx context.Context, ownerID int64, id uuid.UUID) (Collection, error) {
	return s.ownedCollection(ctx, ownerID, id)
}

// DeleteCollection soft-deletes by default. With hard=true the subtree, its
// documents, chunks, and vectors are removed irreversibly, leaves first.
func (s *Service) DeleteCollection(ctx context.Context, ownerID int64, id uuid.UUID, hard bool) error {
	if _, err := s.ownedCollection(ctx, ownerID, id); err != nil {
		return err
	}
	subtree, err := s.collections.Subtree(ctx, id)
	if err != nil {
		return err
	}
	ids := make([]uuid.UUID, 0, len(subtree))
	for _, node := range subtree {
		ids = append(ids, node.ID)
	}

	if !hard {
		return s.collections.SoftDelete(ctx, ids, time.Now().UTC())
	}

	for _, colID := range ids {
		if err := s.vectors.DeleteByCollection(ctx, colID); err != nil {
			return apperrors.Wrap(apperrors.KindUnavailable, "vector_delete_failed", "failed to remove collection vectors", err)
		}
	}
	if err := s.chunks.DeleteByCollections(ctx, ids); err != nil {
		return err
	}
	docs, err := s.documents.ListByCollections(ctx, ids, ListOptions{IncludeDeleted: true})
	if err != nil {
		return err
	}
	docIDs := make([]uuid.UUID, 0, len(docs))
	for _, doc := range docs {
		docIDs = append(docIDs, doc.ID)
	}
	if err := s.documents.HardDelete(ctx, docIDs); err != nil {
		return err
	}
	return s.collections.HardDelete(ctx, ids)
}

// BeginUploadRequest is the phase-one payload.
type BeginUploadRequest struct {
	FileName     string
	DeclaredSize int64
	MimeType     string
	Content      []byte
}

// BeginUpload validates bytes against the declaration and parks them under a
// server-controlled storage key.
func (s *Service) BeginUpload(ctx context.Context, ownerID int64, req BeginUploadRequest) (Upload, error) {
	if len(req.Content) == 0 {
		return Upload{}, apperrors.New(apperrors.KindValidation, "empty_upload", "file content cannot be empty")
	}
	if s.cfg.MaxFileBytes > 0 && int64(len(req.Content)) > s.cfg.MaxFileBytes {
		return Upload{}, apperrors.New(apperrors.KindPayloadTooLarge, "file_too_large", "file exceeds maximum allowed size").
			WithDetails(map[string]any{"max_bytes": s.cfg.MaxFileBytes})
	}
	if req.DeclaredSize > 0 && int64(len(req.Content)) != req.DeclaredSize {
		return Upload{}, apperrors.New(apperrors.KindPayloadTooLarge, "size_mismatch", "uploaded bytes do not match declared size").
			WithDetails(map[string]any{"declared": req.DeclaredSize, "received": len(req.Content)})
	}
	fileName := strings.TrimSpace(req.FileName)
	if fileName == "" {
		fileName = "document.txt"
	}
	mime := strings.TrimSpace(req.MimeType)
	if mime == "" {
		mime = http.DetectContentType(req.Content)
	}

	id := uuid.New()
	key := fmt.Sprintf("uploads/%d/%s/%s", ownerID, id.String(), sanitizeFilename(fileName))
	obj, err := s.storage.Put(ctx, key, req.Content, mime)
	if err != nil {
		return Upload{}, apperrors.Wrap(apperrors.KindUnavailable, "storage_error", "failed to store file", err)
	}

	now := time.Now().UTC()
	up := Upload{
		ID:           id,
		OwnerID:      ownerID,
		FileName:     fileName,
		DeclaredSize: obj.Size,
		MimeType:     mime,
		StorageKey:   obj.Key,
		State:        UploadStateUploaded,
		ExpiresAt:    now.Add(s.cfg.UploadTTL),
		CreatedAt:    now,
	}
	return s.uploads.Create(ctx, up)
}

// CreateDocumentRequest is the phase-two payload binding an upload.
type CreateDocumentRequest struct {
	UploadID     uuid.UUID `json:"uploadId"`
	CollectionID uuid.UUID `json:"collectionId"`
	Title        string    `json:"title"`
}

// CreateDocument binds the upload, records the document as pending, and
// enqueues the ingestion job.
func (s *Service) CreateDocument(ctx context.Context, ownerID int64, req CreateDocumentRequest) (Document, error) {
	col, err := s.ownedCollection(ctx, ownerID, req.CollectionID)
	if err != nil {
		return Document{}, err
	}
	up, err := s.uploads.Get(ctx, req.UploadID)
	if err != nil {
		return Document{}, err
	}
	if up.OwnerID != ownerID {
		return Document{}, apperrors.New(apperrors.KindNotFound, "upload_not_found", "upload not found")
	}
	bound, err := s.uploads.Bind(ctx, up.ID)
	if err != nil {
		return Document{}, err
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = bound.FileName
	}
	now := time.Now().UTC()
	doc := Document{
		ID:           uuid.New(),
		CollectionID: col.ID,
		Title:        title,
		FileName:     bound.FileName,
		SizeBytes:    bound.DeclaredSize,
		MimeType:     bound.MimeType,
		StorageKey:   bound.StorageKey,
		Status:       DocumentStatusPending,
		Progress:     Progress{Stage: StageFetching, Percentage: 0},
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	created, err := s.documents.Create(ctx, doc)
	if err != nil {
		return Document{}, err
	}
	if err := s.bumpAncestorCounts(ctx, col, 1); err != nil {
		s.logger.Warn("document count update failed", "collection_id", col.ID, "error", err)
	}

	job := IngestJob{
		DocumentID:   created.ID,
		UploadHandle: bound.StorageKey,
		CollectionID: col.ID,
		OwnerID:      ownerID,
		RequestedAt:  now,
	}
	if err := s.queue.Enqueue(ctx, "ingest_document", job); err != nil {
		return Document{}, err
	}
	return created, nil
}

// GetDocument fetches an owned document.
func (s *Service) GetDocument(ctx context.Context, ownerID int64, id uuid.UUID) (Document, error) {
	return s.ownedDocument(ctx, ownerID, id)
}

// ListDocuments returns documents in a collection.
func (s *Service) ListDocuments(ctx context.Context, ownerID int64, collectionID uuid.UUID, opts ListOptions) ([]Document, error) {
	if _, err := s.ownedCollection(ctx, ownerID, collectionID); err != nil {
		return nil, err
	}
	return s.documents.ListByCollections(ctx, []uuid.UUID{collectionID}, opts)
}

// DeleteDocument removes vectors and chunks, then soft-deletes the record.
// Repeated deletes succeed.
func (s *Service) DeleteDocument(ctx context.Context, ownerID int64, id uuid.UUID) error {
	doc, err := s.documents.Get(ctx, id, true)
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindNotFound) {
			return nil
		}
		return err
	}
	col, err := s.collections.Get(ctx, doc.CollectionID, true)
	if err != nil {
		return err
	}
	if col.OwnerID != ownerID {
		return apperrors.New(apperrors.KindNotFound, "document_not_found", "document not found")
	}
	if err := s.vectors.DeleteByDocument(ctx, id); err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, "vector_delete_failed", "failed to remove document vectors", err)
	}
	if err := s.chunks.DeleteByDocument(ctx, id); err != nil {
		return err
	}
	if doc.DeletedAt != nil {
		return nil
	}
	if err := s.documents.SoftDelete(ctx, id, time.Now().UTC()); err != nil {
		return err
	}
	if err := s.bumpAncestorCounts(ctx, col, -1); err != nil {
		s.logger.Warn("document count update failed", "collection_id", col.ID, "error", err)
	}
	return nil
}

// ReingestDocument re-enqueues a failed document.
func (s *Service) ReingestDocument(ctx context.Context, ownerID int64, id uuid.UUID) (Document, error) {
	doc, err := s.ownedDocument(ctx, ownerID, id)
	if err != nil {
		return Document{}, err
	}
	if doc.Status != DocumentStatusFailed {
		return Document{}, apperrors.New(apperrors.KindConflict, "not_failed", "only failed documents can be re-ingested")
	}
	if doc.StorageKey == "" {
		return Document{}, apperrors.New(apperrors.KindGone, "source_unavailable", "original upload is no longer available")
	}
	job := IngestJob{
		DocumentID:   doc.ID,
		UploadHandle: doc.StorageKey,
		CollectionID: doc.CollectionID,
		OwnerID:      ownerID,
		RequestedAt:  time.Now().UTC(),
	}
	if err := s.queue.Enqueue(ctx, "ingest_document", job); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// SweepExpiredUploads expires unbound uploads and reclaims their blobs.
func (s *Service) SweepExpiredUploads(ctx context.Context) (int, error) {
	expired, err := s.uploads.ExpireBefore(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	for _, up := range expired {
		if err := s.storage.Delete(ctx, up.StorageKey); err != nil {
			s.logger.Warn("failed to reclaim expired upload", "upload_id", up.ID, "error", err)
		}
	}
	return len(expired), nil
}

func (s *Service) ownedCollection(ctx context.Context, ownerID int64, id uuid.UUID) (Collection, error) {
	col, err := s.collections.Get(ctx, id, false)
	if err != nil {
		return Collection{}, err
	}
	if col.OwnerID != ownerID {
		return Collection{}, apperrors.New(apperrors.KindNotFound, "collection_not_found", "collection not found")
	}
	return col, nil
}

func (s *Service) ownedDocument(ctx context.Context, ownerID int64, id uuid.UUID) (Document, error) {
	doc, err := s.documents.Get(ctx, id, false)
	if err != nil {
		return Document{}, err
	}
	col, err := s.collections.Get(ctx, doc.CollectionID, true)
	if err != nil {
		return Document{}, err
	}
	if col.OwnerID != ownerID {
		return Document{}, apperrors.New(apperrors.KindNotFound, "document_not_found", "document not found")
	}
	return doc, nil
}

func (s *Service) bumpAncestorCounts(ctx context.Context, col Collection, delta int) error {
	ids := []uuid.UUID{col.ID}
	node := col
	for node.ParentID != nil {
		parent, err := s.collections.Get(ctx, *node.ParentID, true)
		if err != nil {
			return err
		}
		ids = append(ids, parent.ID)
		node = parent
	}
	return s.collections.AdjustDocumentCount(ctx, ids, delta)
}

func normalizeName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", apperrors.New(apperrors.KindValidation, "invalid_name", "name cannot be empty").
			WithSuggestions("provide a non-empty collection name")
	}
	if strings.Contains(name, "/") {
		return "", apperrors.New(apperrors.KindValidation, "invalid_name", "name cannot contain '/'")
	}
	return name, nil
}

func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "..", "")
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ':
			return '_'
		}
		return r
	}, name)
	return name
}
