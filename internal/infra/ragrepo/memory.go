package ragrepo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yanqian/ragserver/internal/domain/rag"
	apperrors "github.com/yanqian/ragserver/pkg/errors"
)

// MemoryCollectionRepository is the in-process collection store.
type MemoryCollectionRepository struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]rag.Collection
}

// NewMemoryCollectionRepository constructs an empty repository.
func NewMemoryCollectionRepository() *MemoryCollectionRepository {
	return &MemoryCollectionRepository{rows: make(map[uuid.UUID]rag.Collection)}
}

func (r *MemoryCollectionRepository) Create(_ context.Context, col rag.Collection) (rag.Collection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if col.ParentID != nil {
		parent, ok := r.rows[*col.ParentID]
		if !ok {
			return rag.Collection{}, apperrors.New(apperrors.KindNotFound, "collection_not_found", "parent collection not found")
		}
		if col.Path != parent.Path+"/"+col.Name {
			return rag.Collection{}, apperrors.New(apperrors.KindValidation, "invalid_path", "path does not match ancestor chain")
		}
	} else if col.Path != col.Name {
		return rag.Collection{}, apperrors.New(apperrors.KindValidation, "invalid_path", "path does not match ancestor chain")
	}
	r.rows[col.ID] = col
	return col, nil
}

func (r *MemoryCollectionRepository) Get(_ context.Context, id uuid.UUID, includeDeleted bool) (rag.Collection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	col, ok := r.rows[id]
	if !ok || (!includeDeleted && col.DeletedAt != nil) {
		return rag.Collection{}, apperrors.New(apperrors.KindNotFound, "collection_not_found", "collection not found")
	}
	return col, nil
}

func (r *MemoryCollectionRepository) List(_ context.Context, ownerID int64, parentID *uuid.UUID, opts rag.ListOptions) ([]rag.Collection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []rag.Collection
	for _, col := range r.rows {
		if col.OwnerID != ownerID {
			continue
		}
		if !opts.IncludeDeleted && col.DeletedAt != nil {
			continue
		}
		if parentID != nil && (col.ParentID == nil || *col.ParentID != *parentID) {
			continue
		}
		out = append(out, col)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return paginate(out, opts.Limit, opts.Offset), nil
}

func (r *MemoryCollectionRepository) Update(_ context.Context, col rag.Collection, expectedVersion int64) (rag.Collection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.rows[col.ID]
	if !ok || existing.DeletedAt != nil {
		return rag.Collection{}, apperrors.New(apperrors.KindNotFound, "collection_not_found", "collection not found")
	}
	if existing.Version != expectedVersion {
		return rag.Collection{}, apperrors.New(apperrors.KindConflict, "version_conflict", "collection was modified concurrently")
	}
	col.Version = existing.Version + 1
	col.TotalDocumentCount = existing.TotalDocumentCount
	r.rows[col.ID] = col
	return col, nil
}

func (r *MemoryCollectionRepository) Subtree(_ context.Context, id uuid.UUID) ([]rag.Collection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	root, ok := r.rows[id]
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "collection_not_found", "collection not found")
	}
	out := []rag.Collection{root}
	frontier := []uuid.UUID{id}
	for len(frontier) > 0 {
		next := frontier[:0:0]
		for _, col := range r.rows {
			if col.ParentID == nil {
				continue
			}
			for _, parent := range frontier {
				if *col.ParentID == parent {
					out = append(out, col)
					next = append(next, col.ID)
				}
			}
		}
		frontier = next
	}
	return out, nil
}

func (r *MemoryCollectionRepository) SavePaths(_ context.Context, cols []rag.Collection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, col := range cols {
		existing, ok := r.rows[col.ID]
		if !ok {
			return apperrors.New(apperrors.KindNotFound, "collection_not_found", "collection not found")
		}
		existing.Path = col.Path
		existing.ParentID = col.ParentID
		existing.UpdatedAt = time.Now().UTC()
		r.rows[col.ID] = existing
	}
	return nil
}

func (r *MemoryCollectionRepository) SoftDelete(_ context.Context, ids []uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if col, ok := r.rows[id]; ok && col.DeletedAt == nil {
			col.DeletedAt = &at
			r.rows[id] = col
		}
	}
	return nil
}

func (r *MemoryCollectionRepository) HardDelete(_ context.Context, ids []uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.rows, id)
	}
	return nil
}

func (r *MemoryCollectionRepository) AdjustDocumentCount(_ context.Context, ids []uuid.UUID, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if col, ok := r.rows[id]; ok {
			col.TotalDocumentCount += delta
			if col.TotalDocumentCount < 0 {
				col.TotalDocumentCount = 0
			}
			r.rows[id] = col
		}
	}
	return nil
}

var _ rag.CollectionRepository = (*MemoryCollectionRepository)(nil)

// MemoryDocumentRepository is the in-process document store.
type MemoryDocumentRepository struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]rag.Document
}

// NewMemoryDocumentRepository constructs an empty repository.
func NewMemoryDocumentRepository() *MemoryDocumentRepository {
	return &MemoryDocumentRepository{rows: make(map[uuid.UUID]rag.Document)}
}

func (r *MemoryDocumentRepository) Create(_ context.Context, doc rag.Document) (rag.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[doc.ID] = doc
	return doc, nil
}

func (r *MemoryDocumentRepository) Get(_ context.Context, id uuid.UUID, includeDeleted bool) (rag.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.rows[id]
	if !ok || (!includeDeleted && doc.DeletedAt != nil) {
		return rag.Document{}, apperrors.New(apperrors.KindNotFound, "document_not_found", "document not found")
	}
	return doc, nil
}

func (r *MemoryDocumentRepository) ListByCollections(_ context.Context, collectionIDs []uuid.UUID, opts rag.ListOptions) ([]rag.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []rag.Document
	for _, doc := range r.rows {
		if !containsID(collectionIDs, doc.CollectionID) {
			continue
		}
		if !opts.IncludeDeleted && doc.DeletedAt != nil {
			continue
		}
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return paginate(out, opts.Limit, opts.Offset), nil
}

func (r *MemoryDocumentRepository) Update(_ context.Context, doc rag.Document, expectedVersion int64) (rag.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.rows[doc.ID]
	if !ok || existing.DeletedAt != nil {
		return rag.Document{}, apperrors.New(apperrors.KindNotFound, "document_not_found", "document not found")
	}
	if existing.Version != expectedVersion {
		return rag.Document{}, apperrors.New(apperrors.KindConflict, "version_conflict", "document was modified concurrently")
	}
	doc.Version = existing.Version + 1
	r.rows[doc.ID] = doc
	return doc, nil
}

func (r *MemoryDocumentRepository) SetProgress(_ context.Context, id uuid.UUID, status rag.DocumentStatus, progress rag.Progress, chunkCount int, processedAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.rows[id]
	if !ok {
		return apperrors.New(apperrors.KindNotFound, "document_not_found", "document not found")
	}
	doc.Status = status
	doc.Progress = progress
	doc.ChunkCount = chunkCount
	doc.ProcessedAt = processedAt
	doc.UpdatedAt = time.Now().UTC()
	r.rows[id] = doc
	return nil
}

func (r *MemoryDocumentRepository) SoftDelete(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.rows[id]
	if !ok {
		return apperrors.New(apperrors.KindNotFound, "document_not_found", "document not found")
	}
	if doc.DeletedAt == nil {
		doc.DeletedAt = &at
		r.rows[id] = doc
	}
	return nil
}

func (r *MemoryDocumentRepository) HardDelete(_ context.Context, ids []uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.rows, id)
	}
	return nil
}

var _ rag.DocumentRepository = (*MemoryDocumentRepository)(nil)

// MemoryUploadRepository is the in-process upload store.
type MemoryUploadRepository struct {
	mu   sync.Mutex
	rows map[uuid.UUID]rag.Upload
}

// NewMemoryUploadRepository constructs an empty repository.
func NewMemoryUploadRepository() *MemoryUploadRepository {
	return &MemoryUploadRepository{rows: make(map[uuid.UUID]rag.Upload)}
}

func (r *MemoryUploadRepository) Create(_ context.Context, up rag.Upload) (rag.Upload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[up.ID] = up
	return up, nil
}

func (r *MemoryUploadRepository) Get(_ context.Context, id uuid.UUID) (rag.Upload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	up, ok := r.rows[id]
	if !ok {
		return rag.Upload{}, apperrors.New(apperrors.KindNotFound, "upload_not_found", "upload not found")
	}
	return up, nil
}

func (r *MemoryUploadRepository) Bind(_ context.Context, id uuid.UUID) (rag.Upload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	up, ok := r.rows[id]
	if !ok {
		return rag.Upload{}, apperrors.New(apperrors.KindNotFound, "upload_not_found", "upload not found")
	}
	switch up.State {
	case rag.UploadStateBound:
		return rag.Upload{}, apperrors.New(apperrors.KindConflict, "upload_bound", "upload is already bound to a document")
	case rag.UploadStateExpired:
		return rag.Upload{}, apperrors.New(apperrors.KindGone, "upload_expired", "upload has expired")
	}
	if time.Now().After(up.ExpiresAt) {
		up.State = rag.UploadStateExpired
		r.rows[id] = up
		return rag.Upload{}, apperrors.New(apperrors.KindGone, "upload_expired", "upload has expired")
	}
	up.State = rag.UploadStateBound
	r.rows[id] = up
	return up, nil
}

func (r *MemoryUploadRepository) ExpireBefore(_ context.Context, cutoff time.Time) ([]rag.Upload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []rag.Upload
	for id, up := range r.rows {
		if up.State == rag.UploadStateUploaded && up.ExpiresAt.Before(cutoff) {
			up.State = rag.UploadStateExpired
			r.rows[id] = up
			out = append(out, up)
		}
	}
	return out, nil
}

var _ rag.UploadRepository = (*MemoryUploadRepository)(nil)

// MemoryChunkRepository is the in-process chunk store.
type MemoryChunkRepository struct {
	mu    sync.RWMutex
	byDoc map[uuid.UUID][]rag.Chunk
	colOf func(documentID uuid.UUID) (uuid.UUID, bool)
}

// NewMemoryChunkRepository constructs an empty repository. docs resolves a
// document's collection for DeleteByCollections; it may be nil in tests.
func NewMemoryChunkRepository(docs *MemoryDocumentRepository) *MemoryChunkRepository {
	repo := &MemoryChunkRepository{byDoc: make(map[uuid.UUID][]rag.Chunk)}
	if docs != nil {
		repo.colOf = func(documentID uuid.UUID) (uuid.UUID, bool) {
			doc, err := docs.Get(context.Background(), documentID, true)
			if err != nil {
				return uuid.Nil, false
			}
			return doc.CollectionID, true
		}
	}
	return repo
}

func (r *MemoryChunkRepository) Replace(_ context.Context, documentID uuid.UUID, chunks []rag.Chunk) error {
	for i, c := range chunks {
		if c.Ordinal != i {
			return apperrors.New(apperrors.KindValidation, "sparse_ordinals", "chunk ordinals must be dense starting at zero")
		}
		if c.DocumentID != documentID {
			return apperrors.New(apperrors.KindValidation, "wrong_document", "chunk does not belong to the document")
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byDoc[documentID] = append([]rag.Chunk(nil), chunks...)
	return nil
}

func (r *MemoryChunkRepository) GetByIDs(_ context.Context, ids []uuid.UUID) ([]rag.Chunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	want := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var out []rag.Chunk
	for _, chunks := range r.byDoc {
		for _, c := range chunks {
			if _, ok := want[c.ID]; ok {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

func (r *MemoryChunkRepository) ListByDocument(_ context.Context, documentID uuid.UUID) ([]rag.Chunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]rag.Chunk(nil), r.byDoc[documentID]...), nil
}

func (r *MemoryChunkRepository) DeleteByDocument(_ context.Context, documentID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byDoc, documentID)
	return nil
}

func (r *MemoryChunkRepository) DeleteByCollections(_ context.Context, collectionIDs []uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.colOf == nil {
		return nil
	}
	for docID := range r.byDoc {
		if colID, ok := r.colOf(docID); ok && containsID(collectionIDs, colID) {
			delete(r.byDoc, docID)
		}
	}
	return nil
}

var _ rag.ChunkRepository = (*MemoryChunkRepository)(nil)

func paginate[T any](rows []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(rows) {
			return nil
		}
		rows = rows[offset:]
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

func containsID(list []uuid.UUID, id uuid.UUID) bool {
	for _, item := range list {
		if item == id {
			return true
		}
	}
	return false
}
