package rag_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/yanqian/ragserver/internal/domain/rag"
	"github.com/yanqian/ragserver/internal/infra/ragrepo"
	"github.com/yanqian/ragserver/internal/infra/storage"
	"github.com/yanqian/ragserver/internal/infra/vectorstore"
	apperrors "github.com/yanqian/ragserver/pkg/errors"
)

type recordingQueue struct {
	jobs []rag.IngestJob
	full bool
}

func (q *recordingQueue) Enqueue(_ context.Context, name string, payload any) error {
	if q.full {
		return apperrors.New(apperrors.KindBusy, "queue_full", "ingestion queue is full")
	}
	if job, ok := payload.(rag.IngestJob); ok {
		q.jobs = append(q.jobs, job)
	}
	return nil
}

type serviceFixture struct {
	collections *ragrepo.MemoryCollectionRepository
	documents   *ragrepo.MemoryDocumentRepository
	uploads     *ragrepo.MemoryUploadRepository
	chunks      *ragrepo.MemoryChunkRepository
	vectors     *vectorstore.MemoryStore
	storage     *storage.MemoryStorage
	queue       *recordingQueue
	svc         *rag.Service
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	documents := ragrepo.NewMemoryDocumentRepository()
	f := &serviceFixture{
		collections: ragrepo.NewMemoryCollectionRepository(),
		documents:   documents,
		uploads:     ragrepo.NewMemoryUploadRepository(),
		chunks:      ragrepo.NewMemoryChunkRepository(documents),
		vectors:     vectorstore.NewMemoryStore(),
		storage:     storage.NewMemoryStorage(),
		queue:       &recordingQueue{},
	}
	f.svc = rag.NewService(rag.ServiceConfig{
		MaxFileBytes: 1 << 20,
		UploadTTL:    24 * time.Hour,
	}, f.collections, f.documents, f.uploads, f.chunks, f.vectors, f.storage, f.queue, newTestLogger())
	return f
}

const owner = int64(7)

func (f *serviceFixture) mustCreateCollection(t *testing.T, name string, parent *uuid.UUID) rag.Collection {
	t.Helper()
	col, err := f.svc.CreateCollection(context.Background(), owner, rag.CreateCollectionRequest{
		Name:     name,
		ParentID: parent,
	})
	require.NoError(t, err)
	return col
}

func TestCollectionPathsFollowAncestry(t *testing.T) {
	f := newServiceFixture(t)
	root := f.mustCreateCollection(t, "research", nil)
	child := f.mustCreateCollection(t, "papers", &root.ID)
	grand := f.mustCreateCollection(t, "2024", &child.ID)

	require.Equal(t, "research", root.Path)
	require.Equal(t, "research/papers", child.Path)
	require.Equal(t, "research/papers/2024", grand.Path)
}

func TestCollectionNameValidation(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.svc.CreateCollection(context.Background(), owner, rag.CreateCollectionRequest{Name: "  "})
	require.True(t, apperrors.IsKind(err, apperrors.KindValidation))
	_, err = f.svc.CreateCollection(context.Background(), owner, rag.CreateCollectionRequest{Name: "a/b"})
	require.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestMoveSubtreeRewritesDescendantPaths(t *testing.T) {
	f := newServiceFixture(t)
	root := f.mustCreateCollection(t, "root", nil)
	src := f.mustCreateCollection(t, "src", &root.ID)
	leaf := f.mustCreateCollection(t, "leaf", &src.ID)
	dst := f.mustCreateCollection(t, "dst", &root.ID)

	moved, err := f.svc.UpdateCollection(context.Background(), owner, src.ID, rag.UpdateCollectionRequest{
		ParentID:        &dst.ID,
		Move:            true,
		ExpectedVersion: src.Version,
	})
	require.NoError(t, err)
	require.Equal(t, "root/dst/src", moved.Path)

	reloaded, err := f.svc.GetCollection(context.Background(), owner, leaf.ID)
	require.NoError(t, err)
	require.Equal(t, "root/dst/src/leaf", reloaded.Path)
}

func TestMoveUnderDescendantRejected(t *testing.T) {
	f := newServiceFixture(t)
	parent := f.mustCreateCollection(t, "parent", nil)
	child := f.mustCreateCollection(t, "child", &parent.ID)

	_, err := f.svc.UpdateCollection(context.Background(), owner, parent.ID, rag.UpdateCollectionRequest{
		ParentID:        &child.ID,
		Move:            true,
		ExpectedVersion: parent.Version,
	})
	require.True(t, apperrors.IsKind(err, apperrors.KindValidation))
	require.True(t, apperrors.IsCode(err, "cyclic_move"))
}

func TestUpdateCollectionOptimisticConflict(t *testing.T) {
	f := newServiceFixture(t)
	col := f.mustCreateCollection(t, "shared", nil)

	name1 := "first"
	_, err := f.svc.UpdateCollection(context.Background(), owner, col.ID, rag.UpdateCollectionRequest{
		Name:            &name1,
		ExpectedVersion: col.Version,
	})
	require.NoError(t, err)

	name2 := "second"
	_, err = f.svc.UpdateCollection(context.Background(), owner, col.ID, rag.UpdateCollectionRequest{
		Name:            &name2,
		ExpectedVersion: col.Version, // stale
	})
	require.True(t, apperrors.IsKind(err, apperrors.KindConflict))
}

func uploadBytes(t *testing.T, f *serviceFixture, content string) rag.Upload {
	t.Helper()
	up, err := f.svc.BeginUpload(context.Background(), owner, rag.BeginUploadRequest{
		FileName:     "notes.txt",
		DeclaredSize: int64(len(content)),
		MimeType:     "text/plain",
		Content:      []byte(content),
	})
	require.NoError(t, err)
	require.Equal(t, rag.UploadStateUploaded, up.State)
	return up
}

func TestUploadSizeMismatchRejected(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.svc.BeginUpload(context.Background(), owner, rag.BeginUploadRequest{
		FileName:     "notes.txt",
		DeclaredSize: 5,
		MimeType:     "text/plain",
		Content:      []byte("exactly longer than declared"),
	})
	require.True(t, apperrors.IsKind(err, apperrors.KindPayloadTooLarge))
}

func TestUploadExactDeclaredSizeSucceeds(t *testing.T) {
	f := newServiceFixture(t)
	content := "twelve bytes"
	up, err := f.svc.BeginUpload(context.Background(), owner, rag.BeginUploadRequest{
		FileName:     "notes.txt",
		DeclaredSize: int64(len(content)),
		MimeType:     "text/plain",
		Content:      []byte(content),
	})
	require.NoError(t, err)
	require.Equal(t, int64(len(content)), up.DeclaredSize)
}

func TestCreateDocumentBindsUploadOnce(t *testing.T) {
	f := newServiceFixture(t)
	col := f.mustCreateCollection(t, "docs", nil)
	up := uploadBytes(t, f, "document body text")

	doc, err := f.svc.CreateDocument(context.Background(), owner, rag.CreateDocumentRequest{
		UploadID:     up.ID,
		CollectionID: col.ID,
		Title:        "My Doc",
	})
	require.NoError(t, err)
	require.Equal(t, rag.DocumentStatusPending, doc.Status)
	require.Len(t, f.queue.jobs, 1)
	require.Equal(t, doc.ID, f.queue.jobs[0].DocumentID)

	_, err = f.svc.CreateDocument(context.Background(), owner, rag.CreateDocumentRequest{
		UploadID:     up.ID,
		CollectionID: col.ID,
	})
	require.True(t, apperrors.IsKind(err, apperrors.KindConflict))
}

func TestBindExpiredUploadGone(t *testing.T) {
	f := newServiceFixture(t)
	col := f.mustCreateCollection(t, "docs", nil)
	up := uploadBytes(t, f, "soon to expire")

	_, err := f.uploads.ExpireBefore(context.Background(), time.Now().Add(48*time.Hour))
	require.NoError(t, err)

	_, err = f.svc.CreateDocument(context.Background(), owner, rag.CreateDocumentRequest{
		UploadID:     up.ID,
		CollectionID: col.ID,
	})
	require.True(t, apperrors.IsKind(err, apperrors.KindGone))
}

func TestCreateDocumentQueueFullBusy(t *testing.T) {
	f := newServiceFixture(t)
	col := f.mustCreateCollection(t, "docs", nil)
	up := uploadBytes(t, f, "queued out")
	f.queue.full = true

	_, err := f.svc.CreateDocument(context.Background(), owner, rag.CreateDocumentRequest{
		UploadID:     up.ID,
		CollectionID: col.ID,
	})
	require.True(t, apperrors.IsKind(err, apperrors.KindBusy))
}

func TestDocumentCountPropagatesToAncestors(t *testing.T) {
	f := newServiceFixture(t)
	root := f.mustCreateCollection(t, "root", nil)
	child := f.mustCreateCollection(t, "child", &root.ID)
	up := uploadBytes(t, f, "counted")

	_, err := f.svc.CreateDocument(context.Background(), owner, rag.CreateDocumentRequest{
		UploadID:     up.ID,
		CollectionID: child.ID,
	})
	require.NoError(t, err)

	reloadedRoot, err := f.svc.GetCollection(context.Background(), owner, root.ID)
	require.NoError(t, err)
	require.Equal(t, 1, reloadedRoot.TotalDocumentCount)
}

func TestDeleteDocumentIdempotent(t *testing.T) {
	f := newServiceFixture(t)
	col := f.mustCreateCollection(t, "docs", nil)
	up := uploadBytes(t, f, "to be deleted")
	doc, err := f.svc.CreateDocument(context.Background(), owner, rag.CreateDocumentRequest{
		UploadID:     up.ID,
		CollectionID: col.ID,
	})
	require.NoError(t, err)

	chunk := rag.Chunk{ID: uuid.New(), DocumentID: doc.ID, Ordinal: 0, Content: "c", CreatedAt: time.Now().UTC()}
	require.NoError(t, f.chunks.Replace(context.Background(), doc.ID, []rag.Chunk{chunk}))
	require.NoError(t, f.vectors.Upsert(context.Background(), []rag.VectorRecord{{
		ChunkID:  chunk.ID,
		Vector:   []float32{1, 0},
		Metadata: rag.VectorMetadata{DocumentID: doc.ID, CollectionID: col.ID, OwnerID: owner},
	}}))

	require.NoError(t, f.svc.DeleteDocument(context.Background(), owner, doc.ID))
	require.NoError(t, f.svc.DeleteDocument(context.Background(), owner, doc.ID))
	require.NoError(t, f.svc.DeleteDocument(context.Background(), owner, uuid.New()))

	remaining, err := f.chunks.ListByDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Empty(t, remaining)
	require.Zero(t, f.vectors.Count(doc.ID))
}

func TestHardDeleteCollectionCascades(t *testing.T) {
	f := newServiceFixture(t)
	root := f.mustCreateCollection(t, "root", nil)
	child := f.mustCreateCollection(t, "child", &root.ID)
	up := uploadBytes(t, f, "cascade me")
	doc, err := f.svc.CreateDocument(context.Background(), owner, rag.CreateDocumentRequest{
		UploadID:     up.ID,
		CollectionID: child.ID,
	})
	require.NoError(t, err)

	chunk := rag.Chunk{ID: uuid.New(), DocumentID: doc.ID, Ordinal: 0, Content: "c", CreatedAt: time.Now().UTC()}
	require.NoError(t, f.chunks.Replace(context.Background(), doc.ID, []rag.Chunk{chunk}))
	require.NoError(t, f.vectors.Upsert(context.Background(), []rag.VectorRecord{{
		ChunkID:  chunk.ID,
		Vector:   []float32{1, 0},
		Metadata: rag.VectorMetadata{DocumentID: doc.ID, CollectionID: child.ID, OwnerID: owner},
	}}))

	require.NoError(t, f.svc.DeleteCollection(context.Background(), owner, root.ID, true))

	_, err = f.svc.GetCollection(context.Background(), owner, child.ID)
	require.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
	remaining, err := f.chunks.ListByDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Empty(t, remaining)
	require.Zero(t, f.vectors.Count(doc.ID))
}

func TestSoftDeleteCollectionHidesSubtree(t *testing.T) {
	f := newServiceFixture(t)
	root := f.mustCreateCollection(t, "root", nil)
	child := f.mustCreateCollection(t, "child", &root.ID)

	require.NoError(t, f.svc.DeleteCollection(context.Background(), owner, root.ID, false))

	_, err := f.svc.GetCollection(context.Background(), owner, child.ID)
	require.True(t, apperrors.IsKind(err, apperrors.KindNotFound))

	listed, err := f.collections.List(context.Background(), owner, nil, rag.ListOptions{IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, listed, 2)
}

func TestSweepExpiredUploadsReclaimsStorage(t *testing.T) {
	f := newServiceFixture(t)
	up := uploadBytes(t, f, "expiring soon")

	// Force expiry by shifting the deadline behind the sweeper cutoff.
	stored, err := f.uploads.Get(context.Background(), up.ID)
	require.NoError(t, err)
	stored.ExpiresAt = time.Now().Add(-time.Minute)
	_, err = f.uploads.Create(context.Background(), stored)
	require.NoError(t, err)

	swept, err := f.svc.SweepExpiredUploads(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, swept)

	reloaded, err := f.uploads.Get(context.Background(), up.ID)
	require.NoError(t, err)
	require.Equal(t, rag.UploadStateExpired, reloaded.State)
}
