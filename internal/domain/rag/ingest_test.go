package rag_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/yanqian/ragserver/internal/domain/rag"
	"github.com/yanqian/ragserver/internal/infra/chunker"
	"github.com/yanqian/ragserver/internal/infra/embedder"
	"github.com/yanqian/ragserver/internal/infra/ragrepo"
	"github.com/yanqian/ragserver/internal/infra/storage"
	"github.com/yanqian/ragserver/internal/infra/vectorstore"
	apperrors "github.com/yanqian/ragserver/pkg/errors"
	"github.com/yanqian/ragserver/pkg/tokenizer"
)

type flakyEmbedder struct {
	inner    rag.Embedder
	failures int
}

func (e *flakyEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if e.failures > 0 {
		e.failures--
		return nil, apperrors.New(apperrors.KindUnavailable, "embedder_unavailable", "transient failure")
	}
	return e.inner.Embed(ctx, texts)
}

type workerFixture struct {
	documents *ragrepo.MemoryDocumentRepository
	chunks    *ragrepo.MemoryChunkRepository
	vectors   *vectorstore.MemoryStore
	storage   *storage.MemoryStorage
	embedder  *flakyEmbedder
	broker    *rag.ProgressBroker
	worker    *rag.Worker
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	documents := ragrepo.NewMemoryDocumentRepository()
	f := &workerFixture{
		documents: documents,
		chunks:    ragrepo.NewMemoryChunkRepository(documents),
		vectors:   vectorstore.NewMemoryStore(),
		storage:   storage.NewMemoryStorage(),
		embedder:  &flakyEmbedder{inner: embedder.NewDeterministicEmbedder(16)},
		broker:    rag.NewProgressBroker(),
	}
	split := chunker.NewSplitter(1000, 200, 50, tokenizer.NewCounter())
	f.worker = rag.NewWorker(rag.WorkerConfig{
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
	}, f.documents, f.chunks, f.vectors, f.storage, f.embedder, split, f.broker, newTestLogger())
	return f
}

func (f *workerFixture) seedDocument(t *testing.T, content, mime string) (rag.Document, rag.IngestJob) {
	t.Helper()
	key := "uploads/7/" + uuid.NewString() + "/notes.txt"
	_, err := f.storage.Put(context.Background(), key, []byte(content), mime)
	require.NoError(t, err)
	now := time.Now().UTC()
	doc, err := f.documents.Create(context.Background(), rag.Document{
		ID:           uuid.New(),
		CollectionID: uuid.New(),
		Title:        "notes",
		FileName:     "notes.txt",
		SizeBytes:    int64(len(content)),
		MimeType:     mime,
		StorageKey:   key,
		Status:       rag.DocumentStatusPending,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	require.NoError(t, err)
	job := rag.IngestJob{
		DocumentID:   doc.ID,
		UploadHandle: key,
		CollectionID: doc.CollectionID,
		OwnerID:      7,
		RequestedAt:  now,
	}
	return doc, job
}

func largeText() string {
	var b strings.Builder
	for i := 0; i < 120; i++ {
		b.WriteString("This paragraph carries roughly one hundred characters of text to exercise the splitter logic here.\n\n")
	}
	return b.String()
}

func TestIngestHappyPath(t *testing.T) {
	f := newWorkerFixture(t)
	doc, job := f.seedDocument(t, largeText(), "text/plain")

	events, cancel := f.broker.Subscribe(doc.ID)
	defer cancel()

	require.NoError(t, f.worker.Process(context.Background(), job))

	final, err := f.documents.Get(context.Background(), doc.ID, false)
	require.NoError(t, err)
	require.Equal(t, rag.DocumentStatusComplete, final.Status)
	require.Equal(t, 100, final.Progress.Percentage)
	require.NotNil(t, final.ProcessedAt)
	require.Greater(t, final.ChunkCount, 0)

	stored, err := f.chunks.ListByDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Len(t, stored, final.ChunkCount)
	for i, c := range stored {
		require.Equal(t, i, c.Ordinal)
	}
	// The similarity index mirrors the transactional store.
	require.Equal(t, final.ChunkCount, f.vectors.Count(doc.ID))

	// Stage progression surfaced through the broker.
	stages := map[rag.IngestStage]bool{}
	for {
		select {
		case ev := <-events:
			stages[ev.Progress.Stage] = true
			if ev.Terminal() {
				for _, want := range []rag.IngestStage{rag.StageFetching, rag.StageParsing, rag.StageSplitting, rag.StageEmbedding, rag.StageStoring, rag.StageFinalizing} {
					require.True(t, stages[want], "missing stage %s", want)
				}
				return
			}
		default:
			t.Fatal("terminal progress event not delivered")
		}
	}
}

func TestIngestIdempotentOnCompleteDocument(t *testing.T) {
	f := newWorkerFixture(t)
	doc, job := f.seedDocument(t, largeText(), "text/plain")
	require.NoError(t, f.worker.Process(context.Background(), job))

	before, err := f.chunks.ListByDocument(context.Background(), doc.ID)
	require.NoError(t, err)

	require.NoError(t, f.worker.Process(context.Background(), job))
	after, err := f.chunks.ListByDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Equal(t, len(before), len(after))
	for i := range before {
		require.Equal(t, before[i].ID, after[i].ID, "re-processing a complete document must be a no-op")
	}
}

func TestIngestDeterministicChunking(t *testing.T) {
	f := newWorkerFixture(t)
	text := largeText()
	docA, jobA := f.seedDocument(t, text, "text/plain")
	docB, jobB := f.seedDocument(t, text, "text/plain")

	require.NoError(t, f.worker.Process(context.Background(), jobA))
	require.NoError(t, f.worker.Process(context.Background(), jobB))

	chunksA, err := f.chunks.ListByDocument(context.Background(), docA.ID)
	require.NoError(t, err)
	chunksB, err := f.chunks.ListByDocument(context.Background(), docB.ID)
	require.NoError(t, err)
	require.Equal(t, len(chunksA), len(chunksB))
	for i := range chunksA {
		require.Equal(t, chunksA[i].Content, chunksB[i].Content)
		require.Equal(t, chunksA[i].Ordinal, chunksB[i].Ordinal)
	}
}

func TestIngestParsingFailureIsTerminal(t *testing.T) {
	f := newWorkerFixture(t)
	doc, job := f.seedDocument(t, "%PDF-1.4 corrupt payload", "application/pdf")

	require.NoError(t, f.worker.Process(context.Background(), job))

	final, err := f.documents.Get(context.Background(), doc.ID, false)
	require.NoError(t, err)
	require.Equal(t, rag.DocumentStatusFailed, final.Status)
	require.Zero(t, final.ChunkCount)
	require.Zero(t, f.vectors.Count(doc.ID))
}

func TestIngestRetriesTransientEmbedderFailures(t *testing.T) {
	f := newWorkerFixture(t)
	doc, job := f.seedDocument(t, largeText(), "text/plain")
	f.embedder.failures = 2 // fewer than MaxRetries

	require.NoError(t, f.worker.Process(context.Background(), job))
	final, err := f.documents.Get(context.Background(), doc.ID, false)
	require.NoError(t, err)
	require.Equal(t, rag.DocumentStatusComplete, final.Status)
}

func TestIngestExhaustedRetriesPurgesPartials(t *testing.T) {
	f := newWorkerFixture(t)
	doc, job := f.seedDocument(t, largeText(), "text/plain")
	f.embedder.failures = 100 // beyond MaxRetries

	require.NoError(t, f.worker.Process(context.Background(), job))

	final, err := f.documents.Get(context.Background(), doc.ID, false)
	require.NoError(t, err)
	require.Equal(t, rag.DocumentStatusFailed, final.Status)
	stored, err := f.chunks.ListByDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Empty(t, stored)
	require.Zero(t, f.vectors.Count(doc.ID))
}

func TestIngestFailedDocumentRetriesFromScratch(t *testing.T) {
	f := newWorkerFixture(t)
	doc, job := f.seedDocument(t, largeText(), "text/plain")

	f.embedder.failures = 100
	require.NoError(t, f.worker.Process(context.Background(), job))
	failed, err := f.documents.Get(context.Background(), doc.ID, false)
	require.NoError(t, err)
	require.Equal(t, rag.DocumentStatusFailed, failed.Status)

	f.embedder.failures = 0
	require.NoError(t, f.worker.Process(context.Background(), job))
	final, err := f.documents.Get(context.Background(), doc.ID, false)
	require.NoError(t, err)
	require.Equal(t, rag.DocumentStatusComplete, final.Status)
	require.Equal(t, final.ChunkCount, f.vectors.Count(doc.ID))
}

func TestIngestUnknownJobDiscarded(t *testing.T) {
	f := newWorkerFixture(t)
	require.NoError(t, f.worker.HandleJob(context.Background(), "unrelated_job", []byte(`{}`)))
}

func TestHandleJobDecodesEnvelope(t *testing.T) {
	f := newWorkerFixture(t)
	doc, job := f.seedDocument(t, largeText(), "text/plain")
	payload, err := json.Marshal(job)
	require.NoError(t, err)

	require.NoError(t, f.worker.HandleJob(context.Background(), "ingest_document", payload))
	final, err := f.documents.Get(context.Background(), doc.ID, false)
	require.NoError(t, err)
	require.Equal(t, rag.DocumentStatusComplete, final.Status)
}
