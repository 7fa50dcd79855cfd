package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	apperrors "github.com/yanqian/ragserver/pkg/errors"
)

// WorkerConfig tunes the ingestion pipeline.
type WorkerConfig struct {
	MaxRetries       int
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	EmbedBatchSize   int
	UpsertBatchSize  int
	ProgressInterval time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = 16
	}
	if c.UpsertBatchSize <= 0 {
		c.UpsertBatchSize = 64
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 2 * time.Second
	}
	return c
}

// Worker drives the chunk -> embed -> index pipeline for queued documents.
// Processing is idempotent keyed on document id.
type Worker struct {
	cfg       WorkerConfig
	documents DocumentRepository
	chunks    ChunkRepository
	vectors   VectorStore
	storage   ObjectStorage
	embedder  Embedder
	chunker   Chunker
	progress  *ProgressBroker
	logger    *slog.Logger

	lastPublish time.Time
}

// NewWorker constructs a Worker.
func NewWorker(cfg WorkerConfig, documents DocumentRepository, chunks ChunkRepository, vectors VectorStore, storage ObjectStorage, embedder Embedder, chunker Chunker, progress *ProgressBroker, logger *slog.Logger) *Worker {
	return &Worker{
		cfg:       cfg.withDefaults(),
		documents: documents,
		chunks:    chunks,
		vectors:   vectors,
		storage:   storage,
		embedder:  embedder,
		chunker:   chunker,
		progress:  progress,
		logger:    logger.With("component", "rag.ingest"),
	}
}

// HandleJob adapts queue payloads to Process.
func (w *Worker) HandleJob(ctx context.Context, name string, payload []byte) error {
	if name != "ingest_document" {
		w.logger.Warn("unknown job discarded", "name", name)
		return nil
	}
	var job IngestJob
	if err := json.Unmarshal(payload, &job); err != nil {
		w.logger.Error("malformed ingest job discarded", "error", err)
		return nil
	}
	return w.Process(ctx, job)
}

// Process runs the pipeline for one job. Re-processing a complete document is
// a no-op; a failed or half-processed document starts from scratch after its
// partial chunks are purged.
func (w *Worker) Process(ctx context.Context, job IngestJob) error {
	doc, err := w.documents.Get(ctx, job.DocumentID, false)
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindNotFound) {
			w.logger.Info("ingest job for missing document dropped", "document_id", job.DocumentID)
			return nil
		}
		return err
	}
	if doc.Status == DocumentStatusComplete {
		return nil
	}
	if doc.Status == DocumentStatusFailed || doc.Status == DocumentStatusProcessing {
		if err := w.purgePartial(ctx, doc.ID); err != nil {
			return err
		}
	}

	w.logger.Info("ingest start", "document_id", doc.ID, "file", doc.FileName)

	raw, err := w.fetch(ctx, doc, job)
	if err != nil {
		return w.fail(ctx, doc, StageFetching, err)
	}

	text, err := w.parse(ctx, doc, raw)
	if err != nil {
		return w.fail(ctx, doc, StageParsing, err)
	}

	candidates, err := w.split(ctx, doc, text)
	if err != nil {
		return w.fail(ctx, doc, StageSplitting, err)
	}

	embedded, err := w.embed(ctx, doc, candidates)
	if err != nil {
		return w.fail(ctx, doc, StageEmbedding, err)
	}

	stored, err := w.store(ctx, doc, job, candidates, embedded)
	if err != nil {
		return w.fail(ctx, doc, StageStoring, err)
	}

	w.publish(ctx, doc.ID, DocumentStatusProcessing, Progress{Stage: StageFinalizing, Percentage: 95, Message: "finalizing"}, stored, nil, true)
	now := time.Now().UTC()
	w.publish(ctx, doc.ID, DocumentStatusComplete, Progress{Stage: StageFinalizing, Percentage: 100, Message: "complete"}, stored, &now, true)
	w.logger.Info("ingest complete", "document_id", doc.ID, "chunks", stored)
	return nil
}

func (w *Worker) fetch(ctx context.Context, doc Document, job IngestJob) ([]byte, error) {
	w.publish(ctx, doc.ID, DocumentStatusProcessing, Progress{Stage: StageFetching, Percentage: 0, Message: "loading upload"}, 0, nil, true)

	handle := job.UploadHandle
	if handle == "" {
		handle = doc.StorageKey
	}
	if handle == "" {
		return nil, apperrors.New(apperrors.KindGone, "source_unavailable", "no storage handle for document")
	}
	reader, err := w.storage.Get(ctx, handle)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "storage_error", "failed to open upload", err)
	}
	defer reader.Close()
	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "storage_error", "failed to read upload", err)
	}
	if doc.SizeBytes > 0 && int64(len(raw)) != doc.SizeBytes {
		return nil, apperrors.New(apperrors.KindValidation, "size_mismatch",
			fmt.Sprintf("stored bytes (%d) differ from declared size (%d)", len(raw), doc.SizeBytes))
	}
	w.publish(ctx, doc.ID, DocumentStatusProcessing, Progress{Stage: StageFetching, Percentage: 5, Message: "upload loaded"}, 0, nil, false)
	return raw, nil
}

func (w *Worker) parse(ctx context.Context, doc Document, raw []byte) (string, error) {
	w.publish(ctx, doc.ID, DocumentStatusProcessing, Progress{Stage: StageParsing, Percentage: 5, Message: "extracting text"}, 0, nil, true)
	text, err := extractText(raw, doc.MimeType)
	if err != nil {
		return "", err
	}
	w.publish(ctx, doc.ID, DocumentStatusProcessing, Progress{Stage: StageParsing, Percentage: 15, Message: "text extracted"}, 0, nil, false)
	return text, nil
}

func (w *Worker) split(ctx context.Context, doc Document, text string) ([]ChunkCandidate, error) {
	w.publish(ctx, doc.ID, DocumentStatusProcessing, Progress{Stage: StageSplitting, Percentage: 15, Message: "splitting"}, 0, nil, true)
	candidates := w.chunker.Chunk(text)
	if len(candidates) == 0 {
		return nil, apperrors.New(apperrors.KindValidation, "empty_document", "no content to index")
	}
	w.publish(ctx, doc.ID, DocumentStatusProcessing, Progress{Stage: StageSplitting, Percentage: 30, Message: fmt.Sprintf("%d chunks", len(candidates))}, 0, nil, false)
	return candidates, nil
}

func (w *Worker) embed(ctx context.Context, doc Document, candidates []ChunkCandidate) ([][]float32, error) {
	w.publish(ctx, doc.ID, DocumentStatusProcessing, Progress{Stage: StageEmbedding, Percentage: 30, Message: "embedding"}, 0, nil, true)
	out := make([][]float32, 0, len(candidates))
	for start := 0; start < len(candidates); start += w.cfg.EmbedBatchSize {
		end := start + w.cfg.EmbedBatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		texts := make([]string, 0, end-start)
		for _, c := range candidates[start:end] {
			texts = append(texts, c.Content)
		}
		vectors, err := w.withRetry(ctx, func() ([][]float32, error) {
			return w.embedder.Embed(ctx, texts)
		})
		if err != nil {
			return nil, err
		}
		if len(vectors) != len(texts) {
			return nil, apperrors.New(apperrors.KindUnavailable, "embedder_misaligned", "embedder returned misaligned output")
		}
		out = append(out, vectors...)

		pct := 30 + (50*end)/len(candidates)
		w.publish(ctx, doc.ID, DocumentStatusProcessing, Progress{
			Stage:      StageEmbedding,
			Percentage: pct,
			Message:    fmt.Sprintf("embedded %d/%d", end, len(candidates)),
		}, 0, nil, false)
	}
	return out, nil
}

func (w *Worker) store(ctx context.Context, doc Document, job IngestJob, candidates []ChunkCandidate, vectors [][]float32) (int, error) {
	w.publish(ctx, doc.ID, DocumentStatusProcessing, Progress{Stage: StageStoring, Percentage: 80, Message: "storing"}, 0, nil, true)

	now := time.Now().UTC()
	chunks := make([]Chunk, 0, len(candidates))
	records := make([]VectorRecord, 0, len(candidates))
	for i, c := range candidates {
		chunk := Chunk{
			ID:         uuid.New(),
			DocumentID: doc.ID,
			Ordinal:    c.Ordinal,
			Content:    c.Content,
			TokenCount: c.TokenCount,
			Source:     c.Source,
			CreatedAt:  now,
		}
		chunks = append(chunks, chunk)
		records = append(records, VectorRecord{
			ChunkID: chunk.ID,
			Vector:  vectors[i],
			Metadata: VectorMetadata{
				DocumentID:   doc.ID,
				CollectionID: doc.CollectionID,
				OwnerID:      job.OwnerID,
				Ordinal:      c.Ordinal,
				Page:         c.Source.Page,
				Section:      c.Source.Section,
			},
		})
	}

	if _, err := w.withRetry(ctx, func() ([][]float32, error) {
		return nil, w.chunks.Replace(ctx, doc.ID, chunks)
	}); err != nil {
		return 0, err
	}

	for start := 0; start < len(records); start += w.cfg.UpsertBatchSize {
		end := start + w.cfg.UpsertBatchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]
		if _, err := w.withRetry(ctx, func() ([][]float32, error) {
			return nil, w.vectors.Upsert(ctx, batch)
		}); err != nil {
			return 0, err
		}
		pct := 80 + (15*end)/len(records)
		w.publish(ctx, doc.ID, DocumentStatusProcessing, Progress{
			Stage:      StageStoring,
			Percentage: pct,
			Message:    fmt.Sprintf("indexed %d/%d", end, len(records)),
		}, 0, nil, false)
	}
	return len(chunks), nil
}

// withRetry retries retryable failures with exponential backoff.
func (w *Worker) withRetry(ctx context.Context, fn func() ([][]float32, error)) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt < w.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := w.cfg.BackoffBase << (attempt - 1)
			if delay > w.cfg.BackoffCap {
				delay = w.cfg.BackoffCap
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		out, err := fn()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !apperrors.Retryable(err) {
			return nil, err
		}
		w.logger.Warn("retryable ingest failure", "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

// fail purges partial state and marks the document failed.
func (w *Worker) fail(ctx context.Context, doc Document, stage IngestStage, cause error) error {
	w.logger.Error("ingest failed", "document_id", doc.ID, "stage", stage, "error", cause)
	if err := w.purgePartial(ctx, doc.ID); err != nil {
		w.logger.Error("partial purge failed", "document_id", doc.ID, "error", err)
	}
	w.publish(ctx, doc.ID, DocumentStatusFailed, Progress{
		Stage:      StageFailed,
		Percentage: 0,
		Message:    cause.Error(),
	}, 0, nil, true)
	// Terminal state is recorded; the job must not be redelivered.
	return nil
}

func (w *Worker) purgePartial(ctx context.Context, docID uuid.UUID) error {
	if err := w.vectors.DeleteByDocument(ctx, docID); err != nil {
		return err
	}
	return w.chunks.DeleteByDocument(ctx, docID)
}

// publish persists progress and fans it out. Non-forced updates are coalesced
// to at most one per ProgressInterval.
func (w *Worker) publish(ctx context.Context, docID uuid.UUID, status DocumentStatus, progress Progress, chunkCount int, processedAt *time.Time, force bool) {
	if !force && time.Since(w.lastPublish) < w.cfg.ProgressInterval {
		return
	}
	w.lastPublish = time.Now()
	if err := w.documents.SetProgress(ctx, docID, status, progress, chunkCount, processedAt); err != nil {
		w.logger.Warn("progress persist failed", "document_id", docID, "error", err)
	}
	if w.progress != nil {
		w.progress.Publish(ProgressEvent{
			DocumentID: docID,
			Status:     status,
			Progress:   progress,
			ChunkCount: chunkCount,
		})
	}
}

// extractText converts raw bytes to plain text. Unsupported or unreadable
// inputs are terminal parsing errors.
func extractText(raw []byte, mimeType string) (string, error) {
	base := mimeType
	if idx := strings.Index(base, ";"); idx >= 0 {
		base = base[:idx]
	}
	base = strings.TrimSpace(strings.ToLower(base))

	switch {
	case base == "" || strings.HasPrefix(base, "text/"), base == "application/json", base == "application/xml":
		if !utf8.Valid(raw) {
			return "", apperrors.New(apperrors.KindValidation, "unreadable_file", "file is not valid UTF-8 text")
		}
		return string(raw), nil
	case base == "application/pdf":
		// No PDF extraction backend is wired; reject rather than index noise.
		return "", apperrors.New(apperrors.KindValidation, "unsupported_mime", "PDF extraction is not supported")
	default:
		return "", apperrors.New(apperrors.KindValidation, "unsupported_mime", fmt.Sprintf("unsupported content type %q", mimeType))
	}
}
