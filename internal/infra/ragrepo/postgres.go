package ragrepo

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yanqian/ragserver/internal/domain/rag"
	apperrors "github.com/yanqian/ragserver/pkg/errors"
)

// PostgresCollectionRepository persists the collection tree.
type PostgresCollectionRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresCollectionRepository constructs the repository.
func NewPostgresCollectionRepository(pool *pgxpool.Pool) *PostgresCollectionRepository {
	return &PostgresCollectionRepository{pool: pool}
}

const collectionColumns = `id, owner_id, name, description, icon, color, kind, parent_id, path, total_document_count, version, created_at, updated_at, deleted_at`

func (r *PostgresCollectionRepository) Create(ctx context.Context, col rag.Collection) (rag.Collection, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO collections (id, owner_id, name, description, icon, color, kind, parent_id, path, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING `+collectionColumns+`
	`, col.ID, col.OwnerID, col.Name, col.Description, col.Icon, col.Color, col.Kind, col.ParentID, col.Path, col.Version, col.CreatedAt, col.UpdatedAt)
	return scanCollection(row)
}

func (r *PostgresCollectionRepository) Get(ctx context.Context, id uuid.UUID, includeDeleted bool) (rag.Collection, error) {
	query := `SELECT ` + collectionColumns + ` FROM collections WHERE id = $1`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	col, err := scanCollection(r.pool.QueryRow(ctx, query+` LIMIT 1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rag.Collection{}, apperrors.New(apperrors.KindNotFound, "collection_not_found", "collection not found")
		}
		return rag.Collection{}, storeErr(err)
	}
	return col, nil
}

func (r *PostgresCollectionRepository) List(ctx context.Context, ownerID int64, parentID *uuid.UUID, opts rag.ListOptions) ([]rag.Collection, error) {
	query := `SELECT ` + collectionColumns + ` FROM collections WHERE owner_id = $1`
	args := []any{ownerID}
	pos := 2
	if !opts.IncludeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	if parentID != nil {
		query += ` AND parent_id = $` + strconv.Itoa(pos)
		args = append(args, *parentID)
		pos++
	}
	query += ` ORDER BY path ASC, id ASC`
	if opts.Limit > 0 {
		query += ` LIMIT $` + strconv.Itoa(pos)
		args = append(args, opts.Limit)
		pos++
	}
	if opts.Offset > 0 {
		query += ` OFFSET $` + strconv.Itoa(pos)
		args = append(args, opts.Offset)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	var out []rag.Collection
	for rows.Next() {
		col, err := scanCollection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, col)
	}
	return out, rows.Err()
}

func (r *PostgresCollectionRepository) Update(ctx context.Context, col rag.Collection, expectedVersion int64) (rag.Collection, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE collections
		SET name = $1, description = $2, icon = $3, color = $4, parent_id = $5, path = $6,
			version = version + 1, updated_at = $7
		WHERE id = $8 AND version = $9 AND deleted_at IS NULL
		RETURNING `+collectionColumns+`
	`, col.Name, col.Description, col.Icon, col.Color, col.ParentID, col.Path, col.UpdatedAt, col.ID, expectedVersion)
	updated, err := scanCollection(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rag.Collection{}, r.conflictOrMissing(ctx, col.ID)
		}
		return rag.Collection{}, storeErr(err)
	}
	return updated, nil
}

func (r *PostgresCollectionRepository) conflictOrMissing(ctx context.Context, id uuid.UUID) error {
	if _, err := r.Get(ctx, id, false); err != nil {
		return err
	}
	return apperrors.New(apperrors.KindConflict, "version_conflict", "collection was modified concurrently")
}

func (r *PostgresCollectionRepository) Subtree(ctx context.Context, id uuid.UUID) ([]rag.Collection, error) {
	rows, err := r.pool.Query(ctx, `
		WITH RECURSIVE subtree AS (
			SELECT `+collectionColumns+` FROM collections WHERE id = $1
			UNION ALL
			SELECT c.id, c.owner_id, c.name, c.description, c.icon, c.color, c.kind, c.parent_id, c.path,
				c.total_document_count, c.version, c.created_at, c.updated_at, c.deleted_at
			FROM collections c
			JOIN subtree s ON c.parent_id = s.id
		)
		SELECT * FROM subtree
	`, id)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	var out []rag.Collection
	for rows.Next() {
		col, err := scanCollection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, col)
	}
	if len(out) == 0 {
		return nil, apperrors.New(apperrors.KindNotFound, "collection_not_found", "collection not found")
	}
	return out, rows.Err()
}

func (r *PostgresCollectionRepository) SavePaths(ctx context.Context, cols []rag.Collection) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return storeErr(err)
	}
	defer tx.Rollback(ctx)
	for _, col := range cols {
		if _, err := tx.Exec(ctx, `
			UPDATE collections SET parent_id = $1, path = $2, updated_at = NOW() WHERE id = $3
		`, col.ParentID, col.Path, col.ID); err != nil {
			return storeErr(err)
		}
	}
	return tx.Commit(ctx)
}

func (r *PostgresCollectionRepository) SoftDelete(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE collections SET deleted_at = $1 WHERE id = ANY($2) AND deleted_at IS NULL
	`, at, ids)
	return storeErr(err)
}

func (r *PostgresCollectionRepository) HardDelete(ctx context.Context, ids []uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM collections WHERE id = ANY($1)`, ids)
	return storeErr(err)
}

func (r *PostgresCollectionRepository) AdjustDocumentCount(ctx context.Context, ids []uuid.UUID, delta int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE collections
		SET total_document_count = GREATEST(total_document_count + $1, 0)
		WHERE id = ANY($2)
	`, delta, ids)
	return storeErr(err)
}

func scanCollection(row pgx.Row) (rag.Collection, error) {
	var col rag.Collection
	if err := row.Scan(&col.ID, &col.OwnerID, &col.Name, &col.Description, &col.Icon, &col.Color, &col.Kind,
		&col.ParentID, &col.Path, &col.TotalDocumentCount, &col.Version, &col.CreatedAt, &col.UpdatedAt, &col.DeletedAt); err != nil {
		return rag.Collection{}, err
	}
	return col, nil
}

var _ rag.CollectionRepository = (*PostgresCollectionRepository)(nil)

// PostgresDocumentRepository persists documents.
type PostgresDocumentRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresDocumentRepository constructs the repository.
func NewPostgresDocumentRepository(pool *pgxpool.Pool) *PostgresDocumentRepository {
	return &PostgresDocumentRepository{pool: pool}
}

const documentColumns = `id, collection_id, title, file_name, size_bytes, mime_type, storage_key, status, progress_stage, progress_percentage, progress_message, chunk_count, version, created_at, updated_at, processed_at, deleted_at`

func (r *PostgresDocumentRepository) Create(ctx context.Context, doc rag.Document) (rag.Document, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO documents (id, collection_id, title, file_name, size_bytes, mime_type, storage_key, status,
			progress_stage, progress_percentage, progress_message, chunk_count, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING `+documentColumns+`
	`, doc.ID, doc.CollectionID, doc.Title, doc.FileName, doc.SizeBytes, doc.MimeType, doc.StorageKey, doc.Status,
		doc.Progress.Stage, doc.Progress.Percentage, doc.Progress.Message, doc.ChunkCount, doc.Version, doc.CreatedAt, doc.UpdatedAt)
	return scanDocument(row)
}

func (r *PostgresDocumentRepository) Get(ctx context.Context, id uuid.UUID, includeDeleted bool) (rag.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	doc, err := scanDocument(r.pool.QueryRow(ctx, query+` LIMIT 1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rag.Document{}, apperrors.New(apperrors.KindNotFound, "document_not_found", "document not found")
		}
		return rag.Document{}, storeErr(err)
	}
	return doc, nil
}

func (r *PostgresDocumentRepository) ListByCollections(ctx context.Context, collectionIDs []uuid.UUID, opts rag.ListOptions) ([]rag.Document, error) {
	if len(collectionIDs) == 0 {
		return nil, nil
	}
	query := `SELECT ` + documentColumns + ` FROM documents WHERE collection_id = ANY($1)`
	args := []any{collectionIDs}
	pos := 2
	if !opts.IncludeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	query += ` ORDER BY created_at DESC, id ASC`
	if opts.Limit > 0 {
		query += ` LIMIT $` + strconv.Itoa(pos)
		args = append(args, opts.Limit)
		pos++
	}
	if opts.Offset > 0 {
		query += ` OFFSET $` + strconv.Itoa(pos)
		args = append(args, opts.Offset)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	var out []rag.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (r *PostgresDocumentRepository) Update(ctx context.Context, doc rag.Document, expectedVersion int64) (rag.Document, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE documents
		SET title = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4 AND deleted_at IS NULL
		RETURNING `+documentColumns+`
	`, doc.Title, doc.UpdatedAt, doc.ID, expectedVersion)
	updated, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := r.Get(ctx, doc.ID, false); getErr != nil {
				return rag.Document{}, getErr
			}
			return rag.Document{}, apperrors.New(apperrors.KindConflict, "version_conflict", "document was modified concurrently")
		}
		return rag.Document{}, storeErr(err)
	}
	return updated, nil
}

func (r *PostgresDocumentRepository) SetProgress(ctx context.Context, id uuid.UUID, status rag.DocumentStatus, progress rag.Progress, chunkCount int, processedAt *time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE documents
		SET status = $1, progress_stage = $2, progress_percentage = $3, progress_message = $4,
			chunk_count = $5, processed_at = $6, updated_at = NOW()
		WHERE id = $7
	`, status, progress.Stage, progress.Percentage, progress.Message, chunkCount, processedAt, id)
	return storeErr(err)
}

func (r *PostgresDocumentRepository) SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE documents SET deleted_at = $1, updated_at = NOW() WHERE id = $2 AND deleted_at IS NULL
	`, at, id)
	return storeErr(err)
}

func (r *PostgresDocumentRepository) HardDelete(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `DELETE FROM documents WHERE id = ANY($1)`, ids)
	return storeErr(err)
}

func scanDocument(row pgx.Row) (rag.Document, error) {
	var doc rag.Document
	if err := row.Scan(&doc.ID, &doc.CollectionID, &doc.Title, &doc.FileName, &doc.SizeBytes, &doc.MimeType,
		&doc.StorageKey, &doc.Status, &doc.Progress.Stage, &doc.Progress.Percentage, &doc.Progress.Message,
		&doc.ChunkCount, &doc.Version, &doc.CreatedAt, &doc.UpdatedAt, &doc.ProcessedAt, &doc.DeletedAt); err != nil {
		return rag.Document{}, err
	}
	return doc, nil
}

var _ rag.DocumentRepository = (*PostgresDocumentRepository)(nil)

// PostgresUploadRepository persists phase-one uploads.
type PostgresUploadRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresUploadRepository constructs the repository.
func NewPostgresUploadRepository(pool *pgxpool.Pool) *PostgresUploadRepository {
	return &PostgresUploadRepository{pool: pool}
}

const uploadColumns = `id, owner_id, file_name, declared_size, mime_type, storage_key, state, expires_at, created_at`

func (r *PostgresUploadRepository) Create(ctx context.Context, up rag.Upload) (rag.Upload, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO uploads (id, owner_id, file_name, declared_size, mime_type, storage_key, state, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+uploadColumns+`
	`, up.ID, up.OwnerID, up.FileName, up.DeclaredSize, up.MimeType, up.StorageKey, up.State, up.ExpiresAt, up.CreatedAt)
	return scanUpload(row)
}

func (r *PostgresUploadRepository) Get(ctx context.Context, id uuid.UUID) (rag.Upload, error) {
	up, err := scanUpload(r.pool.QueryRow(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE id = $1 LIMIT 1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rag.Upload{}, apperrors.New(apperrors.KindNotFound, "upload_not_found", "upload not found")
		}
		return rag.Upload{}, storeErr(err)
	}
	return up, nil
}

// Bind performs the single uploaded -> bound transition with a conditional
// update so two racing binds cannot both succeed.
func (r *PostgresUploadRepository) Bind(ctx context.Context, id uuid.UUID) (rag.Upload, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE uploads SET state = $1
		WHERE id = $2 AND state = $3 AND expires_at > NOW()
		RETURNING `+uploadColumns+`
	`, rag.UploadStateBound, id, rag.UploadStateUploaded)
	up, err := scanUpload(row)
	if err == nil {
		return up, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return rag.Upload{}, storeErr(err)
	}
	existing, getErr := r.Get(ctx, id)
	if getErr != nil {
		return rag.Upload{}, getErr
	}
	if existing.State == rag.UploadStateBound {
		return rag.Upload{}, apperrors.New(apperrors.KindConflict, "upload_bound", "upload is already bound to a document")
	}
	return rag.Upload{}, apperrors.New(apperrors.KindGone, "upload_expired", "upload has expired")
}

func (r *PostgresUploadRepository) ExpireBefore(ctx context.Context, cutoff time.Time) ([]rag.Upload, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE uploads SET state = $1
		WHERE state = $2 AND expires_at < $3
		RETURNING `+uploadColumns+`
	`, rag.UploadStateExpired, rag.UploadStateUploaded, cutoff)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	var out []rag.Upload
	for rows.Next() {
		up, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, up)
	}
	return out, rows.Err()
}

func scanUpload(row pgx.Row) (rag.Upload, error) {
	var up rag.Upload
	if err := row.Scan(&up.ID, &up.OwnerID, &up.FileName, &up.DeclaredSize, &up.MimeType, &up.StorageKey,
		&up.State, &up.ExpiresAt, &up.CreatedAt); err != nil {
		return rag.Upload{}, err
	}
	return up, nil
}

var _ rag.UploadRepository = (*PostgresUploadRepository)(nil)

// PostgresChunkRepository persists chunk text.
type PostgresChunkRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresChunkRepository constructs the repository.
func NewPostgresChunkRepository(pool *pgxpool.Pool) *PostgresChunkRepository {
	return &PostgresChunkRepository{pool: pool}
}

const chunkColumns = `id, document_id, ordinal, content, token_count, page, section, created_at`

// Replace swaps the chunk set for a document in one transaction.
func (r *PostgresChunkRepository) Replace(ctx context.Context, documentID uuid.UUID, chunks []rag.Chunk) error {
	for i, c := range chunks {
		if c.Ordinal != i {
			return apperrors.New(apperrors.KindValidation, "sparse_ordinals", "chunk ordinals must be dense starting at zero")
		}
		if c.DocumentID != documentID {
			return apperrors.New(apperrors.KindValidation, "wrong_document", "chunk does not belong to the document")
		}
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return storeErr(err)
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return storeErr(err)
	}
	for _, c := range chunks {
		if _, err := tx.Exec(ctx, `
			INSERT INTO chunks (id, document_id, ordinal, content, token_count, page, section, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, c.ID, c.DocumentID, c.Ordinal, c.Content, c.TokenCount, c.Source.Page, c.Source.Section, c.CreatedAt); err != nil {
			return storeErr(err)
		}
	}
	return tx.Commit(ctx)
}

func (r *PostgresChunkRepository) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]rag.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	return collectChunks(rows)
}

func (r *PostgresChunkRepository) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]rag.Chunk, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+chunkColumns+` FROM chunks WHERE document_id = $1 ORDER BY ordinal ASC
	`, documentID)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	return collectChunks(rows)
}

func (r *PostgresChunkRepository) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID)
	return storeErr(err)
}

func (r *PostgresChunkRepository) DeleteByCollections(ctx context.Context, collectionIDs []uuid.UUID) error {
	if len(collectionIDs) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		DELETE FROM chunks WHERE document_id IN (
			SELECT id FROM documents WHERE collection_id = ANY($1)
		)
	`, collectionIDs)
	return storeErr(err)
}

func collectChunks(rows pgx.Rows) ([]rag.Chunk, error) {
	var out []rag.Chunk
	for rows.Next() {
		var c rag.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Ordinal, &c.Content, &c.TokenCount, &c.Source.Page, &c.Source.Section, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

var _ rag.ChunkRepository = (*PostgresChunkRepository)(nil)

func storeErr(err error) error {
	if err == nil {
		return nil
	}
	return apperrors.Wrap(apperrors.KindUnavailable, "store_error", "transactional store failure", err)
}
