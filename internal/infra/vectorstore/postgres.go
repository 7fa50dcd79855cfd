package vectorstore

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/yanqian/ragserver/internal/domain/rag"
	apperrors "github.com/yanqian/ragserver/pkg/errors"
)

// PostgresStore indexes chunk vectors with pgvector. Scores are cosine
// similarity derived from the `<=>` distance operator.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs the store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Upsert(ctx context.Context, records []rag.VectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(`
			INSERT INTO chunk_vectors (chunk_id, document_id, collection_id, owner_id, ordinal, page, section, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (chunk_id) DO UPDATE SET
				document_id = EXCLUDED.document_id,
				collection_id = EXCLUDED.collection_id,
				owner_id = EXCLUDED.owner_id,
				ordinal = EXCLUDED.ordinal,
				page = EXCLUDED.page,
				section = EXCLUDED.section,
				embedding = EXCLUDED.embedding
		`, rec.ChunkID, rec.Metadata.DocumentID, rec.Metadata.CollectionID, rec.Metadata.OwnerID,
			rec.Metadata.Ordinal, rec.Metadata.Page, rec.Metadata.Section, pgvector.NewVector(rec.Vector))
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, "vector_store_error", "vector upsert failed", err)
	}
	return nil
}

func (s *PostgresStore) Search(ctx context.Context, vector []float32, k int, filter rag.VectorFilter) ([]rag.VectorMatch, error) {
	if k <= 0 {
		return nil, nil
	}
	query := `
		SELECT chunk_id, document_id, collection_id, owner_id, ordinal, page, section,
			(1 - (embedding <=> $1)) AS score
		FROM chunk_vectors
		WHERE owner_id = $2
	`
	args := []any{pgvector.NewVector(vector), filter.OwnerID}
	argPos := 3
	if len(filter.CollectionIDs) > 0 {
		query += ` AND collection_id = ANY($` + itoa(argPos) + `)`
		args = append(args, filter.CollectionIDs)
		argPos++
	}
	if len(filter.DocumentIDs) > 0 {
		query += ` AND document_id = ANY($` + itoa(argPos) + `)`
		args = append(args, filter.DocumentIDs)
		argPos++
	}
	query += ` ORDER BY embedding <=> $1 ASC LIMIT $` + itoa(argPos)
	args = append(args, k)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "vector_store_error", "vector search failed", err)
	}
	defer rows.Close()

	var out []rag.VectorMatch
	for rows.Next() {
		var m rag.VectorMatch
		if err := rows.Scan(&m.ChunkID, &m.Metadata.DocumentID, &m.Metadata.CollectionID, &m.Metadata.OwnerID,
			&m.Metadata.Ordinal, &m.Metadata.Page, &m.Metadata.Section, &m.Score); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM chunk_vectors WHERE document_id = $1`, documentID)
	if err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, "vector_store_error", "vector delete failed", err)
	}
	return nil
}

func (s *PostgresStore) DeleteByCollection(ctx context.Context, collectionID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM chunk_vectors WHERE collection_id = $1`, collectionID)
	if err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, "vector_store_error", "vector delete failed", err)
	}
	return nil
}

func itoa(v int) string {
	return strconv.Itoa(v)
}

var _ rag.VectorStore = (*PostgresStore)(nil)
