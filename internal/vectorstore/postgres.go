package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PostgresVectorStore stores chunk embeddings in a pgvector-backed table.
type PostgresVectorStore struct {
	pool       *pgxpool.Pool
	dimensions int
	metric     string // cosine|l2|dot
}

// NewPostgresVectorStore creates the pgvector extension and chunk_embeddings
// table if they do not exist, and returns a VectorStore over them.
func NewPostgresVectorStore(ctx context.Context, pool *pgxpool.Pool, dimensions int, metric string) (*PostgresVectorStore, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("vectorstore: dimensions must be > 0")
	}
	metric = strings.ToLower(strings.TrimSpace(metric))
	if metric == "" {
		metric = "cosine"
	}
	s := &PostgresVectorStore{pool: pool, dimensions: dimensions, metric: metric}
	if _, err := pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return nil, fmt.Errorf("vectorstore: create extension: %w", err)
	}
	createTable := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS chunk_embeddings (
    id TEXT PRIMARY KEY,
    embedding vector(%d) NOT NULL,
    expediente_numero TEXT NOT NULL DEFAULT '',
    document_id TEXT NOT NULL DEFAULT '',
    metadata JSONB NOT NULL DEFAULT '{}'::jsonb
)`, dimensions)
	if _, err := pool.Exec(ctx, createTable); err != nil {
		return nil, fmt.Errorf("vectorstore: create table: %w", err)
	}
	opClass := s.opClass()
	indexSQL := fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS chunk_embeddings_ivfflat_idx ON chunk_embeddings USING ivfflat (embedding %s) WITH (lists = 100)",
		opClass,
	)
	if _, err := pool.Exec(ctx, indexSQL); err != nil {
		return nil, fmt.Errorf("vectorstore: create index: %w", err)
	}
	return s, nil
}

func (s *PostgresVectorStore) opClass() string {
	switch s.metric {
	case "l2":
		return "vector_l2_ops"
	case "dot":
		return "vector_ip_ops"
	default:
		return "vector_cosine_ops"
	}
}

func (s *PostgresVectorStore) operator() string {
	switch s.metric {
	case "l2":
		return "<->"
	case "dot":
		return "<#>"
	default:
		return "<=>"
	}
}

func (s *PostgresVectorStore) Dimension() int { return s.dimensions }

func (s *PostgresVectorStore) Close() error {
	s.pool.Close()
	return nil
}

// Upsert writes (or overwrites) a chunk's embedding. expediente_numero and
// document_id are lifted out of metadata into indexed columns for filtering;
// the full metadata map (including "text", "filename", "chunk_index",
// "page_start", "page_end") is kept verbatim in a jsonb column so
// SimilaritySearch can return complete hits without a relational join.
func (s *PostgresVectorStore) Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("vectorstore: marshal metadata %q: %w", id, err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO chunk_embeddings (id, embedding, expediente_numero, document_id, metadata)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET embedding = EXCLUDED.embedding,
    expediente_numero = EXCLUDED.expediente_numero,
    document_id = EXCLUDED.document_id,
    metadata = EXCLUDED.metadata`,
		id, pgvector.NewVector(vector), metadata["expediente_numero"], metadata["document_id"], meta)
	if err != nil {
		return fmt.Errorf("vectorstore: upsert %q: %w", id, err)
	}
	return nil
}

func (s *PostgresVectorStore) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM chunk_embeddings WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("vectorstore: delete %q: %w", id, err)
	}
	return nil
}

// SimilaritySearch returns the k nearest chunk IDs to vector. filter supports
// "expediente_numero" and "document_id" equality constraints, used to scope a
// search to a single expediente (expediente-mode retrieval).
func (s *PostgresVectorStore) SimilaritySearch(ctx context.Context, vector []float32, k int, filter map[string]string) ([]Result, error) {
	if k <= 0 {
		k = 10
	}
	op := s.operator()
	query := fmt.Sprintf(`
SELECT id, metadata, embedding %s $1 AS distance
FROM chunk_embeddings
WHERE 1=1`, op)
	args := []any{pgvector.NewVector(vector)}
	if v, ok := filter["expediente_numero"]; ok && v != "" {
		args = append(args, v)
		query += fmt.Sprintf(" AND expediente_numero = $%d", len(args))
	}
	if v, ok := filter["document_id"]; ok && v != "" {
		args = append(args, v)
		query += fmt.Sprintf(" AND document_id = $%d", len(args))
	}
	args = append(args, k)
	query += fmt.Sprintf(" ORDER BY distance ASC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: similarity search: %w", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var id string
		var metaRaw []byte
		var distance float64
		if err := rows.Scan(&id, &metaRaw, &distance); err != nil {
			return nil, fmt.Errorf("vectorstore: scan: %w", err)
		}
		var metadata map[string]string
		if len(metaRaw) > 0 {
			_ = json.Unmarshal(metaRaw, &metadata)
		}
		// cosine distance is in [0,2]; pgvector's "<=>" for the cosine op
		// class returns 1 - cosine_similarity, so score = 1 - distance is the
		// cosine similarity, with negative values clamped to 0 to keep the
		// score in [0,1]. For l2/dot metrics the caller's threshold is relative.
		score := 1 - distance
		if s.metric == "cosine" && score < 0 {
			score = 0
		}
		out = append(out, Result{ID: id, Score: score, Metadata: metadata})
	}
	return out, rows.Err()
}

// GetByExpediente returns up to limit chunks for expedienteNum with no
// similarity ranking (get_expedient_documents), ordered by document_id
// then the chunk_index recorded in metadata.
func (s *PostgresVectorStore) GetByExpediente(ctx context.Context, expedienteNum string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 1024
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, metadata
FROM chunk_embeddings
WHERE expediente_numero = $1
ORDER BY document_id, COALESCE((metadata->>'chunk_index')::int, 0)
LIMIT $2`, expedienteNum, limit)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: get by expediente: %w", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var id string
		var metaRaw []byte
		if err := rows.Scan(&id, &metaRaw); err != nil {
			return nil, fmt.Errorf("vectorstore: scan: %w", err)
		}
		var metadata map[string]string
		if len(metaRaw) > 0 {
			_ = json.Unmarshal(metaRaw, &metadata)
		}
		out = append(out, Result{ID: id, Score: 1, Metadata: metadata})
	}
	return out, rows.Err()
}

var _ VectorStore = (*PostgresVectorStore)(nil)
