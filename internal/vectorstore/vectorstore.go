// Package vectorstore provides the pluggable nearest-neighbor search backend
// used by the Retriever: a Postgres/pgvector adapter and an alternate Qdrant
// adapter behind the same interface.
package vectorstore

import "context"

// Result is one similarity search hit.
type Result struct {
	ID       string
	Score    float64
	Metadata map[string]string
}

// VectorStore upserts and searches chunk embeddings. id is the chunk ID.
// Three methods cover the four-operation set: insert (Upsert),
// search_by_vector/search_by_text (SimilaritySearch, the caller embeds text
// queries before calling), and get_expedient_documents (GetByExpediente).
type VectorStore interface {
	Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error
	Delete(ctx context.Context, id string) error
	SimilaritySearch(ctx context.Context, vector []float32, k int, filter map[string]string) ([]Result, error)

	// GetByExpediente returns up to limit chunks for an expediente with no
	// similarity filtering or ranking: plain membership, ordered by
	// (document_id, chunk index).
	GetByExpediente(ctx context.Context, expedienteNum string, limit int) ([]Result, error)

	Dimension() int
	Close() error
}
