package retrieve

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expedienterag/internal/domain"
	"expedienterag/internal/embed"
	"expedienterag/internal/relational"
	"expedienterag/internal/vectorstore"
)

func TestRetrieve_GeneralMode_FiltersBelowThreshold(t *testing.T) {
	embedder := embed.NewDeterministicEmbedder(8, true, 1)
	vectors := vectorstore.NewMemoryVectorStore(8)
	rel := relational.NewMemoryStore()

	vec, err := embedder.EmbedBatch(context.Background(), []string{"contenido relevante"})
	require.NoError(t, err)
	require.NoError(t, vectors.Upsert(context.Background(), "chunk-1", vec[0], map[string]string{
		"expediente_numero": "24-000123-0001-PE", "filename": "a.txt", "text": "contenido relevante",
		"chunk_index": "0", "page_start": "1", "page_end": "1",
	}))

	r := New(vectors, rel, embedder, Defaults{TopKGeneral: 5, SimilarityThresholdGeneral: 2, ExpedienteChunkCap: 5})
	items, err := r.Retrieve(context.Background(), "contenido relevante", Options{Mode: domain.ModeGeneral})
	require.NoError(t, err)
	assert.Empty(t, items) // cosine similarity never reaches an unreachable threshold of 2
}

func TestRetrieve_GeneralMode_ReturnsMatchesAboveThreshold(t *testing.T) {
	embedder := embed.NewDeterministicEmbedder(8, true, 1)
	vectors := vectorstore.NewMemoryVectorStore(8)
	rel := relational.NewMemoryStore()

	vec, err := embedder.EmbedBatch(context.Background(), []string{"contenido relevante"})
	require.NoError(t, err)
	require.NoError(t, vectors.Upsert(context.Background(), "chunk-1", vec[0], map[string]string{
		"expediente_numero": "24-000123-0001-PE", "filename": "a.txt", "text": "contenido relevante",
		"chunk_index": "0", "page_start": "1", "page_end": "1",
	}))

	r := New(vectors, rel, embedder, Defaults{TopKGeneral: 5, SimilarityThresholdGeneral: -1, ExpedienteChunkCap: 5})
	items, err := r.Retrieve(context.Background(), "contenido relevante", Options{Mode: domain.ModeGeneral})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "24-000123-0001-PE", items[0].ExpedienteNum)
}

func TestRetrieve_ExpedienteMode_IgnoresThreshold(t *testing.T) {
	embedder := embed.NewDeterministicEmbedder(8, true, 1)
	vectors := vectorstore.NewMemoryVectorStore(8)
	rel := relational.NewMemoryStore()

	vec, err := embedder.EmbedBatch(context.Background(), []string{"contenido del expediente"})
	require.NoError(t, err)
	require.NoError(t, vectors.Upsert(context.Background(), "chunk-1", vec[0], map[string]string{
		"expediente_numero": "24-000123-0001-PE", "document_id": "doc-1", "filename": "a.txt",
		"text": "contenido del expediente", "chunk_index": "0", "page_start": "1", "page_end": "1",
	}))

	r := New(vectors, rel, embedder, Defaults{TopKExpediente: 5, ExpedienteChunkCap: 5})
	items, err := r.Retrieve(context.Background(), "irrelevante", Options{Mode: domain.ModeExpediente, ExpedienteNum: "24-000123-0001-PE"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "a.txt", items[0].Filename)
}

func TestRetrieve_GeneralMode_NeighborWindowWidensHit(t *testing.T) {
	embedder := embed.NewDeterministicEmbedder(8, true, 1)
	vectors := vectorstore.NewMemoryVectorStore(8)
	rel := relational.NewMemoryStore()

	tx, err := rel.BeginTx(context.Background())
	require.NoError(t, err)
	doc, err := rel.InsertDocumentPending(context.Background(), tx, domain.Document{ExpedienteNum: "24-000123-0001-PE", Filename: "a.txt"})
	require.NoError(t, err)
	var chunks []domain.Chunk
	for i := 0; i < 5; i++ {
		chunks = append(chunks, domain.Chunk{
			ID: "chunk-" + string(rune('0'+i)), DocumentID: doc.ID,
			ExpedienteNum: "24-000123-0001-PE", Filename: "a.txt", Index: i, Text: "parte",
		})
	}
	require.NoError(t, rel.InsertChunks(context.Background(), tx, chunks))
	require.NoError(t, rel.UpdateDocumentStatus(context.Background(), tx, doc.ID, domain.DocumentProcessed, ""))
	require.NoError(t, tx.Commit(context.Background()))

	// Only the middle chunk is indexed in the vector store.
	vec, err := embedder.EmbedBatch(context.Background(), []string{"parte"})
	require.NoError(t, err)
	require.NoError(t, vectors.Upsert(context.Background(), "chunk-2", vec[0], map[string]string{
		"expediente_numero": "24-000123-0001-PE", "document_id": doc.ID, "filename": "a.txt",
		"text": "parte", "chunk_index": "2", "page_start": "0", "page_end": "0",
	}))

	r := New(vectors, rel, embedder, Defaults{TopKGeneral: 5, SimilarityThresholdGeneral: -1, ExpedienteChunkCap: 5, NeighborWindow: 1})
	items, err := r.Retrieve(context.Background(), "parte", Options{Mode: domain.ModeGeneral})
	require.NoError(t, err)
	require.Len(t, items, 3) // the hit plus its two index neighbors
	assert.Equal(t, 2, items[0].ChunkIndex)
	indices := []int{items[1].ChunkIndex, items[2].ChunkIndex}
	assert.ElementsMatch(t, []int{1, 3}, indices)
	for _, it := range items[1:] {
		assert.Equal(t, items[0].Score, it.Score)
	}
}

func TestRetrieve_ExpedienteMode_FallsBackToRelationalWhenVectorStoreEmpty(t *testing.T) {
	embedder := embed.NewDeterministicEmbedder(8, true, 1)
	vectors := vectorstore.NewMemoryVectorStore(8)
	rel := relational.NewMemoryStore()

	tx, err := rel.BeginTx(context.Background())
	require.NoError(t, err)
	doc, err := rel.InsertDocumentPending(context.Background(), tx, domain.Document{ExpedienteNum: "24-000123-0001-PE", Filename: "a.txt"})
	require.NoError(t, err)
	chunk := domain.Chunk{ID: "chunk-1", DocumentID: doc.ID, ExpedienteNum: "24-000123-0001-PE", Filename: "a.txt", Index: 0, Text: "desde relacional"}
	require.NoError(t, rel.InsertChunks(context.Background(), tx, []domain.Chunk{chunk}))
	require.NoError(t, rel.UpdateDocumentStatus(context.Background(), tx, doc.ID, domain.DocumentProcessed, ""))
	require.NoError(t, tx.Commit(context.Background()))

	r := New(vectors, rel, embedder, Defaults{TopKExpediente: 5, ExpedienteChunkCap: 5})
	items, err := r.Retrieve(context.Background(), "irrelevante", Options{Mode: domain.ModeExpediente, ExpedienteNum: "24-000123-0001-PE"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "desde relacional", items[0].Text)
}
