package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryVectorStore_UpsertAndSimilaritySearch(t *testing.T) {
	vs := NewMemoryVectorStore(4)
	ctx := context.Background()

	require.NoError(t, vs.Upsert(ctx, "a", []float32{1, 0, 0, 0}, map[string]string{"expediente_numero": "24-1"}))
	require.NoError(t, vs.Upsert(ctx, "b", []float32{0, 1, 0, 0}, map[string]string{"expediente_numero": "24-2"}))

	results, err := vs.SimilaritySearch(ctx, []float32{1, 0, 0, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
}

func TestMemoryVectorStore_SimilaritySearchRespectsFilter(t *testing.T) {
	vs := NewMemoryVectorStore(4)
	ctx := context.Background()
	require.NoError(t, vs.Upsert(ctx, "a", []float32{1, 0, 0, 0}, map[string]string{"expediente_numero": "24-1"}))
	require.NoError(t, vs.Upsert(ctx, "b", []float32{1, 0, 0, 0}, map[string]string{"expediente_numero": "24-2"}))

	results, err := vs.SimilaritySearch(ctx, []float32{1, 0, 0, 0}, 10, map[string]string{"expediente_numero": "24-2"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].ID)
}

func TestMemoryVectorStore_Delete(t *testing.T) {
	vs := NewMemoryVectorStore(4)
	ctx := context.Background()
	require.NoError(t, vs.Upsert(ctx, "a", []float32{1, 0, 0, 0}, nil))
	require.NoError(t, vs.Delete(ctx, "a"))

	results, err := vs.SimilaritySearch(ctx, []float32{1, 0, 0, 0}, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestMemoryVectorStore_GetByExpediente_OrderedByDocumentThenIndex(t *testing.T) {
	vs := NewMemoryVectorStore(4)
	ctx := context.Background()
	require.NoError(t, vs.Upsert(ctx, "c2", []float32{0, 0, 1, 0}, map[string]string{
		"expediente_numero": "24-1", "document_id": "doc-1", "chunk_index": "1",
	}))
	require.NoError(t, vs.Upsert(ctx, "c1", []float32{0, 0, 0, 1}, map[string]string{
		"expediente_numero": "24-1", "document_id": "doc-1", "chunk_index": "0",
	}))
	require.NoError(t, vs.Upsert(ctx, "other", []float32{1, 0, 0, 0}, map[string]string{
		"expediente_numero": "24-2", "document_id": "doc-2", "chunk_index": "0",
	}))

	results, err := vs.GetByExpediente(ctx, "24-1", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "c1", results[0].ID)
	assert.Equal(t, "c2", results[1].ID)
}

func TestMemoryVectorStore_Dimension(t *testing.T) {
	vs := NewMemoryVectorStore(12)
	assert.Equal(t, 12, vs.Dimension())
}
