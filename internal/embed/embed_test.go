package embed

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeterministicEmbedder_IsDeterministic(t *testing.T) {
	e := NewDeterministicEmbedder(16, true, 7)
	v1, err := e.EmbedBatch(context.Background(), []string{"texto de prueba"})
	require.NoError(t, err)
	v2, err := e.EmbedBatch(context.Background(), []string{"texto de prueba"})
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
}

func TestDeterministicEmbedder_DifferentTextsDiffer(t *testing.T) {
	e := NewDeterministicEmbedder(16, true, 7)
	vecs, err := e.EmbedBatch(context.Background(), []string{"primer texto", "segundo texto distinto"})
	require.NoError(t, err)
	assert.NotEqual(t, vecs[0], vecs[1])
}

func TestDeterministicEmbedder_NormalizedVectorHasUnitLength(t *testing.T) {
	e := NewDeterministicEmbedder(16, true, 7)
	vecs, err := e.EmbedBatch(context.Background(), []string{"contenido cualquiera de prueba"})
	require.NoError(t, err)

	var sumSquares float64
	for _, x := range vecs[0] {
		sumSquares += float64(x) * float64(x)
	}
	norm := math.Sqrt(sumSquares)
	assert.InDelta(t, 1.0, norm, 1e-5)
}

func TestDeterministicEmbedder_DimensionMatchesConfigured(t *testing.T) {
	e := NewDeterministicEmbedder(24, false, 1)
	assert.Equal(t, 24, e.Dimension())
	vecs, err := e.EmbedBatch(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Len(t, vecs[0], 24)
}

func TestDeterministicEmbedder_DifferentSeedsDiffer(t *testing.T) {
	a := NewDeterministicEmbedder(16, true, 1)
	b := NewDeterministicEmbedder(16, true, 2)
	va, err := a.EmbedBatch(context.Background(), []string{"mismo texto"})
	require.NoError(t, err)
	vb, err := b.EmbedBatch(context.Background(), []string{"mismo texto"})
	require.NoError(t, err)
	assert.NotEqual(t, va[0], vb[0])
}
