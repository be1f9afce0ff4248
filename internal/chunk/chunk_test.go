package chunk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedChunk_EmptyText(t *testing.T) {
	pieces := SimpleChunker{}.Chunk("", nil, Options{})
	assert.Empty(t, pieces)
}

func TestFixedChunk_SingleChunkWhenShort(t *testing.T) {
	text := "El artículo 8.4 regula la audiencia preliminar."
	pieces := SimpleChunker{}.Chunk(text, nil, Options{MaxTokens: 512})
	require.Len(t, pieces, 1)
	assert.Equal(t, text, pieces[0].Text)
	assert.Equal(t, 0, pieces[0].Index)
}

func TestFixedChunk_SplitsLongTextAtWordBoundary(t *testing.T) {
	word := "palabra "
	text := strings.Repeat(word, 100) // 800 chars
	pieces := SimpleChunker{}.Chunk(text, nil, Options{MaxTokens: 10, Overlap: 0})
	require.Greater(t, len(pieces), 1)
	for _, p := range pieces {
		assert.False(t, strings.HasPrefix(p.Text, " "))
		assert.False(t, strings.HasSuffix(p.Text, " "))
	}
}

func TestFixedChunk_OverlapProducesRepeatedTail(t *testing.T) {
	word := "palabra "
	text := strings.Repeat(word, 100)
	withOverlap := SimpleChunker{}.Chunk(text, nil, Options{MaxTokens: 10, Overlap: 5})
	withoutOverlap := SimpleChunker{}.Chunk(text, nil, Options{MaxTokens: 10, Overlap: 0})
	assert.GreaterOrEqual(t, len(withOverlap), len(withoutOverlap))
}

func TestFixedChunk_IndexesAreSequential(t *testing.T) {
	text := strings.Repeat("palabra ", 200)
	pieces := SimpleChunker{}.Chunk(text, nil, Options{MaxTokens: 10})
	for i, p := range pieces {
		assert.Equal(t, i, p.Index)
	}
}

func TestFixedChunk_PageRangeFollowsPageBreaks(t *testing.T) {
	text := "primera pagina de contenido segunda pagina de contenido tercera pagina final"
	// page 1 starts at 0, page 2 at 28, page 3 at 57
	pageBreaks := []int{0, 28, 57}
	pieces := SimpleChunker{}.Chunk(text, pageBreaks, Options{MaxTokens: 512})
	require.Len(t, pieces, 1)
	assert.Equal(t, 1, pieces[0].PageStart)
	assert.Equal(t, 3, pieces[0].PageEnd)
}

func TestMarkdownChunk_SplitsOnHeadings(t *testing.T) {
	text := "# Título\ncontenido inicial\n\n## Sección 2\nmás contenido aquí"
	pieces := SimpleChunker{}.Chunk(text, nil, Options{Strategy: StrategyMarkdown, MaxTokens: 512})
	require.Len(t, pieces, 2)
	assert.True(t, strings.HasPrefix(pieces[0].Text, "# Título"))
	assert.True(t, strings.HasPrefix(pieces[1].Text, "## Sección 2"))
}

func TestMarkdownChunk_FallsBackToFixedWhenNoHeadings(t *testing.T) {
	text := strings.Repeat("sin encabezados aqui ", 50)
	fixed := SimpleChunker{}.Chunk(text, nil, Options{Strategy: StrategyFixed, MaxTokens: 10})
	markdown := SimpleChunker{}.Chunk(text, nil, Options{Strategy: StrategyMarkdown, MaxTokens: 10})
	assert.Equal(t, fixed, markdown)
}

func TestMarkdownChunk_OversizedSectionIsFurtherSplit(t *testing.T) {
	text := "# Sección larga\n" + strings.Repeat("palabra ", 200)
	pieces := SimpleChunker{}.Chunk(text, nil, Options{Strategy: StrategyMarkdown, MaxTokens: 10})
	require.Greater(t, len(pieces), 1)
	for i, p := range pieces {
		assert.Equal(t, i, p.Index)
	}
}
