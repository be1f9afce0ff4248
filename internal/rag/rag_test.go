package rag

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expedienterag/internal/domain"
	"expedienterag/internal/embed"
	"expedienterag/internal/llm"
	"expedienterag/internal/metrics"
	"expedienterag/internal/relational"
	"expedienterag/internal/retrieve"
	"expedienterag/internal/rewrite"
	"expedienterag/internal/vectorstore"
)

// fakeProvider is a scripted llm.Provider: ChatStream replays reply as a
// sequence of deltas to the StreamHandler, optionally failing first.
type fakeProvider struct {
	reply   string
	failErr error
}

func (p *fakeProvider) Chat(ctx context.Context, msgs []llm.Message, model string) (llm.Message, error) {
	return llm.Message{Role: "assistant", Content: p.reply}, p.failErr
}

func (p *fakeProvider) ChatStream(ctx context.Context, msgs []llm.Message, model string, h llm.StreamHandler) error {
	if p.failErr != nil {
		return p.failErr
	}
	for _, r := range p.reply {
		h.OnDelta(string(r))
	}
	return nil
}

// recordingHandler collects every Frame emitted during Answer.
type recordingHandler struct {
	frames []Frame
}

func (h *recordingHandler) OnFrame(f Frame) { h.frames = append(h.frames, f) }

func (h *recordingHandler) text() string {
	var s string
	for _, f := range h.frames {
		if f.Type == "chunk" {
			s += f.Content
		}
	}
	return s
}

func seedVectorStore(t *testing.T, vectors *vectorstore.MemoryVectorStore, embedder embed.Embedder, expediente, filename, text string) {
	t.Helper()
	vecs, err := embedder.EmbedBatch(context.Background(), []string{text})
	require.NoError(t, err)
	require.NoError(t, vectors.Upsert(context.Background(), expediente+"-chunk-0", vecs[0], map[string]string{
		"expediente_numero": expediente,
		"document_id":       "doc-1",
		"filename":          filename,
		"text":              text,
		"chunk_index":       "0",
		"page_start":        "1",
		"page_end":          "1",
	}))
}

func newTestChain(provider llm.Provider, vectors *vectorstore.MemoryVectorStore, embedder embed.Embedder) *Chain {
	rel := relational.NewMemoryStore()
	retriever := retrieve.New(vectors, rel, embedder, retrieve.Defaults{
		TopKGeneral: 5, TopKExpediente: 5,
		SimilarityThresholdGeneral: -1, SimilarityThresholdExpediente: -1,
		ExpedienteChunkCap: 5,
	})
	rewriter := rewrite.New(nil, "") // nil provider: best-effort fallback to original question
	return New(provider, "test-model", rewriter, retriever)
}

func TestChain_Answer_GeneralMode_StreamsChunksAndDone(t *testing.T) {
	embedder := embed.NewDeterministicEmbedder(8, true, 1)
	vectors := vectorstore.NewMemoryVectorStore(8)
	seedVectorStore(t, vectors, embedder, "24-000123-0001-PE", "demo.txt", "La audiencia preliminar se celebra conforme al artículo 8.4.")

	provider := &fakeProvider{reply: "La audiencia se rige por el artículo 8.4."}
	chain := newTestChain(provider, vectors, embedder)

	handler := &recordingHandler{}
	err := chain.Answer(context.Background(), domain.ModeGeneral, "", "¿Cuándo es la audiencia preliminar?", "", nil, handler)
	require.NoError(t, err)

	assert.Equal(t, "La audiencia se rige por el artículo 8.4.", handler.text())
	require.NotEmpty(t, handler.frames)
	last := handler.frames[len(handler.frames)-1]
	assert.Equal(t, "done", last.Type)
	assert.True(t, last.Done)
}

func TestChain_Answer_ExpedienteMode_RequiresExpedienteNum(t *testing.T) {
	embedder := embed.NewDeterministicEmbedder(8, true, 1)
	vectors := vectorstore.NewMemoryVectorStore(8)
	provider := &fakeProvider{reply: "no debería llegar aquí"}
	chain := newTestChain(provider, vectors, embedder)

	handler := &recordingHandler{}
	err := chain.Answer(context.Background(), domain.ModeExpediente, "", "¿qué dice el expediente?", "", nil, handler)
	require.Error(t, err)
	require.Len(t, handler.frames, 2)
	assert.Equal(t, "error", handler.frames[0].Type)
	assert.NotEmpty(t, handler.frames[0].Content)
	assert.Equal(t, "done", handler.frames[1].Type)
}

func TestChain_Answer_LLMStreamError_EmitsErrorFrame(t *testing.T) {
	embedder := embed.NewDeterministicEmbedder(8, true, 1)
	vectors := vectorstore.NewMemoryVectorStore(8)
	seedVectorStore(t, vectors, embedder, "24-000123-0001-PE", "demo.txt", "contenido de prueba")

	provider := &fakeProvider{failErr: assert.AnError}
	chain := newTestChain(provider, vectors, embedder)

	handler := &recordingHandler{}
	err := chain.Answer(context.Background(), domain.ModeGeneral, "", "pregunta", "", nil, handler)
	require.Error(t, err)
	require.GreaterOrEqual(t, len(handler.frames), 2)
	assert.Equal(t, "error", handler.frames[len(handler.frames)-2].Type)
	assert.Equal(t, "done", handler.frames[len(handler.frames)-1].Type)
}

func TestEncodeSSE_PreservesNonASCIIAndTerminates(t *testing.T) {
	b, err := EncodeSSE(Frame{Type: "chunk", Content: "artículo 8.4 – información"})
	require.NoError(t, err)
	s := string(b)
	assert.True(t, strings.HasPrefix(s, `data: {"type":"chunk"`), s)
	assert.Contains(t, s, "artículo")
	assert.NotContains(t, s, `\u`)
	assert.True(t, strings.HasSuffix(s, "\n\n"), s)
}

// TestChain_Answer_EmptyStream_EmitsFallbackMessage covers the rule
// that a client must never see an answer turn with zero visible content.
func TestChain_Answer_EmptyStream_EmitsFallbackMessage(t *testing.T) {
	embedder := embed.NewDeterministicEmbedder(8, true, 1)
	vectors := vectorstore.NewMemoryVectorStore(8)
	seedVectorStore(t, vectors, embedder, "24-000123-0001-PE", "demo.txt", "contenido")

	provider := &fakeProvider{reply: ""}
	chain := newTestChain(provider, vectors, embedder)

	handler := &recordingHandler{}
	err := chain.Answer(context.Background(), domain.ModeGeneral, "", "pregunta", "", nil, handler)
	require.NoError(t, err)
	assert.Equal(t, fallbackMessage, handler.text())
}

func TestChain_Answer_ThinkingTagsAreFiltered(t *testing.T) {
	embedder := embed.NewDeterministicEmbedder(8, true, 1)
	vectors := vectorstore.NewMemoryVectorStore(8)
	seedVectorStore(t, vectors, embedder, "24-000123-0001-PE", "demo.txt", "contenido")

	provider := &fakeProvider{reply: "<think>razonamiento interno</think>respuesta visible"}
	chain := newTestChain(provider, vectors, embedder)

	handler := &recordingHandler{}
	err := chain.Answer(context.Background(), domain.ModeGeneral, "", "pregunta", "", nil, handler)
	require.NoError(t, err)
	assert.Equal(t, "respuesta visible", handler.text())
}

func TestChain_WithMetrics_RecordsOutcomeCounters(t *testing.T) {
	embedder := embed.NewDeterministicEmbedder(8, true, 1)
	vectors := vectorstore.NewMemoryVectorStore(8)
	seedVectorStore(t, vectors, embedder, "24-000123-0001-PE", "demo.txt", "contenido")

	provider := &fakeProvider{reply: "ok"}
	chain := newTestChain(provider, vectors, embedder).WithMetrics(metrics.NewMockSink())

	handler := &recordingHandler{}
	require.NoError(t, chain.Answer(context.Background(), domain.ModeGeneral, "", "pregunta", "", nil, handler))
}
