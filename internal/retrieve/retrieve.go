// Package retrieve implements the Retriever: two retrieval modes over
// the vector store, with a relational chain-of-responsibility fallback when
// the vector store is empty or errors for a known expediente.
package retrieve

import (
	"context"
	"sort"

	"expedienterag/internal/domain"
	"expedienterag/internal/embed"
	"expedienterag/internal/observability"
	"expedienterag/internal/relational"
	"expedienterag/internal/vectorstore"
)

// Item is one retrieved chunk, ready for internal/format.
type Item struct {
	ChunkID       string
	DocumentID    string
	ExpedienteNum string
	Filename      string
	Path          string
	ChunkIndex    int
	PageStart     int
	PageEnd       int
	Text          string
	Score         float64
}

// Options overrides the mode defaults for one Retrieve call.
type Options struct {
	Mode          domain.RetrievalMode
	ExpedienteNum string // required when Mode == ModeExpediente
	TopK          int    // <=0 uses the mode default
	Threshold     float64 // <=0 uses the mode default; ignored entirely in expediente mode
}

// Defaults configures the per-mode top_k/threshold pairs.
type Defaults struct {
	TopKGeneral                   int
	TopKExpediente                int
	SimilarityThresholdGeneral    float64
	SimilarityThresholdExpediente float64
	ExpedienteChunkCap            int

	// NeighborWindow widens each general-mode vector hit with the chunks
	// whose index lies within this distance in the same document. 0 turns
	// expansion off.
	NeighborWindow int
}

// Retriever fetches context chunks for a rewritten query.
type Retriever struct {
	vectors    vectorstore.VectorStore
	relational relational.Store
	embedder   embed.Embedder
	defaults   Defaults
}

// New builds a Retriever.
func New(vectors vectorstore.VectorStore, rel relational.Store, embedder embed.Embedder, defaults Defaults) *Retriever {
	return &Retriever{vectors: vectors, relational: rel, embedder: embedder, defaults: defaults}
}

// Retrieve dispatches by mode. In expediente mode, the vector store's
// expediente-scoped document listing is used and the similarity threshold is
// ignored entirely; in general mode, a vector search against the rewritten
// query is used, scoped by the configured top_k/threshold.
func (r *Retriever) Retrieve(ctx context.Context, rewrittenQuery string, opt Options) ([]Item, error) {
	if opt.ExpedienteNum != "" || opt.Mode == domain.ModeExpediente {
		return r.retrieveExpediente(ctx, opt)
	}
	return r.retrieveGeneral(ctx, rewrittenQuery, opt)
}

func (r *Retriever) retrieveGeneral(ctx context.Context, query string, opt Options) ([]Item, error) {
	topK := opt.TopK
	if topK <= 0 {
		topK = r.defaults.TopKGeneral
	}
	threshold := opt.Threshold
	if threshold <= 0 {
		threshold = r.defaults.SimilarityThresholdGeneral
	}

	vecs, err := r.embedder.EmbedBatch(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	var vec []float32
	if len(vecs) > 0 {
		vec = vecs[0]
	}
	results, err := r.vectors.SimilaritySearch(ctx, vec, topK, nil)
	if err != nil {
		observability.LoggerWithContext(ctx).Warn().Err(err).Msg("retrieve: vector search failed in general mode")
		return nil, err
	}
	return r.expandNeighbors(ctx, filterAndConvert(results, threshold)), nil
}

// expandNeighbors pulls the chunks surrounding each hit in its source
// document and splices them in after their anchor, deduplicated across the
// whole result set. Neighbors inherit their anchor's score so downstream
// thresholding never drops them. Best-effort: a relational error leaves the
// anchor unexpanded.
func (r *Retriever) expandNeighbors(ctx context.Context, items []Item) []Item {
	w := r.defaults.NeighborWindow
	if w <= 0 || len(items) == 0 {
		return items
	}
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		seen[it.ChunkID] = true
	}
	out := make([]Item, 0, len(items)*(2*w+1))
	for _, it := range items {
		out = append(out, it)
		if it.DocumentID == "" {
			continue
		}
		neighbors, err := r.relational.ListChunksByDocument(ctx, it.DocumentID, it.ChunkIndex-w, it.ChunkIndex+w)
		if err != nil {
			observability.LoggerWithContext(ctx).Warn().Err(err).
				Str("document_id", it.DocumentID).
				Msg("retrieve: neighbor expansion failed, keeping bare hit")
			continue
		}
		for _, c := range neighbors {
			if seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			out = append(out, Item{
				ChunkID:       c.ID,
				DocumentID:    c.DocumentID,
				ExpedienteNum: c.ExpedienteNum,
				Filename:      c.Filename,
				ChunkIndex:    c.Index,
				PageStart:     c.PageStart,
				PageEnd:       c.PageEnd,
				Text:          c.Text,
				Score:         it.Score,
			})
		}
	}
	return out
}

func (r *Retriever) retrieveExpediente(ctx context.Context, opt Options) ([]Item, error) {
	topK := opt.TopK
	if topK <= 0 {
		topK = r.defaults.TopKExpediente
	}
	chunkCap := r.defaults.ExpedienteChunkCap
	if chunkCap <= 0 {
		chunkCap = topK
	}

	results, err := r.vectors.GetByExpediente(ctx, opt.ExpedienteNum, chunkCap)
	if err == nil && len(results) > 0 {
		items := filterAndConvert(results, 0) // threshold ignored in expediente mode
		return truncate(items, topK), nil
	}
	if err != nil {
		observability.LoggerWithContext(ctx).Warn().Err(err).
			Str("expediente", opt.ExpedienteNum).
			Msg("retrieve: vector store errored for expediente, falling back to relational source")
	}

	// Vector store empty or erroring for a known expediente: fall back to
	// the relational chain-of-responsibility source.
	chunks, rerr := r.relational.ListChunksByExpediente(ctx, opt.ExpedienteNum, chunkCap)
	if rerr != nil {
		if err != nil {
			return nil, err
		}
		return nil, rerr
	}
	items := make([]Item, 0, len(chunks))
	for _, c := range chunks {
		items = append(items, Item{
			ChunkID:       c.ID,
			DocumentID:    c.DocumentID,
			ExpedienteNum: c.ExpedienteNum,
			Filename:      c.Filename,
			ChunkIndex:    c.Index,
			PageStart:     c.PageStart,
			PageEnd:       c.PageEnd,
			Text:          c.Text,
			Score:         1,
		})
	}
	return truncate(items, topK), nil
}

func truncate(items []Item, limit int) []Item {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

// filterAndConvert applies the left-inclusive similarity threshold
// (score >= threshold) and maps vectorstore.Result into Item, sorted by
// score descending. A threshold of 0 keeps everything, used for the
// expediente mode where the threshold is ignored.
func filterAndConvert(results []vectorstore.Result, threshold float64) []Item {
	out := make([]Item, 0, len(results))
	for _, r := range results {
		if r.Score < threshold {
			continue
		}
		out = append(out, Item{
			ChunkID:       r.ID,
			DocumentID:    r.Metadata["document_id"],
			ExpedienteNum: r.Metadata["expediente_numero"],
			Filename:      r.Metadata["filename"],
			Path:          r.Metadata["path"],
			ChunkIndex:    atoiSafe(r.Metadata["chunk_index"]),
			PageStart:     atoiSafe(r.Metadata["page_start"]),
			PageEnd:       atoiSafe(r.Metadata["page_end"]),
			Text:          r.Metadata["text"],
			Score:         r.Score,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func atoiSafe(s string) int {
	n := 0
	neg := false
	for i, r := range s {
		if i == 0 && r == '-' {
			neg = true
			continue
		}
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	if neg {
		n = -n
	}
	return n
}
