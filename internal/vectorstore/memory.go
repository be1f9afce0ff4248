package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryVectorStore is an in-process VectorStore used by tests and local
// development, mirroring the role internal/objectstore/memory.go plays for
// object storage and internal/persistence/databases' memChatStore plays for
// conversations: same interface as the production adapters, no external
// dependency.
type MemoryVectorStore struct {
	mu        sync.RWMutex
	dimension int
	vectors   map[string][]float32
	metadata  map[string]map[string]string
}

// NewMemoryVectorStore builds an empty MemoryVectorStore.
func NewMemoryVectorStore(dimension int) *MemoryVectorStore {
	return &MemoryVectorStore{
		dimension: dimension,
		vectors:   make(map[string][]float32),
		metadata:  make(map[string]map[string]string),
	}
}

func (m *MemoryVectorStore) Dimension() int { return m.dimension }

func (m *MemoryVectorStore) Close() error { return nil }

func (m *MemoryVectorStore) Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]float32, len(vector))
	copy(v, vector)
	meta := make(map[string]string, len(metadata))
	for k, val := range metadata {
		meta[k] = val
	}
	m.vectors[id] = v
	m.metadata[id] = meta
	return nil
}

func (m *MemoryVectorStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vectors, id)
	delete(m.metadata, id)
	return nil
}

func (m *MemoryVectorStore) SimilaritySearch(ctx context.Context, vector []float32, k int, filter map[string]string) ([]Result, error) {
	if k <= 0 {
		k = 10
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	type scored struct {
		id    string
		score float64
	}
	var candidates []scored
	for id, v := range m.vectors {
		meta := m.metadata[id]
		if !matchesFilter(meta, filter) {
			continue
		}
		candidates = append(candidates, scored{id: id, score: cosineSimilarity(vector, v)})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, Result{ID: c.id, Score: c.score, Metadata: m.metadata[c.id]})
	}
	return out, nil
}

// GetByExpediente returns every chunk tagged with this expediente, with no
// similarity scoring, ordered by document_id then chunk_index the way the
// orchestrator wrote them, never filtered by similarity. Insertion order isn't tracked by this store, so ties fall back
// to a stable string sort on id.
func (m *MemoryVectorStore) GetByExpediente(ctx context.Context, expedienteNum string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 1024
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	type row struct {
		id         string
		documentID string
		chunkIndex int
		meta       map[string]string
	}
	var rows []row
	for id, meta := range m.metadata {
		if meta["expediente_numero"] != expedienteNum {
			continue
		}
		rows = append(rows, row{id: id, documentID: meta["document_id"], chunkIndex: atoiSafe(meta["chunk_index"]), meta: meta})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].documentID != rows[j].documentID {
			return rows[i].documentID < rows[j].documentID
		}
		if rows[i].chunkIndex != rows[j].chunkIndex {
			return rows[i].chunkIndex < rows[j].chunkIndex
		}
		return rows[i].id < rows[j].id
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]Result, 0, len(rows))
	for _, r := range rows {
		out = append(out, Result{ID: r.id, Score: 1, Metadata: r.meta})
	}
	return out, nil
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

func matchesFilter(meta, filter map[string]string) bool {
	for k, v := range filter {
		if v == "" {
			continue
		}
		if meta[k] != v {
			return false
		}
	}
	return true
}

// cosineSimilarity folds the [-1,1] cosine similarity into [0,1] as
// (cos+1)/2, so identical vectors score 1 and orthogonal ones 0.5. Zero
// vectors score 0.
func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Fold [-1,1] cosine similarity into [0,1] per the score contract.
	score := (cos + 1) / 2
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

var _ VectorStore = (*MemoryVectorStore)(nil)
