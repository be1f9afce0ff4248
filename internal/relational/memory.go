package relational

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"expedienterag/internal/domain"
)

// MemoryStore is an in-process Store for tests, mirroring
// internal/persistence/databases' memChatStore and internal/objectstore's
// in-memory ObjectStore: same contract as PostgresStore, no external
// dependency. Mutations made inside a Tx are buffered and applied atomically
// on Commit, discarded on Rollback, which exercises the rollback path
// without a real database.
type MemoryStore struct {
	mu          sync.Mutex
	expedientes map[string]domain.Expediente
	documents   map[string]domain.Document
	docOrder    []string // insertion order, for ListDocumentsByExpediente/ListChunksByExpediente
	chunks      map[string][]domain.Chunk
	audit       []domain.AuditRecord
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		expedientes: make(map[string]domain.Expediente),
		documents:   make(map[string]domain.Document),
		chunks:      make(map[string][]domain.Chunk),
	}
}

type memMutation func(s *MemoryStore)

// memTx buffers mutations until Commit; Rollback simply discards them.
type memTx struct {
	store *MemoryStore
	muts  []memMutation
	done  bool
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return errors.New("relational: transaction already closed")
	}
	t.done = true
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, m := range t.muts {
		m(t.store)
	}
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	t.done = true
	t.muts = nil
	return nil
}

func (s *MemoryStore) BeginTx(ctx context.Context) (Tx, error) {
	return &memTx{store: s}, nil
}

// apply runs mut immediately if tx is nil (auto-commit), or buffers it into
// the transaction otherwise.
func apply(tx Tx, mut memMutation, s *MemoryStore) {
	if tx == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		mut(s)
		return
	}
	mt := tx.(*memTx)
	mt.muts = append(mt.muts, mut)
}

func (s *MemoryStore) GetOrCreateExpediente(ctx context.Context, tx Tx, numero string) (domain.Expediente, error) {
	s.mu.Lock()
	e, ok := s.expedientes[numero]
	s.mu.Unlock()
	if ok {
		return e, nil
	}

	now := time.Now().UTC()
	e = domain.Expediente{Numero: numero, CreatedAt: now, UpdatedAt: now}
	apply(tx, func(s *MemoryStore) {
		if _, ok := s.expedientes[numero]; !ok {
			s.expedientes[numero] = e
		}
	}, s)
	return e, nil
}

func (s *MemoryStore) FindDocument(ctx context.Context, expedienteNum, filename string) (domain.Document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.documents {
		if d.ExpedienteNum == expedienteNum && d.Filename == filename {
			return d, true, nil
		}
	}
	return domain.Document{}, false, nil
}

func (s *MemoryStore) GetDocument(ctx context.Context, documentID string) (domain.Document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.documents[documentID]
	return d, ok, nil
}

func (s *MemoryStore) InsertDocumentPending(ctx context.Context, tx Tx, doc domain.Document) (domain.Document, error) {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.Status == "" {
		doc.Status = domain.DocumentPending
	}
	now := time.Now().UTC()
	doc.CreatedAt, doc.UpdatedAt = now, now
	apply(tx, func(s *MemoryStore) {
		s.documents[doc.ID] = doc
		s.docOrder = append(s.docOrder, doc.ID)
	}, s)
	return doc, nil
}

func (s *MemoryStore) UpdateDocumentPath(ctx context.Context, tx Tx, documentID, path string) error {
	apply(tx, func(s *MemoryStore) {
		d, ok := s.documents[documentID]
		if !ok {
			return
		}
		d.StoragePath = path
		d.UpdatedAt = time.Now().UTC()
		s.documents[documentID] = d
	}, s)
	return nil
}

func (s *MemoryStore) UpdateDocumentStatus(ctx context.Context, tx Tx, documentID string, status domain.DocumentStatus, errMsg string) error {
	apply(tx, func(s *MemoryStore) {
		d, ok := s.documents[documentID]
		if !ok {
			return
		}
		d.Status = status
		d.ErrorMessage = errMsg
		now := time.Now().UTC()
		d.UpdatedAt = now
		if status == domain.DocumentProcessed {
			d.CompletedAt = &now
		}
		s.documents[documentID] = d
	}, s)
	return nil
}

func (s *MemoryStore) InsertChunks(ctx context.Context, tx Tx, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	cp := make([]domain.Chunk, len(chunks))
	copy(cp, chunks)
	apply(tx, func(s *MemoryStore) {
		for i := range cp {
			if cp[i].ID == "" {
				cp[i].ID = uuid.NewString()
			}
			docID := cp[i].DocumentID
			s.chunks[docID] = append(s.chunks[docID], cp[i])
		}
	}, s)
	return nil
}

func (s *MemoryStore) ListChunksByExpediente(ctx context.Context, expedienteNum string, limit int) ([]domain.Chunk, error) {
	limit = clampLimit(limit, defaultExpedienteChunkLimit, maxExpedienteChunkLimit)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Chunk
	for _, docID := range s.docOrder {
		d := s.documents[docID]
		if d.ExpedienteNum != expedienteNum || d.Status != domain.DocumentProcessed {
			continue
		}
		cs := append([]domain.Chunk(nil), s.chunks[docID]...)
		sort.Slice(cs, func(i, j int) bool { return cs[i].Index < cs[j].Index })
		out = append(out, cs...)
		if len(out) >= limit {
			break
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListChunksByDocument(ctx context.Context, documentID string, fromIndex, toIndex int) ([]domain.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Chunk
	for _, c := range s.chunks[documentID] {
		if c.Index >= fromIndex && c.Index <= toIndex {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *MemoryStore) ListDocumentsByExpediente(ctx context.Context, expedienteNum string) ([]domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Document
	for _, docID := range s.docOrder {
		d := s.documents[docID]
		if d.ExpedienteNum == expedienteNum {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *MemoryStore) AppendAudit(ctx context.Context, rec domain.AuditRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, rec)
	return nil
}

func (s *MemoryStore) ListAudit(ctx context.Context, limit int) ([]domain.AuditRecord, error) {
	limit = clampLimit(limit, 100, 10000)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AuditRecord, len(s.audit))
	copy(out, s.audit)
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
