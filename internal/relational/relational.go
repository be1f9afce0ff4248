// Package relational stores the Expediente/Document/Chunk and AuditRecord
// rows (ingestion job state is not stored here; see internal/progress) the IngestionOrchestrator, Retriever fallback,
// and AuditLogger depend on. It follows the same one-interface,
// two-backend shape as internal/persistence: a Postgres adapter over pgx
// and an in-memory adapter for tests.
package relational

import (
	"context"

	"expedienterag/internal/domain"
)

// Tx is an open relational transaction. The IngestionOrchestrator holds one
// of these per job: Document creation, the chunk inserts, and the terminal
// status flip happen inside it, and it commits or rolls back as one unit
// alongside the vector store insert. If that commit fails, a separate Tx
// marks the document as errored.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store is the relational persistence contract. Every write method accepts
// an optional Tx; a nil Tx auto-commits the single statement, matching how
// get-or-create Expediente runs un-committed ahead of the document
// transaction proper.
type Store interface {
	BeginTx(ctx context.Context) (Tx, error)

	GetOrCreateExpediente(ctx context.Context, tx Tx, numero string) (domain.Expediente, error)

	// FindDocument looks up a Document by its (expediente, filename) key,
	// used by the orchestrator's idempotency check on repeat uploads.
	FindDocument(ctx context.Context, expedienteNum, filename string) (domain.Document, bool, error)
	InsertDocumentPending(ctx context.Context, tx Tx, doc domain.Document) (domain.Document, error)
	UpdateDocumentPath(ctx context.Context, tx Tx, documentID, path string) error
	UpdateDocumentStatus(ctx context.Context, tx Tx, documentID string, status domain.DocumentStatus, errMsg string) error
	GetDocument(ctx context.Context, documentID string) (domain.Document, bool, error)

	InsertChunks(ctx context.Context, tx Tx, chunks []domain.Chunk) error

	// ListChunksByExpediente is the relational fallback source the
	// Retriever consults when the vector store is empty or errors
	// for a known expediente. It returns up to limit chunks ordered by
	// (document insert time, chunk index), with Embedding left nil.
	ListChunksByExpediente(ctx context.Context, expedienteNum string, limit int) ([]domain.Chunk, error)

	// ListChunksByDocument returns one document's chunks with Index in
	// [fromIndex, toIndex] inclusive, ordered by Index, with Embedding left
	// nil. The Retriever uses it to widen a sparse vector hit with the
	// chunks surrounding it in the same document.
	ListChunksByDocument(ctx context.Context, documentID string, fromIndex, toIndex int) ([]domain.Chunk, error)

	// ListDocumentsByExpediente supports the fallback path when no chunks
	// were ever indexed for a Procesado document (text is reconstructed
	// from chunk rows, so an unindexed document yields nothing here; this
	// still lets callers report "known expediente, no content").
	ListDocumentsByExpediente(ctx context.Context, expedienteNum string) ([]domain.Document, error)

	AppendAudit(ctx context.Context, rec domain.AuditRecord) error
	ListAudit(ctx context.Context, limit int) ([]domain.AuditRecord, error)
}

// Document, chunk and audit IDs are normally supplied by callers
// (internal/orchestrator uses google/uuid); both backends fill a blank ID
// with a fresh UUID.

// clampLimit keeps List* calls bounded even when callers pass 0 or a huge
// limit (default cap 1024).
func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		limit = def
	}
	if limit > max {
		limit = max
	}
	return limit
}

const (
	defaultExpedienteChunkLimit = 1024
	maxExpedienteChunkLimit     = 4096
)
