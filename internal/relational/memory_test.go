package relational

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expedienterag/internal/domain"
)

func TestMemoryStore_GetOrCreateExpediente_IsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	e1, err := s.GetOrCreateExpediente(ctx, nil, "24-000123-0001-PE")
	require.NoError(t, err)
	e2, err := s.GetOrCreateExpediente(ctx, nil, "24-000123-0001-PE")
	require.NoError(t, err)
	assert.Equal(t, e1.CreatedAt, e2.CreatedAt)
}

func TestMemoryStore_TxCommitAppliesMutations(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	doc, err := s.InsertDocumentPending(ctx, tx, domain.Document{ExpedienteNum: "24-1", Filename: "a.txt"})
	require.NoError(t, err)

	_, found, err := s.FindDocument(ctx, "24-1", "a.txt")
	require.NoError(t, err)
	assert.False(t, found, "uncommitted mutation must not be visible")

	require.NoError(t, tx.Commit(ctx))
	got, found, err := s.FindDocument(ctx, "24-1", "a.txt")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, doc.ID, got.ID)
}

func TestMemoryStore_TxRollbackDiscardsMutations(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	_, err = s.InsertDocumentPending(ctx, tx, domain.Document{ExpedienteNum: "24-1", Filename: "a.txt"})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))

	_, found, err := s.FindDocument(ctx, "24-1", "a.txt")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryStore_ListChunksByExpediente_OnlyIncludesProcessedDocuments(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	doc, err := s.InsertDocumentPending(ctx, tx, domain.Document{ExpedienteNum: "24-1", Filename: "a.txt"})
	require.NoError(t, err)
	require.NoError(t, s.InsertChunks(ctx, tx, []domain.Chunk{{DocumentID: doc.ID, ExpedienteNum: "24-1", Filename: "a.txt", Index: 0, Text: "t"}}))
	require.NoError(t, tx.Commit(ctx))

	chunks, err := s.ListChunksByExpediente(ctx, "24-1", 10)
	require.NoError(t, err)
	assert.Empty(t, chunks, "document is still Pendiente, not Procesado")

	tx2, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, s.UpdateDocumentStatus(ctx, tx2, doc.ID, domain.DocumentProcessed, ""))
	require.NoError(t, tx2.Commit(ctx))

	chunks, err = s.ListChunksByExpediente(ctx, "24-1", 10)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
}

func TestMemoryStore_AppendAndListAudit_NewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.AppendAudit(ctx, domain.AuditRecord{ActionType: domain.AuditCargaDocumentos, Text: "primero"}))
	require.NoError(t, s.AppendAudit(ctx, domain.AuditRecord{ActionType: domain.AuditCargaDocumentos, Text: "segundo"}))

	records, err := s.ListAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "segundo", records[0].Text)
}
