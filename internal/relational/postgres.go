package relational

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"expedienterag/internal/domain"
)

// PostgresStore is the production Store, backed by pgx. Schema bootstrap is
// idempotent (CREATE TABLE IF NOT EXISTS), mirroring
// internal/vectorstore/postgres.go's NewPostgresVectorStore.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates the expediente/document/chunk/audit tables if
// absent and returns a Store over them.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS expedientes (
		    numero TEXT PRIMARY KEY,
		    titulo TEXT NOT NULL DEFAULT '',
		    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
		    id TEXT PRIMARY KEY,
		    expediente_numero TEXT NOT NULL REFERENCES expedientes(numero),
		    filename TEXT NOT NULL,
		    storage_path TEXT NOT NULL DEFAULT '',
		    source_kind TEXT NOT NULL DEFAULT '',
		    status TEXT NOT NULL,
		    sha256 TEXT NOT NULL DEFAULT '',
		    size_bytes BIGINT NOT NULL DEFAULT 0,
		    page_count INT NOT NULL DEFAULT 0,
		    error_message TEXT NOT NULL DEFAULT '',
		    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		    completed_at TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS documents_expediente_filename_idx
		    ON documents (expediente_numero, filename)`,
		`CREATE TABLE IF NOT EXISTS chunks (
		    id TEXT PRIMARY KEY,
		    document_id TEXT NOT NULL REFERENCES documents(id),
		    expediente_numero TEXT NOT NULL,
		    filename TEXT NOT NULL DEFAULT '',
		    chunk_index INT NOT NULL,
		    text TEXT NOT NULL,
		    page_start INT NOT NULL DEFAULT 0,
		    page_end INT NOT NULL DEFAULT 0,
		    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		    UNIQUE (document_id, chunk_index)
		)`,
		`CREATE INDEX IF NOT EXISTS chunks_expediente_idx ON chunks (expediente_numero, document_id, chunk_index)`,
		`CREATE TABLE IF NOT EXISTS audit_records (
		    id TEXT PRIMARY KEY,
		    ts TIMESTAMPTZ NOT NULL,
		    user_id BIGINT,
		    action_type INT NOT NULL,
		    text TEXT NOT NULL DEFAULT '',
		    expediente_id TEXT NOT NULL DEFAULT '',
		    info_json TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS audit_records_ts_idx ON audit_records (ts DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("relational: bootstrap schema: %w", err)
		}
	}
	return s, nil
}

// pgxTx adapts pgx.Tx to the package's Tx interface.
type pgxTx struct{ tx pgx.Tx }

func (t pgxTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t pgxTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

func (s *PostgresStore) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("relational: begin tx: %w", err)
	}
	return pgxTx{tx: tx}, nil
}

func (s *PostgresStore) GetOrCreateExpediente(ctx context.Context, tx Tx, numero string) (domain.Expediente, error) {
	queryRow := s.pool.QueryRow
	if tx != nil {
		queryRow = tx.(pgxTx).tx.QueryRow
	}
	now := time.Now().UTC()
	row := queryRow(ctx, `
INSERT INTO expedientes (numero, created_at, updated_at)
VALUES ($1, $2, $2)
ON CONFLICT (numero) DO UPDATE SET numero = EXCLUDED.numero
RETURNING numero, titulo, created_at, updated_at`, numero, now)
	var e domain.Expediente
	if err := row.Scan(&e.Numero, &e.Titulo, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return domain.Expediente{}, fmt.Errorf("relational: get-or-create expediente %q: %w", numero, err)
	}
	return e, nil
}

func (s *PostgresStore) FindDocument(ctx context.Context, expedienteNum, filename string) (domain.Document, bool, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, expediente_numero, filename, storage_path, source_kind, status, sha256, size_bytes,
       page_count, error_message, created_at, updated_at, completed_at
FROM documents WHERE expediente_numero = $1 AND filename = $2`, expedienteNum, filename)
	d, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Document{}, false, nil
	}
	if err != nil {
		return domain.Document{}, false, fmt.Errorf("relational: find document: %w", err)
	}
	return d, true, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (domain.Document, bool, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, expediente_numero, filename, storage_path, source_kind, status, sha256, size_bytes,
       page_count, error_message, created_at, updated_at, completed_at
FROM documents WHERE id = $1`, documentID)
	d, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Document{}, false, nil
	}
	if err != nil {
		return domain.Document{}, false, fmt.Errorf("relational: get document: %w", err)
	}
	return d, true, nil
}

func scanDocument(row pgx.Row) (domain.Document, error) {
	var d domain.Document
	var status string
	err := row.Scan(&d.ID, &d.ExpedienteNum, &d.Filename, &d.StoragePath, (*string)(&d.SourceKind), &status,
		&d.SHA256, &d.SizeBytes, &d.PageCount, &d.ErrorMessage, &d.CreatedAt, &d.UpdatedAt, &d.CompletedAt)
	d.Status = domain.DocumentStatus(status)
	return d, err
}

func (s *PostgresStore) InsertDocumentPending(ctx context.Context, tx Tx, doc domain.Document) (domain.Document, error) {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.Status == "" {
		doc.Status = domain.DocumentPending
	}
	now := time.Now().UTC()
	doc.CreatedAt, doc.UpdatedAt = now, now

	exec := s.pool.Exec
	if tx != nil {
		exec = tx.(pgxTx).tx.Exec
	}
	_, err := exec(ctx, `
INSERT INTO documents (id, expediente_numero, filename, storage_path, source_kind, status, sha256,
                        size_bytes, page_count, error_message, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)`,
		doc.ID, doc.ExpedienteNum, doc.Filename, doc.StoragePath, string(doc.SourceKind), string(doc.Status),
		doc.SHA256, doc.SizeBytes, doc.PageCount, doc.ErrorMessage, doc.CreatedAt)
	if err != nil {
		return domain.Document{}, fmt.Errorf("relational: insert document pending: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) UpdateDocumentPath(ctx context.Context, tx Tx, documentID, path string) error {
	exec := s.pool.Exec
	if tx != nil {
		exec = tx.(pgxTx).tx.Exec
	}
	_, err := exec(ctx, `UPDATE documents SET storage_path = $2, updated_at = now() WHERE id = $1`, documentID, path)
	if err != nil {
		return fmt.Errorf("relational: update document path: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateDocumentStatus(ctx context.Context, tx Tx, documentID string, status domain.DocumentStatus, errMsg string) error {
	exec := s.pool.Exec
	if tx != nil {
		exec = tx.(pgxTx).tx.Exec
	}
	now := time.Now().UTC()
	var completedAt *time.Time
	if status == domain.DocumentProcessed {
		completedAt = &now
	}
	_, err := exec(ctx, `
UPDATE documents SET status = $2, error_message = $3, updated_at = $4, completed_at = $5
WHERE id = $1`, documentID, string(status), errMsg, now, completedAt)
	if err != nil {
		return fmt.Errorf("relational: update document status: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertChunks(ctx context.Context, tx Tx, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	exec := s.pool.Exec
	if tx != nil {
		exec = tx.(pgxTx).tx.Exec
	}
	for _, c := range chunks {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		_, err := exec(ctx, `
INSERT INTO chunks (id, document_id, expediente_numero, filename, chunk_index, text, page_start, page_end, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8, now())
ON CONFLICT (document_id, chunk_index) DO UPDATE SET text = EXCLUDED.text,
    page_start = EXCLUDED.page_start, page_end = EXCLUDED.page_end`,
			c.ID, c.DocumentID, c.ExpedienteNum, c.Filename, c.Index, c.Text, c.PageStart, c.PageEnd)
		if err != nil {
			return fmt.Errorf("relational: insert chunk %q: %w", c.ID, err)
		}
	}
	return nil
}

func (s *PostgresStore) ListChunksByExpediente(ctx context.Context, expedienteNum string, limit int) ([]domain.Chunk, error) {
	limit = clampLimit(limit, defaultExpedienteChunkLimit, maxExpedienteChunkLimit)
	rows, err := s.pool.Query(ctx, `
SELECT c.id, c.document_id, c.expediente_numero, c.filename, c.chunk_index, c.text, c.page_start, c.page_end
FROM chunks c
JOIN documents d ON d.id = c.document_id
WHERE c.expediente_numero = $1 AND d.status = $2
ORDER BY d.created_at ASC, c.chunk_index ASC
LIMIT $3`, expedienteNum, string(domain.DocumentProcessed), limit)
	if err != nil {
		return nil, fmt.Errorf("relational: list chunks by expediente: %w", err)
	}
	defer rows.Close()
	var out []domain.Chunk
	for rows.Next() {
		var c domain.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ExpedienteNum, &c.Filename, &c.Index, &c.Text, &c.PageStart, &c.PageEnd); err != nil {
			return nil, fmt.Errorf("relational: scan chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListChunksByDocument(ctx context.Context, documentID string, fromIndex, toIndex int) ([]domain.Chunk, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, document_id, expediente_numero, filename, chunk_index, text, page_start, page_end
FROM chunks
WHERE document_id = $1 AND chunk_index BETWEEN $2 AND $3
ORDER BY chunk_index ASC`, documentID, fromIndex, toIndex)
	if err != nil {
		return nil, fmt.Errorf("relational: list chunks by document: %w", err)
	}
	defer rows.Close()
	var out []domain.Chunk
	for rows.Next() {
		var c domain.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ExpedienteNum, &c.Filename, &c.Index, &c.Text, &c.PageStart, &c.PageEnd); err != nil {
			return nil, fmt.Errorf("relational: scan chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListDocumentsByExpediente(ctx context.Context, expedienteNum string) ([]domain.Document, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, expediente_numero, filename, storage_path, source_kind, status, sha256, size_bytes,
       page_count, error_message, created_at, updated_at, completed_at
FROM documents WHERE expediente_numero = $1 ORDER BY created_at ASC`, expedienteNum)
	if err != nil {
		return nil, fmt.Errorf("relational: list documents by expediente: %w", err)
	}
	defer rows.Close()
	var out []domain.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("relational: scan document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendAudit(ctx context.Context, rec domain.AuditRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO audit_records (id, ts, user_id, action_type, text, expediente_id, info_json)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		rec.ID, rec.Timestamp, rec.UserID, int(rec.ActionType), rec.Text, rec.ExpedienteID, rec.InfoJSON)
	if err != nil {
		return fmt.Errorf("relational: append audit: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, limit int) ([]domain.AuditRecord, error) {
	limit = clampLimit(limit, 100, 10000)
	rows, err := s.pool.Query(ctx, `
SELECT id, ts, user_id, action_type, text, expediente_id, info_json
FROM audit_records ORDER BY ts DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("relational: list audit: %w", err)
	}
	defer rows.Close()
	var out []domain.AuditRecord
	for rows.Next() {
		var r domain.AuditRecord
		var actionType int
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.UserID, &actionType, &r.Text, &r.ExpedienteID, &r.InfoJSON); err != nil {
			return nil, fmt.Errorf("relational: scan audit: %w", err)
		}
		r.ActionType = domain.AuditActionType(actionType)
		out = append(out, r)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
