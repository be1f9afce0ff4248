// Package orchestrator implements IngestionOrchestrator: the 12-step
// job body that turns one uploaded file into indexed, searchable Chunks,
// coordinating every earlier component.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"expedienterag/internal/apperr"
	"expedienterag/internal/audit"
	"expedienterag/internal/chunk"
	"expedienterag/internal/config"
	"expedienterag/internal/domain"
	"expedienterag/internal/embed"
	"expedienterag/internal/extract"
	"expedienterag/internal/jobqueue"
	"expedienterag/internal/metrics"
	"expedienterag/internal/objectstore"
	"expedienterag/internal/observability"
	"expedienterag/internal/progress"
	"expedienterag/internal/relational"
	"expedienterag/internal/validation"
	"expedienterag/internal/vectorstore"
)

var _ jobqueue.Runner = (*Orchestrator)(nil)

// IngestRequest names one already-uploaded file to process. The upload
// handler (outside this package) is responsible for placing the bytes at
// ObjectKey under the uploads/{expediente}/{filename}[_N] layout before
// enqueuing the job.
type IngestRequest struct {
	JobID         string
	ExpedienteNum string
	Filename      string
	ObjectKey     string
}

// Orchestrator runs one ingestion job end to end.
type Orchestrator struct {
	objects    objectstore.ObjectStore
	extractor  *extract.Extractor
	chunker    chunk.Chunker
	embedder   embed.Embedder
	vectors    vectorstore.VectorStore
	relational relational.Store
	tracker    progress.Tracker
	dedupe     jobqueue.DedupeStore
	audit      *audit.Logger
	metrics    metrics.Sink

	ingestion config.IngestionConfig
	chunkOpt  chunk.Options

	lockTTL time.Duration
}

// totalSteps is the fixed step count reported to the ProgressTracker for
// every ingestion job.
const totalSteps = 12

// Option customizes an Orchestrator built by New.
type Option func(*Orchestrator)

// WithDedupeStore attaches the content-hash idempotency ledger. Without
// one, idempotency falls back to the plain relational (expediente,
// filename) lookup.
func WithDedupeStore(store jobqueue.DedupeStore) Option {
	return func(o *Orchestrator) { o.dedupe = store }
}

// WithMetrics attaches a metrics.Sink recording the ingestion_stage_ms
// histogram and the ingestion_jobs_total counter (by outcome). Without one,
// the orchestrator runs with metrics disabled.
func WithMetrics(sink metrics.Sink) Option {
	return func(o *Orchestrator) { o.metrics = sink }
}

// New builds an Orchestrator from its collaborators.
func New(
	objects objectstore.ObjectStore,
	extractor *extract.Extractor,
	chunker chunk.Chunker,
	embedder embed.Embedder,
	vectors vectorstore.VectorStore,
	rel relational.Store,
	tracker progress.Tracker,
	auditLogger *audit.Logger,
	ingestion config.IngestionConfig,
	chunkOpt chunk.Options,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		objects:    objects,
		extractor:  extractor,
		chunker:    chunker,
		embedder:   embedder,
		vectors:    vectors,
		relational: rel,
		tracker:    tracker,
		audit:      auditLogger,
		ingestion:  ingestion,
		chunkOpt:   chunkOpt,
		lockTTL:    30 * time.Minute,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute implements jobqueue.Runner so the Kafka command handler can invoke
// ingestion jobs without a second transport layer.
func (o *Orchestrator) Execute(ctx context.Context, workflow string, attrs map[string]any, publish func(ctx context.Context, stepID string, payload []byte) error) (map[string]any, error) {
	if workflow != "ingest_document" {
		return nil, &apperr.ValidationError{Field: "workflow", Reason: fmt.Sprintf("unknown workflow %q", workflow)}
	}
	req := IngestRequest{
		JobID:         fmt.Sprintf("%v", attrs["job_id"]),
		ExpedienteNum: fmt.Sprintf("%v", attrs["expediente_num"]),
		Filename:      fmt.Sprintf("%v", attrs["filename"]),
		ObjectKey:     fmt.Sprintf("%v", attrs["object_key"]),
	}
	if err := o.IngestDocument(ctx, req); err != nil {
		return nil, err
	}
	return map[string]any{"job_id": req.JobID, "status": string(domain.JobCompletado)}, nil
}

// setProgress writes one milestone, logging but not failing the job on a
// Tracker error: progress reporting is observability, not correctness.
func (o *Orchestrator) setProgress(ctx context.Context, jobID string, step int, status domain.JobStatus, message string) {
	if o.tracker == nil {
		return
	}
	if err := o.tracker.Set(ctx, progress.Update{
		JobID: jobID, Status: status, CurrentStep: step, TotalSteps: totalSteps, Message: message,
	}); err != nil {
		observability.LoggerWithContext(ctx).Warn().Err(err).Str("job_id", jobID).Msg("orchestrator: progress update failed")
	}
}

// recordStage observes ingestion_stage_ms for one named pipeline stage,
// no-op when no metrics.Sink was attached via WithMetrics.
func (o *Orchestrator) recordStage(stage string, start time.Time) {
	if o.metrics == nil {
		return
	}
	ms := float64(time.Since(start).Milliseconds())
	o.metrics.ObserveHistogram("ingestion_stage_ms", ms, map[string]string{"stage": stage})
}

func (o *Orchestrator) metricsCount(name string, labels map[string]string) {
	if o.metrics == nil {
		return
	}
	o.metrics.IncCounter(name, labels)
}

func (o *Orchestrator) fail(ctx context.Context, jobID, message string) {
	if o.tracker == nil {
		return
	}
	if err := o.tracker.Set(ctx, progress.Update{
		JobID: jobID, Status: domain.JobFallido, CurrentStep: totalSteps, TotalSteps: totalSteps, ErrorDetails: message,
	}); err != nil {
		observability.LoggerWithContext(ctx).Warn().Err(err).Str("job_id", jobID).Msg("orchestrator: progress update failed")
	}
}

// checkCancelled is the cancellation checkpoint: it raises
// apperr.JobCancelled the first time it observes the job flagged cancelled.
func (o *Orchestrator) checkCancelled(ctx context.Context, jobID string) error {
	if o.tracker == nil {
		return nil
	}
	cancelled, err := o.tracker.IsCancelled(ctx, jobID)
	if err != nil {
		observability.LoggerWithContext(ctx).Warn().Err(err).Str("job_id", jobID).Msg("orchestrator: cancellation check failed, proceeding")
		return nil
	}
	if cancelled {
		return &apperr.JobCancelled{JobID: jobID}
	}
	return nil
}

// IngestDocument runs the 12-step job body for one file. The number in
// parentheses is the CurrentStep (out of totalSteps) reported once the
// step completes:
//  1. validate extension/size, checkpoint
//  2. acquire the (expediente,filename) idempotency lock                  (1)
//  3. get-or-create the Expediente                                        (2)
//  4. download the object bytes, hash it                                  (4)
//  5. idempotency check: content-hash dedup ledger + existing Document    (5)
//  6. extract text (delegating to audio transcription when applicable)    (6)
//  7. chunk the cleaned text, checkpoint                                  (7)
//  8. embed each chunk, checkpoint                                        (8)
//  9. open a relational Tx: insert the pending Document + its chunks      (9)
//  10. insert the chunk embeddings into the vector store, with rollback+
//     reconciliation on failure                                           (10)
//  11. commit relational (flips Document to Procesado)                   (11)
//  12. release the lock, audit log, final progress                       (12)
func (o *Orchestrator) IngestDocument(ctx context.Context, req IngestRequest) (err error) {
	ctx = observability.WithJobID(ctx, req.JobID)
	ctx = observability.WithExpediente(ctx, req.ExpedienteNum)
	log := observability.LoggerWithContext(ctx)

	start := time.Now()
	defer func() {
		outcome := "completed"
		if err != nil {
			outcome = "failed"
		}
		o.recordStage("total", start)
		o.metricsCount("ingestion_jobs_total", map[string]string{"outcome": outcome})
	}()

	if err := o.validate(req); err != nil {
		o.fail(ctx, req.JobID, err.Error())
		return err
	}
	if err := o.checkCancelled(ctx, req.JobID); err != nil {
		return err
	}

	lockKey := req.ExpedienteNum + "|" + req.Filename
	acquired, err := o.tracker.AcquireLock(ctx, lockKey, o.lockTTL)
	if err != nil {
		o.fail(ctx, req.JobID, err.Error())
		return &apperr.TransientExternalError{Dependency: "progress_tracker", Err: err}
	}
	if !acquired {
		return &apperr.ValidationError{Field: "filename", Reason: "already being ingested"}
	}
	defer func() {
		if err := o.tracker.ReleaseLock(ctx, lockKey); err != nil {
			log.Warn().Err(err).Msg("orchestrator: failed to release idempotency lock")
		}
	}()
	o.setProgress(ctx, req.JobID, 1, domain.JobProcesando, "lock adquirido")

	expediente, err := o.relational.GetOrCreateExpediente(ctx, nil, req.ExpedienteNum)
	if err != nil {
		o.fail(ctx, req.JobID, err.Error())
		return err
	}
	o.setProgress(ctx, req.JobID, 2, domain.JobProcesando, "expediente resuelto: "+expediente.Numero)

	data, err := o.download(ctx, req.ObjectKey)
	if err != nil {
		o.fail(ctx, req.JobID, err.Error())
		return err
	}
	if o.ingestion.MaxFileSizeBytes > 0 && int64(len(data)) > o.ingestion.MaxFileSizeBytes {
		err := &apperr.ValidationError{Field: "filename", Reason: fmt.Sprintf("file exceeds %d byte limit", o.ingestion.MaxFileSizeBytes)}
		o.fail(ctx, req.JobID, err.Error())
		return err
	}
	sha := sha256.Sum256(data)
	contentHash := hex.EncodeToString(sha[:])
	o.setProgress(ctx, req.JobID, 4, domain.JobProcesando, "archivo descargado")

	filename, skip, err := o.resolveIdempotency(ctx, req, contentHash)
	if err != nil {
		o.fail(ctx, req.JobID, err.Error())
		return err
	}
	if skip {
		o.setProgress(ctx, req.JobID, totalSteps, domain.JobCompletado, "documento ya ingerido, omitido")
		o.audit.Log(ctx, nil, domain.AuditCargaDocumentos, "carga omitida (ya existe)", req.ExpedienteNum, map[string]any{"filename": req.Filename})
		return nil
	}
	o.setProgress(ctx, req.JobID, 5, domain.JobProcesando, "verificación de idempotencia completa")

	if err := o.checkCancelled(ctx, req.JobID); err != nil {
		return err
	}

	extractStart := time.Now()
	result, err := o.extractor.Extract(ctx, data, filename)
	o.recordStage("extract", extractStart)
	if err != nil {
		o.fail(ctx, req.JobID, err.Error())
		return err
	}
	o.setProgress(ctx, req.JobID, 6, domain.JobProcesando, "texto extraído")

	if err := o.checkCancelled(ctx, req.JobID); err != nil {
		return err
	}

	pieces := o.chunker.Chunk(result.Text, result.PageBreaks, o.chunkOpt)
	if len(pieces) == 0 {
		err := extract.ErrNoExtractableContent
		o.fail(ctx, req.JobID, err.Error())
		return err
	}
	o.setProgress(ctx, req.JobID, 7, domain.JobProcesando, fmt.Sprintf("%d chunks generados", len(pieces)))

	if err := o.checkCancelled(ctx, req.JobID); err != nil {
		return err
	}

	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = p.Text
	}
	embedStart := time.Now()
	vectors, err := o.embedder.EmbedBatch(ctx, texts)
	o.recordStage("embed", embedStart)
	if err != nil {
		o.fail(ctx, req.JobID, err.Error())
		return &apperr.TransientExternalError{Dependency: "embedder", Err: err}
	}
	o.setProgress(ctx, req.JobID, 8, domain.JobProcesando, "chunks vectorizados")

	if err := o.checkCancelled(ctx, req.JobID); err != nil {
		return err
	}

	documentID := uuid.NewString()
	doc := domain.Document{
		ID: documentID, ExpedienteNum: req.ExpedienteNum, Filename: filename,
		StoragePath: req.ObjectKey, SourceKind: sourceKindFor(filename), SHA256: contentHash,
		Status: domain.DocumentPending, SizeBytes: int64(len(data)), PageCount: len(result.Pages),
	}
	chunks := make([]domain.Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = domain.Chunk{
			ID: uuid.NewString(), DocumentID: documentID, ExpedienteNum: req.ExpedienteNum,
			Filename: filename, Index: p.Index, Text: p.Text,
			PageStart: p.PageStart, PageEnd: p.PageEnd, Embedding: vectors[i],
		}
	}

	tx, err := o.relational.BeginTx(ctx)
	if err != nil {
		o.fail(ctx, req.JobID, err.Error())
		return &apperr.TransientExternalError{Dependency: "relational_store", Err: err}
	}
	if _, err := o.relational.InsertDocumentPending(ctx, tx, doc); err != nil {
		_ = tx.Rollback(ctx)
		o.fail(ctx, req.JobID, err.Error())
		return err
	}
	if err := o.relational.InsertChunks(ctx, tx, chunks); err != nil {
		_ = tx.Rollback(ctx)
		o.fail(ctx, req.JobID, err.Error())
		return err
	}
	o.setProgress(ctx, req.JobID, 9, domain.JobProcesando, "filas relacionales preparadas")

	if err := o.insertVectors(ctx, chunks); err != nil {
		if rerr := tx.Rollback(ctx); rerr != nil {
			log.Error().Err(rerr).Msg("orchestrator: rollback after vector insert failure also failed")
		}
		o.reconcileOrphanChunks(ctx, documentID, chunks)
		o.fail(ctx, req.JobID, err.Error())
		return err
	}
	o.setProgress(ctx, req.JobID, 10, domain.JobProcesando, "embeddings insertados")

	if err := o.relational.UpdateDocumentStatus(ctx, tx, documentID, domain.DocumentProcessed, ""); err != nil {
		_ = tx.Rollback(ctx)
		o.reconcileOrphanChunks(ctx, documentID, chunks)
		o.fail(ctx, req.JobID, err.Error())
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		// The relational commit itself failed after the vector store insert
		// already succeeded: flip the document to Error in a fresh
		// transaction rather than leaving it Pendiente forever.
		o.markDocumentErrored(ctx, documentID, err)
		o.fail(ctx, req.JobID, err.Error())
		return &apperr.TransientExternalError{Dependency: "relational_store", Err: err}
	}
	o.setProgress(ctx, req.JobID, 11, domain.JobProcesando, "transacción confirmada")

	if o.dedupe != nil {
		key := dedupeKey(req.ExpedienteNum, filename, contentHash)
		if err := o.dedupe.Set(ctx, key, documentID, dedupeTTL); err != nil {
			log.Warn().Err(err).Msg("orchestrator: failed to record dedupe ledger entry")
		}
	}

	o.audit.Log(ctx, nil, domain.AuditCargaDocumentos, "documento ingerido", req.ExpedienteNum, map[string]any{
		"filename": filename, "document_id": documentID, "chunks": len(chunks),
	})
	o.setProgress(ctx, req.JobID, totalSteps, domain.JobCompletado, "ingesta completa")
	return nil
}

func (o *Orchestrator) validate(req IngestRequest) error {
	if _, err := validation.ExpedienteNum(req.ExpedienteNum); err != nil {
		return &apperr.ValidationError{Field: "expediente_num", Reason: err.Error()}
	}
	if _, err := validation.Filename(req.Filename); err != nil {
		return &apperr.ValidationError{Field: "filename", Reason: err.Error()}
	}
	ext := strings.ToLower(filepath.Ext(req.Filename))
	allowed := false
	for _, a := range o.ingestion.AllowedExtensions {
		if strings.EqualFold(a, ext) {
			allowed = true
			break
		}
	}
	if !allowed {
		return &apperr.ValidationError{Field: "filename", Reason: fmt.Sprintf("extension %q not allowed", ext)}
	}
	if expediente, filename, ok := objectstore.ParseExpedienteKey(req.ObjectKey); ok {
		if expediente != req.ExpedienteNum || filename != req.Filename {
			return &apperr.ValidationError{Field: "object_key", Reason: "does not match expediente_num/filename"}
		}
	}
	return nil
}

// dedupeKey is the content-hash idempotency ledger key: distinct uploads
// under the same filename are never confused with a byte-for-byte
// resubmission of the same file.
func dedupeKey(expedienteNum, filename, contentHash string) string {
	return fmt.Sprintf("ingest:dedup:%s:%s:%s", expedienteNum, filename, contentHash)
}

const dedupeTTL = 24 * time.Hour

// resolveIdempotency implements the (expediente, filename) idempotency
// rule, sharpened by the content-hash ledger: an upload whose bytes exactly
// match a prior ingestion of the same (expediente, filename) is always
// skipped regardless of ReingestPolicy, since re-running it would produce an
// identical Document. Otherwise, when a Document already exists for the key,
// "skip" leaves it untouched; anything else (including "overwrite"/
// "new_version") proceeds under a collision-suffixed filename (the
// uploads/{expediente}/{filename}_N layout).
func (o *Orchestrator) resolveIdempotency(ctx context.Context, req IngestRequest, contentHash string) (filename string, skip bool, err error) {
	if o.dedupe != nil {
		key := dedupeKey(req.ExpedienteNum, req.Filename, contentHash)
		prev, err := o.dedupe.Get(ctx, key)
		if err != nil {
			return "", false, &apperr.TransientExternalError{Dependency: "dedupe_store", Err: err}
		}
		if prev != "" {
			return "", true, nil
		}
	}

	_, found, err := o.relational.FindDocument(ctx, req.ExpedienteNum, req.Filename)
	if err != nil {
		return "", false, err
	}
	if !found {
		return req.Filename, false, nil
	}
	if o.ingestion.ReingestPolicy == "skip" {
		return "", true, nil
	}
	return o.versionedFilename(ctx, req.ExpedienteNum, req.Filename)
}

// versionedFilename derives the next free filename for a (expediente,
// filename) pair that already has a Document on record, so the new ingest
// never collides with it under "overwrite"/"new_version" policies: the
// smallest _N suffix (N >= 1) with no Document yet, per the
// uploads/{expediente}/{filename}_N layout.
func (o *Orchestrator) versionedFilename(ctx context.Context, expedienteNum, filename string) (string, bool, error) {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s_%d%s", base, n, ext)
		_, found, err := o.relational.FindDocument(ctx, expedienteNum, candidate)
		if err != nil {
			return "", false, err
		}
		if !found {
			return candidate, false, nil
		}
	}
}

func (o *Orchestrator) download(ctx context.Context, objectKey string) ([]byte, error) {
	r, _, err := o.objects.Get(ctx, objectKey)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return nil, &apperr.NotFound{Kind: "object", ID: objectKey}
		}
		return nil, &apperr.TransientExternalError{Dependency: "object_store", Err: err}
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &apperr.TransientExternalError{Dependency: "object_store", Err: err}
	}
	return data, nil
}

func (o *Orchestrator) insertVectors(ctx context.Context, chunks []domain.Chunk) error {
	for _, c := range chunks {
		meta := map[string]string{
			"expediente_numero": c.ExpedienteNum,
			"document_id":       c.DocumentID,
			"filename":          c.Filename,
			"text":              c.Text,
			"chunk_index":       strconv.Itoa(c.Index),
			"page_start":        strconv.Itoa(c.PageStart),
			"page_end":          strconv.Itoa(c.PageEnd),
		}
		if err := o.vectors.Upsert(ctx, c.ID, c.Embedding, meta); err != nil {
			return &apperr.TransientExternalError{Dependency: "vector_store", Err: err}
		}
	}
	return nil
}

// reconcileOrphanChunks sweeps vector-store entries left behind by a
// rolled-back relational transaction. The invariant being restored:
// a chunk's vector entry is live if and only if its Document exists with
// state Procesado. Since the relational rollback means the Document never
// reached Procesado, every vector entry just written for it is an orphan.
func (o *Orchestrator) reconcileOrphanChunks(ctx context.Context, documentID string, chunks []domain.Chunk) {
	doc, found, err := o.relational.GetDocument(ctx, documentID)
	if err == nil && found && doc.Status == domain.DocumentProcessed {
		return
	}
	for _, c := range chunks {
		if err := o.vectors.Delete(ctx, c.ID); err != nil {
			observability.LoggerWithContext(ctx).Warn().Err(err).Str("chunk_id", c.ID).
				Msg("orchestrator: failed to sweep orphan vector entry")
		}
	}
}

// markDocumentErrored flips a Document to Error in its own transaction,
// used when the relational commit itself fails after a successful vector
// insert: the job is Fallido, but the Document record must not be
// left dangling in Pendiente.
func (o *Orchestrator) markDocumentErrored(ctx context.Context, documentID string, cause error) {
	tx, err := o.relational.BeginTx(ctx)
	if err != nil {
		return
	}
	if err := o.relational.UpdateDocumentStatus(ctx, tx, documentID, domain.DocumentError, cause.Error()); err != nil {
		_ = tx.Rollback(ctx)
		return
	}
	_ = tx.Commit(ctx)
}

func sourceKindFor(filename string) domain.SourceKind {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return domain.SourcePDF
	case ".doc":
		return domain.SourceDOC
	case ".docx":
		return domain.SourceDOCX
	case ".rtf":
		return domain.SourceRTF
	case ".txt":
		return domain.SourceTXT
	case ".html", ".htm", ".xhtml":
		return domain.SourceHTML
	default:
		return domain.SourceAudio
	}
}
