// Package audit implements AuditLogger: an append-only trail of
// security-relevant actions. Writes must never block or fail the
// caller's pipeline, so every error is logged and swallowed here.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"expedienterag/internal/auditstats"
	"expedienterag/internal/domain"
	"expedienterag/internal/observability"
	"expedienterag/internal/relational"
)

// Logger records AuditRecords without ever propagating a backend failure to
// its caller.
type Logger struct {
	store relational.Store
	stats auditstats.Store
}

// New builds a Logger over store.
func New(store relational.Store) *Logger {
	return &Logger{store: store}
}

// WithStats attaches an auditstats.Store: every record Log builds is
// mirrored into it for the activity, RAG, and dashboard rollup reports,
// whether or not the relational append succeeded. Mirroring, like the relational append itself, never blocks or
// fails the caller; a nil store or a mirror error is logged and ignored.
func (l *Logger) WithStats(stats auditstats.Store) *Logger {
	l.stats = stats
	return l
}

// Log appends one audit record. info is marshaled to InfoJSON; a marshal
// failure degrades to an empty JSON object rather than aborting the log
// attempt. Any backend error is logged and discarded.
func (l *Logger) Log(ctx context.Context, userID *int64, actionType domain.AuditActionType, text, expedienteID string, info map[string]any) {
	infoJSON := "{}"
	if len(info) > 0 {
		if b, err := json.Marshal(info); err == nil {
			infoJSON = string(observability.RedactJSON(b))
		}
	}
	rec := domain.AuditRecord{
		ID:           uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		UserID:       userID,
		ActionType:   actionType,
		Text:         text,
		ExpedienteID: expedienteID,
		InfoJSON:     infoJSON,
	}
	if err := l.store.AppendAudit(ctx, rec); err != nil {
		observability.LoggerWithContext(ctx).Error().Err(err).
			Int("action_type_id", int(actionType)).
			Msg("audit: failed to append record, continuing")
	}
	if l.stats != nil {
		if err := l.stats.Record(ctx, rec); err != nil {
			observability.LoggerWithContext(ctx).Warn().Err(err).
				Int("action_type_id", int(actionType)).
				Msg("audit: failed to mirror record into auditstats, continuing")
		}
	}
}

// List returns the most recent audit records, most recent first.
func (l *Logger) List(ctx context.Context, limit int) ([]domain.AuditRecord, error) {
	return l.store.ListAudit(ctx, limit)
}
