package observability

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type ctxKey int

const (
	jobIDKey ctxKey = iota
	sessionIDKey
	expedienteKey
)

// WithJobID attaches an ingestion job id to ctx for later loggers to pick up.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithSessionID attaches a conversation session id to ctx.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// WithExpediente attaches the expediente number a request scopes to.
func WithExpediente(ctx context.Context, expedienteNum string) context.Context {
	return context.WithValue(ctx, expedienteKey, expedienteNum)
}

// LoggerWithContext returns a zerolog.Logger enriched with job_id/session_id/
// expediente_numero fields carried on ctx via WithJobID/WithSessionID/
// WithExpediente, so a handler deep in a call chain doesn't need those values
// threaded through every signature just to log them.
func LoggerWithContext(ctx context.Context) *zerolog.Logger {
	l := log.Logger
	if ctx == nil {
		return &l
	}
	if v, ok := ctx.Value(jobIDKey).(string); ok && v != "" {
		l = l.With().Str("job_id", v).Logger()
	}
	if v, ok := ctx.Value(sessionIDKey).(string); ok && v != "" {
		l = l.With().Str("session_id", v).Logger()
	}
	if v, ok := ctx.Value(expedienteKey).(string); ok && v != "" {
		l = l.With().Str("expediente_numero", v).Logger()
	}
	return &l
}
