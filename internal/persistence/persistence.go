// Package persistence defines the conversation storage contract shared by the
// in-memory and Postgres-backed SessionStore adapters.
package persistence

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by ChatStore implementations.
var (
	ErrNotFound  = errors.New("persistence: not found")
	ErrForbidden = errors.New("persistence: forbidden")
)

// ChatSession is a conversation thread, optionally scoped to a single
// expediente. A Mode of "" is treated as general-corpus mode.
type ChatSession struct {
	ID                  string
	UserID              *int64
	Name                string
	Mode                string
	ExpedienteNumero    string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	LastMessagePreview  string
	Model               string
	Summary             string
	SummarizedCount     int
}

// ChatMessage is one turn of a ChatSession's transcript.
type ChatMessage struct {
	ID        string
	SessionID string
	Role      string
	Content   string
	CreatedAt time.Time
}

// ChatStore persists conversation sessions and their messages. Every method
// accepts an optional userID: nil means an admin/system caller that bypasses
// ownership checks, non-nil enforces that the caller owns the session.
type ChatStore interface {
	Init(ctx context.Context) error

	EnsureSession(ctx context.Context, userID *int64, id, name string) (ChatSession, error)
	CreateSession(ctx context.Context, userID *int64, name string) (ChatSession, error)
	GetSession(ctx context.Context, userID *int64, id string) (ChatSession, error)
	ListSessions(ctx context.Context, userID *int64) ([]ChatSession, error)
	RenameSession(ctx context.Context, userID *int64, id, name string) (ChatSession, error)
	DeleteSession(ctx context.Context, userID *int64, id string) error

	ListMessages(ctx context.Context, userID *int64, sessionID string, limit int) ([]ChatMessage, error)
	AppendMessages(ctx context.Context, userID *int64, sessionID string, messages []ChatMessage, preview string, model string) error
	UpdateSummary(ctx context.Context, userID *int64, sessionID string, summary string, summarizedCount int) error
}
