// Package session implements SessionStore: a dual-layer conversation
// store combining an in-process hot cache with a persistent backend
// (internal/persistence.ChatStore) behind one read-through/write-through
// wrapper.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"expedienterag/internal/apperr"
	"expedienterag/internal/domain"
	"expedienterag/internal/observability"
	"expedienterag/internal/persistence"
)

// defaultTitle is what EnsureSession names a brand new conversation; once a
// session's title is still this value, the first user turn overwrites it
// (title auto-generation).
const defaultTitle = "Nueva conversación"

const defaultHistoryLimit = 20

// hotEntry is one cached session: its metadata plus a per-session mutex so
// concurrent turns on the same session serialize, while turns on different
// sessions never contend.
type hotEntry struct {
	mu   sync.Mutex
	sess persistence.ChatSession
}

// Store is the SessionStore. It holds no conversation content beyond the hot
// cache; the backend is the durable source of truth.
type Store struct {
	backend      persistence.ChatStore
	historyLimit int

	mapMu sync.Mutex // guards hot only for insert/remove
	hot   map[string]*hotEntry
}

// New builds a Store over backend. historyLimit <= 0 uses the default of 20.
func New(backend persistence.ChatStore, historyLimit int) *Store {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &Store{backend: backend, historyLimit: historyLimit, hot: make(map[string]*hotEntry)}
}

// NewSessionID mints a session_{user_id}_{epoch_ms} identifier, from
// which OwnerFromID can later recover the owning user without a store lookup.
func NewSessionID(userID int64, nowUnixMilli int64) string {
	return fmt.Sprintf("session_%d_%d", userID, nowUnixMilli)
}

// OwnerFromID recovers the user id embedded in a session_{user_id}_{epoch_ms}
// session ID. ok is false if id doesn't match that shape.
func OwnerFromID(id string) (userID int64, ok bool) {
	if !strings.HasPrefix(id, "session_") {
		return 0, false
	}
	rest := strings.TrimPrefix(id, "session_")
	parts := strings.SplitN(rest, "_", 2)
	if len(parts) != 2 {
		return 0, false
	}
	uid, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, false
	}
	return uid, true
}

func (s *Store) entry(id string) *hotEntry {
	s.mapMu.Lock()
	e, ok := s.hot[id]
	if !ok {
		e = &hotEntry{}
		s.hot[id] = e
	}
	s.mapMu.Unlock()
	return e
}

func (s *Store) forget(id string) {
	s.mapMu.Lock()
	delete(s.hot, id)
	s.mapMu.Unlock()
}

// EnsureSession loads id from the hot cache, falling through to the backend
// (read-through). A session missing from both layers is created in the hot
// cache only: the durable record is written by the first AppendTurn, so a
// conversation that never receives a message never reaches the backend.
func (s *Store) EnsureSession(ctx context.Context, userID int64, id string, mode domain.RetrievalMode, expedienteNum string) (persistence.ChatSession, error) {
	ctx = observability.WithSessionID(ctx, id)
	e := s.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sess.ID != "" {
		return e.sess, nil
	}

	sess, err := s.backend.GetSession(ctx, &userID, id)
	switch {
	case err == nil:
	case errors.Is(err, persistence.ErrNotFound):
		now := time.Now().UTC()
		uid := userID
		sess = persistence.ChatSession{
			ID: id, UserID: &uid, Name: defaultTitle,
			CreatedAt: now, UpdatedAt: now,
		}
	default:
		return persistence.ChatSession{}, err
	}
	if sess.Mode == "" {
		sess.Mode = string(mode)
		sess.ExpedienteNumero = expedienteNum
	}
	e.sess = sess
	return sess, nil
}

// BoundedHistory returns the last s.historyLimit messages for the session
// (the bounded context view fed to the LLM prompt), distinct from
// whatever longer history the backend retains in full. A session that has
// never been persisted has an empty history, not an error.
func (s *Store) BoundedHistory(ctx context.Context, userID int64, sessionID string) ([]persistence.ChatMessage, error) {
	msgs, err := s.backend.ListMessages(ctx, &userID, sessionID, s.historyLimit)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, nil
	}
	return msgs, err
}

// AppendTurn records a user message and its assistant reply, write-through to
// the backend, and auto-generates the session title from the first user
// message when the title is still the default placeholder. The first turn is
// also what creates the durable session record: EnsureSession only caches.
func (s *Store) AppendTurn(ctx context.Context, userID int64, sessionID, userText, assistantText, model string) error {
	ctx = observability.WithSessionID(ctx, sessionID)
	e := s.entry(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()

	name := e.sess.Name
	if name == "" {
		name = defaultTitle
	}
	sess, err := s.backend.EnsureSession(ctx, &userID, sessionID, name)
	if err != nil {
		return err
	}
	if e.sess.ID == "" {
		e.sess = sess
	}

	now := time.Now().UTC()
	msgs := []persistence.ChatMessage{
		{SessionID: sessionID, Role: string(domain.RoleUser), Content: userText, CreatedAt: now},
		{SessionID: sessionID, Role: string(domain.RoleAssistant), Content: assistantText, CreatedAt: now},
	}
	preview := assistantText
	if len(preview) > 200 {
		preview = preview[:200]
	}
	if err := s.backend.AppendMessages(ctx, &userID, sessionID, msgs, preview, model); err != nil {
		return err
	}

	if e.sess.Name == defaultTitle || e.sess.Name == "" {
		title := autoTitle(userText)
		renamed, err := s.backend.RenameSession(ctx, &userID, sessionID, title)
		if err != nil {
			observability.LoggerWithContext(ctx).Warn().Err(err).Msg("session: auto-title rename failed")
		} else {
			e.sess = renamed
		}
	}
	return nil
}

// autoTitle builds the auto-generated title: the first 60 characters
// of the opening user message plus an ellipsis.
func autoTitle(firstUserMessage string) string {
	runes := []rune(strings.TrimSpace(firstUserMessage))
	if len(runes) <= 60 {
		return string(runes) + "..."
	}
	return string(runes[:60]) + "..."
}

// ListSessions returns every session owned by userID, newest first (backend
// contract).
func (s *Store) ListSessions(ctx context.Context, userID int64) ([]persistence.ChatSession, error) {
	return s.backend.ListSessions(ctx, &userID)
}

// DeleteSession removes a session, enforcing that userID owns it, and
// evicts the hot entry.
func (s *Store) DeleteSession(ctx context.Context, userID int64, sessionID string) error {
	sess, err := s.backend.GetSession(ctx, &userID, sessionID)
	if err != nil {
		return err
	}
	if sess.UserID == nil || *sess.UserID != userID {
		return &apperr.Forbidden{Kind: "session", ID: sessionID}
	}
	if err := s.backend.DeleteSession(ctx, &userID, sessionID); err != nil {
		return err
	}
	s.forget(sessionID)
	return nil
}
