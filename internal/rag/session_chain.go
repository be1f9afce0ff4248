package rag

import (
	"context"
	"strings"

	"expedienterag/internal/domain"
	"expedienterag/internal/persistence"
	"expedienterag/internal/rewrite"
	"expedienterag/internal/session"
)

// SessionChain is the session-bound chain: a Chain whose per-call history
// comes from the SessionStore's bounded view and whose completed turns are
// written back to it. The assistant message is appended only after the
// stream terminates, so a crash mid-stream never records a half answer.
type SessionChain struct {
	chain    *Chain
	sessions *session.Store
}

// NewSessionChain binds chain to sessions.
func NewSessionChain(chain *Chain, sessions *session.Store) *SessionChain {
	return &SessionChain{chain: chain, sessions: sessions}
}

// teeHandler forwards every frame to the client handler while accumulating
// the chunk text, so the assistant message persisted after the done frame is
// exactly what the client saw.
type teeHandler struct {
	next FrameHandler
	buf  strings.Builder
}

func (t *teeHandler) OnFrame(f Frame) {
	if f.Type == "chunk" {
		t.buf.WriteString(f.Content)
	}
	t.next.OnFrame(f)
}

// Ask answers one question inside a session: ensure the session exists (hot
// cache only, until its first turn), load the bounded history, stream the
// answer through chain.Answer, and append the (user, assistant) turn once
// the stream has emitted its done frame. A streaming failure leaves the
// transcript untouched; the client saw the error frame instead.
func (sc *SessionChain) Ask(ctx context.Context, userID int64, sessionID string, mode domain.RetrievalMode, expedienteNum, question string, handler FrameHandler) error {
	sess, err := sc.sessions.EnsureSession(ctx, userID, sessionID, mode, expedienteNum)
	if err != nil {
		emitError(handler, err)
		return err
	}
	// A session already scoped to an expediente keeps answering about it
	// when the request doesn't name one.
	if expedienteNum == "" && sess.ExpedienteNumero != "" && mode == domain.ModeExpediente {
		expedienteNum = sess.ExpedienteNumero
	}

	msgs, err := sc.sessions.BoundedHistory(ctx, userID, sessionID)
	if err != nil {
		emitError(handler, err)
		return err
	}

	tee := &teeHandler{next: handler}
	if err := sc.chain.Answer(ctx, mode, expedienteNum, question, sessionID, toTurns(msgs), tee); err != nil {
		return err
	}
	return sc.sessions.AppendTurn(ctx, userID, sessionID, question, tee.buf.String(), sc.chain.model)
}

func toTurns(msgs []persistence.ChatMessage) []rewrite.Turn {
	turns := make([]rewrite.Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, rewrite.Turn{Role: m.Role, Content: m.Content})
	}
	return turns
}
