package rag

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expedienterag/internal/domain"
	"expedienterag/internal/embed"
	"expedienterag/internal/persistence/databases"
	"expedienterag/internal/session"
	"expedienterag/internal/vectorstore"
)

func newTestSessionChain(provider *fakeProvider) (*SessionChain, *session.Store) {
	embedder := embed.NewDeterministicEmbedder(8, true, 1)
	vectors := vectorstore.NewMemoryVectorStore(8)
	chain := newTestChain(provider, vectors, embedder)
	sessions := session.New(databases.NewMemoryChatStore(), 0)
	return NewSessionChain(chain, sessions), sessions
}

func TestSessionChain_Ask_AppendsTurnAfterDoneFrame(t *testing.T) {
	sc, sessions := newTestSessionChain(&fakeProvider{reply: "respuesta citada"})
	ctx := context.Background()

	handler := &recordingHandler{}
	err := sc.Ask(ctx, 1, "session_1_123", domain.ModeGeneral, "", "¿primera pregunta?", handler)
	require.NoError(t, err)

	// The stream finished with a done frame before anything was persisted.
	last := handler.frames[len(handler.frames)-1]
	assert.Equal(t, "done", last.Type)

	history, err := sessions.BoundedHistory(ctx, 1, "session_1_123")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "¿primera pregunta?", history[0].Content)
	assert.Equal(t, "assistant", history[1].Role)
	assert.Equal(t, "respuesta citada", history[1].Content)
}

func TestSessionChain_Ask_SecondTurnSeesHistory(t *testing.T) {
	sc, sessions := newTestSessionChain(&fakeProvider{reply: "ok"})
	ctx := context.Background()

	require.NoError(t, sc.Ask(ctx, 1, "session_1_123", domain.ModeGeneral, "", "uno", &recordingHandler{}))
	require.NoError(t, sc.Ask(ctx, 1, "session_1_123", domain.ModeGeneral, "", "dos", &recordingHandler{}))

	history, err := sessions.BoundedHistory(ctx, 1, "session_1_123")
	require.NoError(t, err)
	assert.Len(t, history, 4)
}

func TestSessionChain_Ask_StreamErrorLeavesTranscriptUntouched(t *testing.T) {
	sc, sessions := newTestSessionChain(&fakeProvider{failErr: assert.AnError})
	ctx := context.Background()

	handler := &recordingHandler{}
	err := sc.Ask(ctx, 1, "session_1_123", domain.ModeGeneral, "", "pregunta", handler)
	require.Error(t, err)

	history, herr := sessions.BoundedHistory(ctx, 1, "session_1_123")
	require.NoError(t, herr)
	assert.Empty(t, history)

	// The failed conversation was never persisted at all.
	list, lerr := sessions.ListSessions(ctx, 1)
	require.NoError(t, lerr)
	assert.Empty(t, list)
}

func TestSessionChain_Ask_EmptyStreamPersistsFallbackMessage(t *testing.T) {
	sc, sessions := newTestSessionChain(&fakeProvider{reply: ""})
	ctx := context.Background()

	require.NoError(t, sc.Ask(ctx, 1, "session_1_123", domain.ModeGeneral, "", "pregunta", &recordingHandler{}))

	history, err := sessions.BoundedHistory(ctx, 1, "session_1_123")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, fallbackMessage, history[1].Content)
}
