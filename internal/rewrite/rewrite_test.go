package rewrite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expedienterag/internal/llm"
)

type stubProvider struct {
	reply string
	err   error
}

func (p *stubProvider) Chat(ctx context.Context, msgs []llm.Message, model string) (llm.Message, error) {
	return llm.Message{Role: "assistant", Content: p.reply}, p.err
}

func (p *stubProvider) ChatStream(ctx context.Context, msgs []llm.Message, model string, h llm.StreamHandler) error {
	return nil
}

func TestRewrite_NilProvider_ReturnsOriginalQuestion(t *testing.T) {
	r := New(nil, "")
	got := r.Rewrite(context.Background(), "pregunta original", nil)
	assert.Equal(t, "pregunta original", got)
}

func TestRewrite_ProviderError_FallsBackToOriginalQuestion(t *testing.T) {
	r := New(&stubProvider{err: assert.AnError}, "model")
	got := r.Rewrite(context.Background(), "pregunta original", nil)
	assert.Equal(t, "pregunta original", got)
}

func TestRewrite_EmptyReply_FallsBackToOriginalQuestion(t *testing.T) {
	r := New(&stubProvider{reply: "   "}, "model")
	got := r.Rewrite(context.Background(), "pregunta original", nil)
	assert.Equal(t, "pregunta original", got)
}

func TestRewrite_UsesProviderReplyWhenNonEmpty(t *testing.T) {
	r := New(&stubProvider{reply: "pregunta reformulada"}, "model")
	got := r.Rewrite(context.Background(), "pregunta original", nil)
	assert.Equal(t, "pregunta reformulada", got)
}

func TestRewrite_WithTokenCache_DoesNotChangeOutcome(t *testing.T) {
	cache := llm.NewTokenCache(llm.TokenCacheConfig{MaxSize: 10, TTL: 0})
	r := New(&stubProvider{reply: "reformulada"}, "model").WithTokenCache(cache)
	got := r.Rewrite(context.Background(), "pregunta", []Turn{{Role: "user", Content: "turno anterior"}})
	assert.Equal(t, "reformulada", got)

	hits, misses := cache.Stats()
	require.GreaterOrEqual(t, hits+misses, int64(2))
}
