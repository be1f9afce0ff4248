// Package rewrite implements QueryRewriter: best-effort reformulation
// of a user question against conversation history, so the Retriever searches
// with a self-contained query instead of one relying on anaphora ("y en ese
// caso, cuándo fue la audiencia?"). Never fails the pipeline.
package rewrite

import (
	"context"
	"strings"

	"expedienterag/internal/llm"
	"expedienterag/internal/observability"
)

const systemPrompt = `Eres un asistente que reformula preguntas de usuarios para un sistema de búsqueda legal.
Dada la pregunta actual y el historial de la conversación, reescribe la pregunta para que sea autosuficiente:
resuelve referencias anafóricas ("ese caso", "dicho expediente") usando el historial, y expande sinónimos o
jurisdicción cuando ayude a la búsqueda. Nunca inventes un número de expediente que no aparezca en el historial.
Responde únicamente con la pregunta reformulada, sin explicaciones.`

// Turn is one prior conversational exchange fed into the rewrite prompt.
type Turn struct {
	Role    string
	Content string
}

// Rewriter reformulates user questions for vector search.
type Rewriter struct {
	provider llm.Provider
	model    string
	tokens   *llm.TokenCache
}

// New builds a Rewriter over an LLM provider.
func New(provider llm.Provider, model string) *Rewriter {
	return &Rewriter{provider: provider, model: model}
}

// WithTokenCache attaches a shared llm.TokenCache so repeated history turns
// across a session's successive rewrite calls don't re-estimate the same
// text length on every turn. Returns r so it composes at the call site.
func (r *Rewriter) WithTokenCache(cache *llm.TokenCache) *Rewriter {
	r.tokens = cache
	return r
}

// Rewrite returns a self-contained version of question given history. On any
// LLM failure, or an empty response, it returns the original question
// unchanged rather than propagating the error: this step is best-effort and
// must never fail the retrieval pipeline.
func (r *Rewriter) Rewrite(ctx context.Context, question string, history []Turn) string {
	if r.provider == nil {
		return question
	}

	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.Message{Role: "system", Content: systemPrompt})
	estimated := llm.CachedEstimateTokens(r.tokens, systemPrompt)
	for _, t := range history {
		msgs = append(msgs, llm.Message{Role: t.Role, Content: t.Content})
		estimated += llm.CachedEstimateTokens(r.tokens, t.Content)
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: question})
	estimated += llm.CachedEstimateTokens(r.tokens, question)
	observability.LoggerWithContext(ctx).Debug().Int("estimated_tokens", estimated).Msg("rewrite: prompt size estimate")

	reply, err := r.provider.Chat(ctx, msgs, r.model)
	if err != nil {
		observability.LoggerWithContext(ctx).Warn().Err(err).
			Msg("rewrite: llm call failed, falling back to original question")
		return question
	}
	rewritten := strings.TrimSpace(reply.Content)
	if rewritten == "" {
		return question
	}
	return rewritten
}
