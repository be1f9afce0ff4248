// Package rag implements RAGChain: composes QueryRewriter, Retriever,
// and MetadataFormatter into one prompt, streams the LLM's reply through a
// thinking-tag filter, and emits chunk/done/error SSE frames.
package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"expedienterag/internal/apperr"
	"expedienterag/internal/audit"
	"expedienterag/internal/domain"
	"expedienterag/internal/format"
	"expedienterag/internal/llm"
	"expedienterag/internal/metrics"
	"expedienterag/internal/observability"
	"expedienterag/internal/retrieve"
	"expedienterag/internal/rewrite"
	"expedienterag/internal/session"
)

// Frame is one SSE event sent to the client: answer text for type "chunk",
// the failure message for type "error", empty for "done". An error frame is
// always followed by a done frame, so a client may treat "done" as the sole
// end-of-turn signal.
type Frame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Done    bool   `json:"done"`
}

// EncodeSSE renders one frame as an SSE data line. Non-ASCII text is
// preserved as-is rather than \u-escaped, so Spanish answers stay readable
// in transit.
func EncodeSSE(f Frame) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("data: ")
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(f); err != nil {
		return nil, err
	}
	// json.Encoder already appended one newline; SSE frames end with two.
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// FrameHandler receives the frames of one streamed answer, in order.
type FrameHandler interface {
	OnFrame(Frame)
}

// promptVersion tags the system prompt templates below; bump it whenever
// their wording changes so logged prompts can be correlated to behavior.
const promptVersion = "v1"

const generalSystemPrompt = `Eres un asistente legal que responde preguntas en español usando exclusivamente el contexto de
expedientes recuperado a continuación. Cita el expediente y el archivo de origen para cada afirmación. Si el contexto
no contiene la respuesta, dilo explícitamente y sugiere cómo refinar la consulta: no inventes información. Si el
usuario aporta un documento plantilla, sigue su estructura y complétala con el contexto recuperado. Termina cada
respuesta con una sección **FUENTES:** con una línea "- Expediente NUM: (ruta/relativa)" por cada documento citado.

Contexto recuperado:
%s`

const expedienteSystemPrompt = `Eres un asistente legal especializado en el expediente %s. Responde en español y exclusivamente
con información de ese expediente; el contexto recuperado a continuación pertenece únicamente a él. Nunca mezcles ni
menciones contenido de otros expedientes, aunque lo conozcas de otra conversación. Cita el archivo de origen para
cada afirmación. Si el contexto no contiene la respuesta, dilo explícitamente y sugiere cómo refinar la consulta: no
inventes información. Termina cada respuesta con una sección **FUENTES:** con una línea
"- Expediente NUM: (ruta/relativa)" por cada documento citado.

Contexto recuperado:
%s`

// fallbackMessage is emitted as a single chunk frame when the model's
// stream produced zero non-empty tokens after thinking-tag filtering:
// the client must never see an answer turn with no content at all.
const fallbackMessage = "No se pudo generar una respuesta a partir del contexto disponible."

// Chain is the retrieval-augmented answer pipeline.
type Chain struct {
	provider  llm.Provider
	model     string
	rewriter  *rewrite.Rewriter
	retriever *retrieve.Retriever
	metrics   metrics.Sink
	audit     *audit.Logger
}

// New builds a Chain from its collaborators.
func New(provider llm.Provider, model string, rewriter *rewrite.Rewriter, retriever *retrieve.Retriever) *Chain {
	return &Chain{provider: provider, model: model, rewriter: rewriter, retriever: retriever}
}

// WithMetrics attaches a metrics.Sink recording the retrieval_stage_ms
// histogram and the rag_queries_total counter (by mode). Returns c so it
// composes at the call site after New.
func (c *Chain) WithMetrics(sink metrics.Sink) *Chain {
	c.metrics = sink
	return c
}

// WithAudit attaches an audit.Logger: every successfully completed Answer
// call logs one AuditConsultaRAG record (action type 12), stamping
// "tipo_consulta" ("general"/"expediente") and "expediente_numero" into
// InfoJSON so internal/auditstats can break RAG queries down by mode.
// Returns c so it composes at the call site after New.
func (c *Chain) WithAudit(logger *audit.Logger) *Chain {
	c.audit = logger
	return c
}

// streamAdapter bridges llm.StreamHandler (one delta at a time) to the
// thinking-tag filter and the caller's FrameHandler.
type streamAdapter struct {
	ctx        context.Context
	filter     ThinkingFilter
	handler    FrameHandler
	emittedAny bool
}

func (s *streamAdapter) OnDelta(content string) {
	visible := s.filter.Feed(content)
	if visible == "" {
		return
	}
	s.emittedAny = true
	s.handler.OnFrame(Frame{Type: "chunk", Content: visible})
}

// Answer runs the full chain for one question: rewrite -> retrieve ->
// format -> prompt -> streaming LLM call -> thinking-tag filter, emitting
// Frames to handler as they become available. mode/expedienteNum select
// between the general and expediente-specific system prompts; when
// mode is ModeExpediente, expedienteNum must be non-empty. sessionID is used
// only to infer the owning user for the audit trail (session.OwnerFromID);
// an empty or malformed sessionID just logs the record without a user.
func (c *Chain) Answer(ctx context.Context, mode domain.RetrievalMode, expedienteNum, question, sessionID string, history []rewrite.Turn, handler FrameHandler) error {
	if mode == domain.ModeExpediente && expedienteNum == "" {
		err := &apperr.ValidationError{Field: "expediente_num", Reason: "required in expediente mode"}
		emitError(handler, err)
		return err
	}

	if expedienteNum != "" {
		ctx = observability.WithExpediente(ctx, expedienteNum)
	}

	modeLabel := string(mode)
	retrieveStart := time.Now()

	rewritten := c.rewriter.Rewrite(ctx, question, history)

	items, err := c.retriever.Retrieve(ctx, rewritten, retrieve.Options{Mode: mode, ExpedienteNum: expedienteNum})
	if c.metrics != nil {
		c.metrics.ObserveHistogram("retrieval_stage_ms", float64(time.Since(retrieveStart).Milliseconds()), map[string]string{"mode": modeLabel})
	}
	if err != nil {
		observability.LoggerWithContext(ctx).Error().Err(err).Msg("rag: retrieval failed")
		emitError(handler, err)
		if c.metrics != nil {
			c.metrics.IncCounter("rag_queries_total", map[string]string{"mode": modeLabel, "outcome": "error"})
		}
		return err
	}

	system := c.systemPrompt(mode, expedienteNum, format.Format(items))
	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.Message{Role: "system", Content: system})
	for _, t := range history {
		msgs = append(msgs, llm.Message{Role: t.Role, Content: t.Content})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: rewritten})

	adapter := &streamAdapter{ctx: ctx, handler: handler}
	err = c.provider.ChatStream(ctx, msgs, c.model, adapter)
	trailing := adapter.filter.Flush()
	if trailing != "" {
		adapter.emittedAny = true
		handler.OnFrame(Frame{Type: "chunk", Content: trailing})
	}
	if err != nil {
		observability.LoggerWithContext(ctx).Error().Err(err).Msg("rag: llm stream failed")
		emitError(handler, err)
		if c.metrics != nil {
			c.metrics.IncCounter("rag_queries_total", map[string]string{"mode": modeLabel, "outcome": "error"})
		}
		return err
	}

	if !adapter.emittedAny {
		handler.OnFrame(Frame{Type: "chunk", Content: fallbackMessage})
	}
	handler.OnFrame(Frame{Type: "done", Done: true})
	if c.metrics != nil {
		c.metrics.IncCounter("rag_queries_total", map[string]string{"mode": modeLabel, "outcome": "ok"})
	}
	c.logQuery(ctx, mode, expedienteNum, question, sessionID)
	return nil
}

// logQuery appends the AuditConsultaRAG record for one completed turn.
// Best-effort like every other AuditLogger call site: a nil c.audit is a
// no-op, and audit.Logger.Log itself never propagates a backend failure.
func (c *Chain) logQuery(ctx context.Context, mode domain.RetrievalMode, expedienteNum, question, sessionID string) {
	if c.audit == nil {
		return
	}
	var userID *int64
	if uid, ok := session.OwnerFromID(sessionID); ok {
		userID = &uid
	}
	tipoConsulta := "general"
	if mode == domain.ModeExpediente {
		tipoConsulta = "expediente"
	}
	c.audit.Log(ctx, userID, domain.AuditConsultaRAG, question, expedienteNum, map[string]any{
		"tipo_consulta":     tipoConsulta,
		"expediente_numero": expedienteNum,
		"session_id":        sessionID,
	})
}

func (c *Chain) systemPrompt(mode domain.RetrievalMode, expedienteNum, context string) string {
	if context == "" {
		context = "(sin resultados)"
	}
	if mode == domain.ModeExpediente {
		return fmt.Sprintf(expedienteSystemPrompt, expedienteNum, context)
	}
	return fmt.Sprintf(generalSystemPrompt, context)
}

// emitError sends the error frame and the done frame that must follow it.
func emitError(handler FrameHandler, err error) {
	handler.OnFrame(Frame{Type: "error", Content: err.Error(), Done: true})
	handler.OnFrame(Frame{Type: "done", Done: true})
}
