package llm

import (
	"context"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"expedienterag/internal/observability"
)

const anthropicDefaultMaxTokens int64 = 1024

// AnthropicProvider implements Provider against the Anthropic Messages API.
type AnthropicProvider struct {
	sdk       anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicProvider builds a Provider backed by the Anthropic SDK.
func NewAnthropicProvider(apiKey, baseURL, model string) *AnthropicProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(apiKey)),
		option.WithHTTPClient(observability.NewHTTPClient(nil)),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(baseURL, "/")))
	}
	if model == "" {
		model = string(anthropic.ModelClaude3_7SonnetLatest)
	}
	return &AnthropicProvider{sdk: anthropic.NewClient(opts...), model: model, maxTokens: anthropicDefaultMaxTokens}
}

func (p *AnthropicProvider) pickModel(model string) string {
	if model != "" {
		return model
	}
	return p.model
}

func (p *AnthropicProvider) adaptMessages(msgs []Message) (string, []anthropic.MessageParam) {
	var sys strings.Builder
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch strings.ToLower(m.Role) {
		case "system":
			if sys.Len() > 0 {
				sys.WriteString("\n")
			}
			sys.WriteString(m.Content)
		case "assistant":
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return sys.String(), out
}

func (p *AnthropicProvider) Chat(ctx context.Context, msgs []Message, model string) (Message, error) {
	log := observability.LoggerWithContext(ctx)
	sys, converted := p.adaptMessages(msgs)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.pickModel(model)),
		Messages:  converted,
		MaxTokens: p.maxTokens,
	}
	if sys != "" {
		params.System = []anthropic.TextBlockParam{{Text: sys}}
	}
	resp, err := p.sdk.Messages.New(ctx, params)
	if err != nil {
		log.Error().Err(err).Str("model", string(params.Model)).Msg("anthropic_chat_error")
		return Message{}, err
	}
	var content strings.Builder
	for _, block := range resp.Content {
		if text := block.Text; text != "" {
			content.WriteString(text)
		}
	}
	return Message{Role: "assistant", Content: content.String()}, nil
}

func (p *AnthropicProvider) ChatStream(ctx context.Context, msgs []Message, model string, h StreamHandler) error {
	log := observability.LoggerWithContext(ctx)
	sys, converted := p.adaptMessages(msgs)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.pickModel(model)),
		Messages:  converted,
		MaxTokens: p.maxTokens,
	}
	if sys != "" {
		params.System = []anthropic.TextBlockParam{{Text: sys}}
	}
	stream := p.sdk.Messages.NewStreaming(ctx, params)
	for stream.Next() {
		event := stream.Current()
		if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if text := delta.Delta.Text; text != "" {
				h.OnDelta(text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		log.Error().Err(err).Str("model", string(params.Model)).Msg("anthropic_chat_stream_error")
		return err
	}
	return nil
}

var _ Provider = (*AnthropicProvider)(nil)
