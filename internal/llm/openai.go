package llm

import (
	"context"
	"strings"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"expedienterag/internal/observability"
)

// OpenAIProvider implements Provider against the OpenAI (or OpenAI-compatible)
// Chat Completions API.
type OpenAIProvider struct {
	sdk   sdk.Client
	model string
}

// NewOpenAIProvider builds a Provider backed by the OpenAI SDK. baseURL may be
// empty to use OpenAI's default endpoint, or point at a compatible server.
func NewOpenAIProvider(apiKey, baseURL, model string) *OpenAIProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(observability.NewHTTPClient(nil)),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIProvider{sdk: sdk.NewClient(opts...), model: model}
}

func (p *OpenAIProvider) adaptMessages(msgs []Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch strings.ToLower(m.Role) {
		case "system":
			out = append(out, sdk.SystemMessage(m.Content))
		case "assistant":
			out = append(out, sdk.AssistantMessage(m.Content))
		default:
			out = append(out, sdk.UserMessage(m.Content))
		}
	}
	return out
}

func (p *OpenAIProvider) Chat(ctx context.Context, msgs []Message, model string) (Message, error) {
	log := observability.LoggerWithContext(ctx)
	if model == "" {
		model = p.model
	}
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(model),
		Messages: p.adaptMessages(msgs),
	}
	comp, err := p.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		log.Error().Err(err).Str("model", model).Msg("openai_chat_error")
		return Message{}, err
	}
	if len(comp.Choices) == 0 {
		return Message{}, nil
	}
	return Message{Role: "assistant", Content: comp.Choices[0].Message.Content}, nil
}

func (p *OpenAIProvider) ChatStream(ctx context.Context, msgs []Message, model string, h StreamHandler) error {
	log := observability.LoggerWithContext(ctx)
	if model == "" {
		model = p.model
	}
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(model),
		Messages: p.adaptMessages(msgs),
	}
	stream := p.sdk.Chat.Completions.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			h.OnDelta(delta)
		}
	}
	if err := stream.Err(); err != nil {
		log.Error().Err(err).Str("model", model).Msg("openai_chat_stream_error")
		return err
	}
	return nil
}

var _ Provider = (*OpenAIProvider)(nil)
