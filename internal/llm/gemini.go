package llm

import (
	"context"
	"fmt"
	"strings"

	genai "google.golang.org/genai"

	"expedienterag/internal/observability"
)

// GeminiProvider implements Provider against Google's Gemini API.
type GeminiProvider struct {
	sdk   *genai.Client
	model string
}

// NewGeminiProvider builds a Provider backed by the genai SDK.
func NewGeminiProvider(ctx context.Context, apiKey, baseURL, model string) (*GeminiProvider, error) {
	httpOpts := genai.HTTPOptions{}
	if base := strings.TrimSpace(baseURL); base != "" {
		httpOpts.BaseURL = strings.TrimSuffix(base, "/") + "/"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      strings.TrimSpace(apiKey),
		HTTPClient:  observability.NewHTTPClient(nil),
		HTTPOptions: httpOpts,
	})
	if err != nil {
		return nil, fmt.Errorf("init gemini client: %w", err)
	}
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return &GeminiProvider{sdk: client, model: model}, nil
}

func (p *GeminiProvider) pickModel(model string) string {
	if model != "" {
		return model
	}
	return p.model
}

func (p *GeminiProvider) adaptMessages(msgs []Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := genai.Role(genai.RoleUser)
		text := m.Content
		switch strings.ToLower(m.Role) {
		case "assistant":
			role = genai.RoleModel
		case "system":
			text = "[system] " + text
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		contents = append(contents, genai.NewContentFromText(text, role))
	}
	return contents
}

func (p *GeminiProvider) Chat(ctx context.Context, msgs []Message, model string) (Message, error) {
	log := observability.LoggerWithContext(ctx)
	effectiveModel := p.pickModel(model)
	contents := p.adaptMessages(msgs)
	resp, err := p.sdk.Models.GenerateContent(ctx, effectiveModel, contents, nil)
	if err != nil {
		log.Error().Err(err).Str("model", effectiveModel).Msg("gemini_chat_error")
		return Message{}, err
	}
	return Message{Role: "assistant", Content: responseText(resp)}, nil
}

func (p *GeminiProvider) ChatStream(ctx context.Context, msgs []Message, model string, h StreamHandler) error {
	log := observability.LoggerWithContext(ctx)
	effectiveModel := p.pickModel(model)
	contents := p.adaptMessages(msgs)
	stream := p.sdk.Models.GenerateContentStream(ctx, effectiveModel, contents, nil)
	for resp, err := range stream {
		if err != nil {
			log.Error().Err(err).Str("model", effectiveModel).Msg("gemini_chat_stream_error")
			return err
		}
		if text := responseText(resp); text != "" {
			h.OnDelta(text)
		}
	}
	return nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && part.Text != "" {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

var _ Provider = (*GeminiProvider)(nil)
