// Package embed provides text embedding clients used to vectorize chunks
// before they are written to the VectorStore.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"expedienterag/internal/config"
	"expedienterag/internal/observability"
)

// Embedder turns text into fixed-dimension vectors.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	Name() string
}

// HTTPEmbedder calls an OpenAI-compatible /v1/embeddings endpoint. Requests
// are sent one item at a time: some self-hosted backends (llama.cpp servers)
// crash on batched embedding requests, so single-item calls are the safe
// default, rate-limited to avoid hammering the backend.
type HTTPEmbedder struct {
	cfg        config.EmbeddingConfig
	httpClient *http.Client
	dim        int

	mu        sync.Mutex
	lastCall  time.Time
	minDelay  time.Duration
}

// NewHTTPEmbedder builds an Embedder backed by an HTTP embeddings endpoint.
func NewHTTPEmbedder(cfg config.EmbeddingConfig, dim int) *HTTPEmbedder {
	return &HTTPEmbedder{
		cfg:        cfg,
		httpClient: observability.NewHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		dim:        dim,
		minDelay:   50 * time.Millisecond,
	}
}

func (e *HTTPEmbedder) Name() string    { return "http:" + e.cfg.Model }
func (e *HTTPEmbedder) Dimension() int  { return e.dim }

func (e *HTTPEmbedder) rateLimit() {
	e.mu.Lock()
	defer e.mu.Unlock()
	wait := e.minDelay - time.Since(e.lastCall)
	if wait > 0 {
		time.Sleep(wait)
	}
	e.lastCall = time.Now()
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (e *HTTPEmbedder) embedOne(ctx context.Context, text string) ([]float32, error) {
	e.rateLimit()

	body, err := json.Marshal(embeddingRequest{Model: e.cfg.Model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("embed: marshal request: %w", err)
	}
	url := strings.TrimSuffix(e.cfg.BaseURL, "/") + e.cfg.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embed: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set(e.cfg.APIHeader, "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embed: status %d: %s", resp.StatusCode, string(b))
	}
	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("embed: decode response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("embed: empty response")
	}
	return parsed.Data[0].Embedding, nil
}

// EmbedBatch embeds each text sequentially, rate-limited between calls.
func (e *HTTPEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.embedOne(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("embed: item %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

var _ Embedder = (*HTTPEmbedder)(nil)

// DeterministicEmbedder hashes 3-grams of the input into a fixed-size vector.
// It needs no network access and is used in tests and local development.
type DeterministicEmbedder struct {
	dim       int
	normalize bool
	seed      uint64
}

// NewDeterministicEmbedder builds a hash-based Embedder.
func NewDeterministicEmbedder(dim int, normalize bool, seed uint64) *DeterministicEmbedder {
	return &DeterministicEmbedder{dim: dim, normalize: normalize, seed: seed}
}

func (e *DeterministicEmbedder) Name() string   { return "deterministic" }
func (e *DeterministicEmbedder) Dimension() int { return e.dim }

func (e *DeterministicEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.embedOne(t)
	}
	return out, nil
}

func (e *DeterministicEmbedder) embedOne(text string) []float32 {
	v := make([]float32, e.dim)
	grams := threeGrams(text)
	if len(grams) == 0 {
		grams = []string{text}
	}
	for _, g := range grams {
		e.add(v, g)
	}
	if e.normalize {
		normalizeL2(v)
	}
	return v
}

func (e *DeterministicEmbedder) add(v []float32, gram string) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(gram))
	if e.seed != 0 {
		var seedBytes [8]byte
		for i := range seedBytes {
			seedBytes[i] = byte(e.seed >> (8 * i))
		}
		_, _ = h.Write(seedBytes[:])
	}
	sum := h.Sum64()
	idx := int(sum % uint64(len(v)))
	sign := float32(1)
	if sum&1 == 1 {
		sign = -1
	}
	v[idx] += sign
}

func threeGrams(s string) []string {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) < 3 {
		return nil
	}
	var out []string
	for i := 0; i+3 <= len(s); i++ {
		out = append(out, s[i:i+3])
	}
	return out
}

func normalizeL2(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
}

var _ Embedder = (*DeterministicEmbedder)(nil)
