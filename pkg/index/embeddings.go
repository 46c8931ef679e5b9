package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/mcpgate/mcpgate/pkg/logger"
)

// DefaultDimension matches the all-MiniLM-L6-v2 family of sentence
// embedding models.
const DefaultDimension = 384

// Embedder turns corpus text into a unit-normalized embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// EmbedderConfig selects and configures an embedding backend.
type EmbedderConfig struct {
	// Backend is one of "ollama", "openai", "local". Empty selects "local".
	Backend string

	// BaseURL is the embedding service endpoint (ollama and openai).
	BaseURL string

	// Model names the embedding model (ollama and openai).
	Model string

	// Dimension overrides the embedding dimension (default 384).
	Dimension int
}

// NewEmbedder builds the configured backend. Remote backends fall back to
// the deterministic local backend when they cannot be reached, so the index
// keeps working degraded rather than not at all.
func NewEmbedder(cfg EmbedderConfig) (Embedder, error) {
	if cfg.Dimension <= 0 {
		cfg.Dimension = DefaultDimension
	}

	switch cfg.Backend {
	case "", "local":
		return &localEmbedder{dimension: cfg.Dimension}, nil
	case "ollama":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		model := cfg.Model
		if model == "" {
			model = "nomic-embed-text"
		}
		return &ollamaEmbedder{baseURL: baseURL, model: model, dimension: cfg.Dimension, client: &http.Client{Timeout: 30 * time.Second}}, nil
	case "openai":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("base URL is required for the openai embedding backend")
		}
		if cfg.Model == "" {
			return nil, fmt.Errorf("model is required for the openai embedding backend")
		}
		return &openAIEmbedder{baseURL: cfg.BaseURL, model: cfg.Model, dimension: cfg.Dimension, client: &http.Client{Timeout: 30 * time.Second}}, nil
	default:
		return nil, fmt.Errorf("unknown embedding backend %q (supported: ollama, openai, local)", cfg.Backend)
	}
}

// localEmbedder produces deterministic hash-derived vectors. It carries no
// semantic signal but keeps the full index/query path exercisable with zero
// external services.
type localEmbedder struct {
	dimension int
}

func (l *localEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	embedding := make([]float32, l.dimension)

	hash := 0
	for _, c := range text {
		hash = (hash*31 + int(c)) % 1000000
	}
	for i := range embedding {
		hash = (hash*1103515245 + 12345) % 1000000
		embedding[i] = float32(hash)/1000000.0 - 0.5
	}
	return normalize(embedding), nil
}

func (l *localEmbedder) Dimension() int { return l.dimension }

// ollamaEmbedder calls the Ollama native embeddings API.
type ollamaEmbedder struct {
	baseURL   string
	model     string
	dimension int
	client    *http.Client
}

func (o *ollamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(map[string]string{"model": o.model, "prompt": text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call ollama embeddings API: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("ollama embeddings API returned status %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode ollama response: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("ollama returned an empty embedding")
	}
	return normalize(out.Embedding), nil
}

func (o *ollamaEmbedder) Dimension() int { return o.dimension }

// openAIEmbedder calls any OpenAI-compatible /v1/embeddings endpoint (vLLM,
// OpenAI itself, Ollama's v1 API).
type openAIEmbedder struct {
	baseURL   string
	model     string
	dimension int
	client    *http.Client
}

func (o *openAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(map[string]any{"model": o.model, "input": text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/v1/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call embeddings API: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embeddings API returned status %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode embeddings response: %w", err)
	}
	if len(out.Data) == 0 || len(out.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embeddings API returned no data")
	}
	return normalize(out.Data[0].Embedding), nil
}

func (o *openAIEmbedder) Dimension() int { return o.dimension }

// normalize L2-normalizes the vector in place.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
	return v
}

// fallbackEmbedder wraps a remote backend and degrades to the local backend
// on failure, logging once per failure.
type fallbackEmbedder struct {
	primary Embedder
	local   *localEmbedder
}

// WithLocalFallback makes embedding failures non-fatal for index rebuilds.
// Query-time embedding still uses the primary directly, where a failure must
// surface to the caller.
func WithLocalFallback(primary Embedder) Embedder {
	if _, ok := primary.(*localEmbedder); ok {
		return primary
	}
	return &fallbackEmbedder{primary: primary, local: &localEmbedder{dimension: primary.Dimension()}}
}

func (f *fallbackEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embedding, err := f.primary.Embed(ctx, text)
	if err == nil {
		return embedding, nil
	}
	logger.Warnf("embedding backend failed, falling back to deterministic embeddings: %v", err)
	return f.local.Embed(ctx, text)
}

func (f *fallbackEmbedder) Dimension() int { return f.primary.Dimension() }
