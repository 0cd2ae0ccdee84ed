// Package embedding generates vector embeddings for debate messages.
//
// Defines a Provider interface with OpenAI, Ollama, and noop
// implementations. The interface allows swapping embedding providers
// without changing consumers.
package embedding

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"
	openai "github.com/sashabaranov/go-openai"
)

// Provider generates vector embeddings from text.
type Provider interface {
	// Embed generates a single embedding vector from text.
	Embed(ctx context.Context, text string) (pgvector.Vector, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error)

	// Dimensions returns the embedding vector dimensionality.
	Dimensions() int
}

// Settings selects and configures a provider.
type Settings struct {
	Provider    string // "auto", "openai", "ollama", or "noop"
	OpenAIKey   string
	Model       string
	Dimensions  int
	OllamaURL   string
	OllamaModel string
}

// New selects a provider. "auto" prefers OpenAI when a key is present,
// then Ollama when a model is configured, then falls back to noop,
// which degrades quality analysis to text-only heuristics.
func New(s Settings) (Provider, error) {
	switch s.Provider {
	case "openai":
		if s.OpenAIKey == "" {
			return nil, fmt.Errorf("embedding: openai provider requires OPENAI_API_KEY")
		}
		return NewOpenAIProvider(s.OpenAIKey, s.Model, s.Dimensions), nil
	case "ollama":
		return NewOllamaProvider(s.OllamaURL, s.OllamaModel, s.Dimensions), nil
	case "noop":
		return NewNoopProvider(s.Dimensions), nil
	case "auto", "":
		if s.OpenAIKey != "" {
			return NewOpenAIProvider(s.OpenAIKey, s.Model, s.Dimensions), nil
		}
		if s.OllamaModel != "" && s.OllamaURL != "" {
			return NewOllamaProvider(s.OllamaURL, s.OllamaModel, s.Dimensions), nil
		}
		return NewNoopProvider(s.Dimensions), nil
	default:
		return nil, fmt.Errorf("embedding: unknown provider %q", s.Provider)
	}
}

// OpenAIProvider generates embeddings using the OpenAI embeddings API.
type OpenAIProvider struct {
	client     *openai.Client
	model      string
	dimensions int
}

// NewOpenAIProvider creates a new OpenAI embedding provider.
func NewOpenAIProvider(apiKey, model string, dimensions int) *OpenAIProvider {
	if dimensions <= 0 {
		dimensions = 1536
	}
	return &OpenAIProvider{
		client:     openai.NewClient(apiKey),
		model:      model,
		dimensions: dimensions,
	}
}

// Dimensions returns the embedding vector size.
func (p *OpenAIProvider) Dimensions() int {
	return p.dimensions
}

// Embed generates a single embedding.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return pgvector.Vector{}, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts in a single API call.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(p.model),
		Dimensions: p.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: openai: %w", err)
	}

	// Ensure results are in input order.
	vecs := make([]pgvector.Vector, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding: invalid index %d in response", d.Index)
		}
		vecs[d.Index] = pgvector.NewVector(d.Embedding)
	}
	return vecs, nil
}

// NoopProvider returns zero vectors. Used when no embedding backend is
// configured; consumers treat zero vectors as "no embedding available".
type NoopProvider struct {
	dims int
}

// NewNoopProvider creates a provider that returns zero vectors.
func NewNoopProvider(dims int) *NoopProvider {
	return &NoopProvider{dims: dims}
}

// Dimensions returns the embedding vector size.
func (p *NoopProvider) Dimensions() int {
	return p.dims
}

// Embed returns a zero vector.
func (p *NoopProvider) Embed(_ context.Context, _ string) (pgvector.Vector, error) {
	return pgvector.NewVector(make([]float32, p.dims)), nil
}

// EmbedBatch returns zero vectors.
func (p *NoopProvider) EmbedBatch(_ context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs := make([]pgvector.Vector, len(texts))
	for i := range vecs {
		vecs[i] = pgvector.NewVector(make([]float32, p.dims))
	}
	return vecs, nil
}
