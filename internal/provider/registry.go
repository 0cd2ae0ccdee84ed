package provider

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/agora-ai/agora/internal/config"
)

// Registry routes model names to providers and bounds concurrent
// vendor streams across all debates with a weighted semaphore.
type Registry struct {
	providers map[string]Provider // keyed by provider name
	routes    []route
	sem       *semaphore.Weighted
}

type route struct {
	prefix   string
	provider string
}

// NewRegistry wires the providers that have credentials configured.
// The stub provider is always registered so tests and dry runs work
// without any keys.
func NewRegistry(ctx context.Context, cfg config.Config) (*Registry, error) {
	r := &Registry{
		providers: map[string]Provider{},
		sem:       semaphore.NewWeighted(int64(cfg.MaxStreams)),
	}
	r.Register(NewStub(), "stub")

	if cfg.OpenAIAPIKey != "" {
		r.Register(NewOpenAI(cfg.OpenAIAPIKey), "gpt-", "o1", "chatgpt-")
	}
	if cfg.AnthropicAPIKey != "" {
		r.Register(NewAnthropic(cfg.AnthropicAPIKey), "claude-")
	}
	if cfg.GoogleAPIKey != "" {
		g, err := NewGoogle(ctx, cfg.GoogleAPIKey)
		if err != nil {
			return nil, fmt.Errorf("provider: google: %w", err)
		}
		r.Register(g, "gemini-")
	}
	if cfg.MistralAPIKey != "" {
		r.Register(NewOpenAICompatible("mistral", cfg.MistralAPIKey, cfg.MistralBaseURL),
			"mistral-", "open-mistral", "codestral-")
	}
	return r, nil
}

// Register adds a provider and the model-name prefixes it serves.
func (r *Registry) Register(p Provider, prefixes ...string) {
	r.providers[p.Name()] = p
	for _, pre := range prefixes {
		r.routes = append(r.routes, route{prefix: pre, provider: p.Name()})
	}
}

// Resolve returns the provider serving the given model name.
func (r *Registry) Resolve(model string) (Provider, error) {
	var best route
	for _, rt := range r.routes {
		if strings.HasPrefix(model, rt.prefix) && len(rt.prefix) > len(best.prefix) {
			best = rt
		}
	}
	if best.provider == "" {
		return nil, newErr("registry", KindInvalid, fmt.Errorf("no provider for model %q", model))
	}
	return r.providers[best.provider], nil
}

// Supported reports whether any configured provider serves the model.
func (r *Registry) Supported(model string) bool {
	_, err := r.Resolve(model)
	return err == nil
}

// Stream resolves the model and opens a stream under the global
// concurrency budget. The slot is released when the stream is closed.
func (r *Registry) Stream(ctx context.Context, req Request) (Stream, error) {
	p, err := r.Resolve(req.Model)
	if err != nil {
		return nil, err
	}
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, newErr(p.Name(), KindTimeout, err)
	}
	s, err := p.Stream(ctx, req)
	if err != nil {
		r.sem.Release(1)
		return nil, err
	}
	return &limitedStream{Stream: s, release: func() { r.sem.Release(1) }}, nil
}

// Complete resolves the model and runs a non-streaming call under the
// same concurrency budget.
func (r *Registry) Complete(ctx context.Context, req Request) (string, Usage, error) {
	p, err := r.Resolve(req.Model)
	if err != nil {
		return "", Usage{}, err
	}
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return "", Usage{}, newErr(p.Name(), KindTimeout, err)
	}
	defer r.sem.Release(1)
	return p.Complete(ctx, req)
}

type limitedStream struct {
	Stream
	release func()
	once    bool
}

func (s *limitedStream) Close() error {
	if !s.once {
		s.once = true
		defer s.release()
	}
	return s.Stream.Close()
}
