package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAI serves gpt-* and o1* models. The same implementation backs any
// OpenAI-compatible endpoint via a custom base URL.
type OpenAI struct {
	name   string
	client *openai.Client
}

// NewOpenAI builds a provider against the default OpenAI endpoint.
func NewOpenAI(apiKey string) *OpenAI {
	return &OpenAI{name: "openai", client: openai.NewClient(apiKey)}
}

// NewOpenAICompatible builds a provider against an OpenAI-compatible
// endpoint such as Mistral's chat API.
func NewOpenAICompatible(name, apiKey, baseURL string) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	return &OpenAI{name: name, client: openai.NewClientWithConfig(cfg)}
}

func (p *OpenAI) Name() string { return p.name }

func (p *OpenAI) buildRequest(req Request, stream bool) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	out := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if stream {
		out.Stream = true
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return out
}

func (p *OpenAI) Stream(ctx context.Context, req Request) (Stream, error) {
	s, err := p.client.CreateChatCompletionStream(ctx, p.buildRequest(req, true))
	if err != nil {
		return nil, p.classify(err)
	}
	return &openaiStream{p: p, inner: s}, nil
}

func (p *OpenAI) Complete(ctx context.Context, req Request) (string, Usage, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req, false))
	if err != nil {
		return "", Usage{}, p.classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", Usage{}, newErr(p.name, KindInvalid, fmt.Errorf("empty choices"))
	}
	usage := Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
	return resp.Choices[0].Message.Content, usage, nil
}

func (p *OpenAI) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if code, ok := apiErr.Code.(string); ok && code == "context_length_exceeded" {
			return newErr(p.name, KindContextLength, err)
		}
		if strings.Contains(apiErr.Message, "maximum context length") {
			return newErr(p.name, KindContextLength, err)
		}
		return newErr(p.name, classifyHTTP(apiErr.HTTPStatusCode), err)
	}
	return newErr(p.name, KindOf(err), err)
}

type openaiStream struct {
	p     *OpenAI
	inner *openai.ChatCompletionStream
	usage *Usage
}

func (s *openaiStream) Recv() (Delta, error) {
	for {
		resp, err := s.inner.Recv()
		if err != nil {
			if isEOF(err) {
				if s.usage != nil {
					u := s.usage
					s.usage = nil
					return Delta{Usage: u}, nil
				}
				return Delta{}, err
			}
			return Delta{}, s.p.classify(err)
		}
		// The usage-only chunk arrives after the last content chunk.
		if resp.Usage != nil {
			s.usage = &Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if text := resp.Choices[0].Delta.Content; text != "" {
			return Delta{Text: text}, nil
		}
	}
}

func (s *openaiStream) Close() error {
	s.inner.Close()
	return nil
}

var _ Provider = (*OpenAI)(nil)
