package provider

import (
	"context"
	"errors"
	"io"
	"iter"

	"google.golang.org/genai"
)

// Google serves gemini-* models.
type Google struct {
	client *genai.Client
}

func NewGoogle(ctx context.Context, apiKey string) (*Google, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, newErr("google", KindAuth, err)
	}
	return &Google{client: client}, nil
}

func (p *Google) Name() string { return "google" }

func (p *Google) buildCall(req Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := genai.Role(genai.RoleUser)
		if m.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromParts(
			[]*genai.Part{genai.NewPartFromText(m.Content)}, role))
	}
	config := &genai.GenerateContentConfig{}
	if req.Temperature > 0 {
		config.Temperature = genai.Ptr(req.Temperature)
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	return contents, config
}

func (p *Google) Stream(ctx context.Context, req Request) (Stream, error) {
	contents, config := p.buildCall(req)
	next, stop := iter.Pull2(p.client.Models.GenerateContentStream(ctx, req.Model, contents, config))
	return &googleStream{next: next, stop: stop}, nil
}

func (p *Google) Complete(ctx context.Context, req Request) (string, Usage, error) {
	contents, config := p.buildCall(req)
	resp, err := p.client.Models.GenerateContent(ctx, req.Model, contents, config)
	if err != nil {
		return "", Usage{}, classifyGoogle(err)
	}
	var usage Usage
	if resp.UsageMetadata != nil {
		usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return resp.Text(), usage, nil
}

type googleStream struct {
	next  func() (*genai.GenerateContentResponse, error, bool)
	stop  func()
	usage Usage
	done  bool
}

func (s *googleStream) Recv() (Delta, error) {
	if s.done {
		return Delta{}, io.EOF
	}
	for {
		chunk, err, ok := s.next()
		if !ok {
			s.done = true
			u := s.usage
			return Delta{Usage: &u}, nil
		}
		if err != nil {
			s.done = true
			return Delta{}, classifyGoogle(err)
		}
		if chunk.UsageMetadata != nil {
			s.usage.InputTokens = int(chunk.UsageMetadata.PromptTokenCount)
			s.usage.OutputTokens = int(chunk.UsageMetadata.CandidatesTokenCount)
		}
		text := chunkText(chunk)
		if text != "" {
			return Delta{Text: text}, nil
		}
	}
}

func (s *googleStream) Close() error {
	s.stop()
	return nil
}

func chunkText(chunk *genai.GenerateContentResponse) string {
	if len(chunk.Candidates) == 0 || chunk.Candidates[0].Content == nil {
		return ""
	}
	var out string
	for _, part := range chunk.Candidates[0].Content.Parts {
		out += part.Text
	}
	return out
}

func classifyGoogle(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return newErr("google", classifyHTTP(apiErr.Code), err)
	}
	return newErr("google", KindOf(err), err)
}

var _ Provider = (*Google)(nil)
