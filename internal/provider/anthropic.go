package provider

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// Anthropic serves claude-* models.
type Anthropic struct {
	client anthropic.Client
}

func NewAnthropic(apiKey string) *Anthropic {
	return &Anthropic{client: anthropic.NewClient(option.WithAPIKey(apiKey))}
}

func (p *Anthropic) Name() string { return "anthropic" }

func (p *Anthropic) buildParams(req Request) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(req.Temperature))
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	for _, m := range req.Messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}
	return params
}

func (p *Anthropic) Stream(ctx context.Context, req Request) (Stream, error) {
	inner := p.client.Messages.NewStreaming(ctx, p.buildParams(req))
	if err := inner.Err(); err != nil {
		return nil, p.classify(err)
	}
	return &anthropicStream{p: p, inner: inner}, nil
}

func (p *Anthropic) Complete(ctx context.Context, req Request) (string, Usage, error) {
	msg, err := p.client.Messages.New(ctx, p.buildParams(req))
	if err != nil {
		return "", Usage{}, p.classify(err)
	}
	var text string
	for _, block := range msg.Content {
		text += block.Text
	}
	usage := Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	return text, usage, nil
}

func (p *Anthropic) classify(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		kind := classifyHTTP(apierr.StatusCode)
		if apierr.StatusCode == 400 {
			// The API reports oversized prompts as invalid_request_error;
			// surface them distinctly so the caller can trim context.
			if e := apierr.Error(); containsContextLength(e) {
				kind = KindContextLength
			}
		}
		return newErr("anthropic", kind, err)
	}
	return newErr("anthropic", KindOf(err), err)
}

type anthropicStream struct {
	p     *Anthropic
	inner *ssestream.Stream[anthropic.MessageStreamEventUnion]
	usage Usage
	done  bool
}

func (s *anthropicStream) Recv() (Delta, error) {
	if s.done {
		return Delta{}, io.EOF
	}
	for s.inner.Next() {
		event := s.inner.Current()
		switch event.Type {
		case "message_start":
			s.usage.InputTokens = int(event.Message.Usage.InputTokens)
		case "content_block_delta":
			if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
				return Delta{Text: event.Delta.Text}, nil
			}
		case "message_delta":
			s.usage.OutputTokens = int(event.Usage.OutputTokens)
		}
	}
	if err := s.inner.Err(); err != nil {
		return Delta{}, s.p.classify(err)
	}
	s.done = true
	u := s.usage
	return Delta{Usage: &u}, nil
}

func (s *anthropicStream) Close() error { return s.inner.Close() }

func containsContextLength(msg string) bool {
	for _, needle := range []string{"prompt is too long", "context length"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

var _ Provider = (*Anthropic)(nil)
