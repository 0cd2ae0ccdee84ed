package provider

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Stub is a deterministic in-memory provider for tests and local runs.
// It serves any model named "stub" or prefixed "stub-". Each call pops
// the next scripted response; when the script is exhausted it echoes a
// canned line naming the call ordinal.
type Stub struct {
	mu        sync.Mutex
	responses []string
	calls     int
	// Fail, when non-nil, is returned for the next call and then cleared.
	failNext error
	// Requests records every request for assertions.
	Requests []Request
}

func NewStub(responses ...string) *Stub {
	return &Stub{responses: responses}
}

func (s *Stub) Name() string { return "stub" }

// FailNext makes the next call return err instead of a response.
func (s *Stub) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *Stub) nextResponse(req Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requests = append(s.Requests, req)
	if err := s.failNext; err != nil {
		s.failNext = nil
		return "", err
	}
	s.calls++
	if len(s.responses) > 0 {
		resp := s.responses[0]
		s.responses = s.responses[1:]
		return resp, nil
	}
	return fmt.Sprintf("stub response %d", s.calls), nil
}

func (s *Stub) Stream(ctx context.Context, req Request) (Stream, error) {
	text, err := s.nextResponse(req)
	if err != nil {
		return nil, err
	}
	return &stubStream{ctx: ctx, words: strings.SplitAfter(text, " "), text: text}, nil
}

func (s *Stub) Complete(ctx context.Context, req Request) (string, Usage, error) {
	text, err := s.nextResponse(req)
	if err != nil {
		return "", Usage{}, err
	}
	return text, stubUsage(req, text), nil
}

func stubUsage(req Request, text string) Usage {
	in := len(req.System) / 4
	for _, m := range req.Messages {
		in += len(m.Content)/4 + 4
	}
	return Usage{InputTokens: in, OutputTokens: len(text) / 4}
}

type stubStream struct {
	ctx   context.Context
	words []string
	text  string
	sent  bool
}

func (s *stubStream) Recv() (Delta, error) {
	if err := s.ctx.Err(); err != nil {
		return Delta{}, err
	}
	if len(s.words) > 0 {
		w := s.words[0]
		s.words = s.words[1:]
		return Delta{Text: w}, nil
	}
	if !s.sent {
		s.sent = true
		u := stubUsage(Request{}, s.text)
		return Delta{Usage: &u}, nil
	}
	return Delta{}, io.EOF
}

func (s *stubStream) Close() error { return nil }

var _ Provider = (*Stub)(nil)
