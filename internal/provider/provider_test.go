package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/agora-ai/agora/internal/config"
)

func testConfig() config.Config {
	return config.Config{MaxStreams: 4}
}

func TestStubStreamYieldsTextThenUsage(t *testing.T) {
	stub := NewStub("hello streaming world")
	s, err := stub.Stream(context.Background(), Request{Model: "stub"})
	require.NoError(t, err)
	defer s.Close()

	var text string
	var usage *Usage
	for {
		d, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		text += d.Text
		if d.Usage != nil {
			require.Nil(t, usage, "usage must arrive exactly once")
			usage = d.Usage
		}
	}
	assert.Equal(t, "hello streaming world", text)
	require.NotNil(t, usage)
	assert.Equal(t, len("hello streaming world")/4, usage.OutputTokens)
}

func TestCollect(t *testing.T) {
	stub := NewStub("first answer")
	s, err := stub.Stream(context.Background(), Request{Model: "stub"})
	require.NoError(t, err)
	text, usage, err := Collect(s)
	require.NoError(t, err)
	assert.Equal(t, "first answer", text)
	assert.NotZero(t, usage.OutputTokens)
}

func TestStubStreamHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stub := NewStub("a b c d e")
	s, err := stub.Stream(ctx, Request{Model: "stub"})
	require.NoError(t, err)
	_, err = s.Recv()
	require.NoError(t, err)
	cancel()
	_, err = s.Recv()
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRegistryResolvesByPrefix(t *testing.T) {
	r, err := NewRegistry(context.Background(), testConfig())
	require.NoError(t, err)
	// No credentials configured, so only the stub routes exist.
	assert.True(t, r.Supported("stub"))
	assert.True(t, r.Supported("stub-fast"))
	assert.False(t, r.Supported("gpt-4o"))

	_, err = r.Resolve("claude-3-5-sonnet-20241022")
	require.Error(t, err)
	assert.Equal(t, KindInvalid, KindOf(err))
}

func TestRegistryLongestPrefixWins(t *testing.T) {
	r := &Registry{providers: map[string]Provider{}}
	a := NewStub()
	r.Register(a, "gpt-")
	b := NewOpenAICompatible("special", "k", "http://localhost")
	r.Register(b, "gpt-4o-mini")

	p, err := r.Resolve("gpt-4o-mini-2024")
	require.NoError(t, err)
	assert.Equal(t, "special", p.Name())

	p, err = r.Resolve("gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "stub", p.Name())
}

func TestRegistryStreamReleasesSlot(t *testing.T) {
	cfg := testConfig()
	cfg.MaxStreams = 1
	r, err := NewRegistry(context.Background(), cfg)
	require.NoError(t, err)

	s, err := r.Stream(context.Background(), Request{Model: "stub"})
	require.NoError(t, err)

	// The single slot is held; a second acquire must time out.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Stream(ctx, Request{Model: "stub"})
	require.Error(t, err)

	require.NoError(t, s.Close())
	s2, err := r.Stream(context.Background(), Request{Model: "stub"})
	require.NoError(t, err)
	require.NoError(t, s2.Close())
	// Double close must not double-release.
	require.NoError(t, s2.Close())
}

func TestErrorClassification(t *testing.T) {
	assert.Equal(t, KindAuth, classifyHTTP(401))
	assert.Equal(t, KindRateLimit, classifyHTTP(429))
	assert.Equal(t, KindInvalid, classifyHTTP(400))
	assert.Equal(t, KindTransport, classifyHTTP(503))

	err := newErr("openai", KindRateLimit, fmt.Errorf("429"))
	assert.True(t, Retryable(err))
	assert.False(t, Retryable(newErr("openai", KindContextLength, fmt.Errorf("too long"))))
	assert.False(t, Retryable(newErr("openai", KindAuth, fmt.Errorf("401"))))
	assert.True(t, Retryable(newErr("openai", KindTimeout, context.DeadlineExceeded)))

	wrapped := fmt.Errorf("turn failed: %w", err)
	assert.Equal(t, KindRateLimit, KindOf(wrapped))
}

func TestGoogleBuildCallRoles(t *testing.T) {
	g := &Google{}
	contents, config := g.buildCall(Request{
		System: "be terse",
		Messages: []Message{
			{Role: "user", Content: "opening statement"},
			{Role: "assistant", Content: "counter"},
		},
		MaxTokens: 128,
	})
	require.Len(t, contents, 2)
	assert.Equal(t, string(genai.RoleUser), contents[0].Role)
	assert.Equal(t, string(genai.RoleModel), contents[1].Role)
	require.NotNil(t, config.SystemInstruction)
	assert.Equal(t, int32(128), config.MaxOutputTokens)
}

type verdictShape struct {
	Winner    string  `json:"winner"`
	Reasoning string  `json:"reasoning"`
	Score     float64 `json:"score"`
}

func TestStructuredDecodesValidJSON(t *testing.T) {
	stub := NewStub(`{"winner":"Proponent","reasoning":"stronger evidence","score":8.5}`)
	out, _, err := Structured[verdictShape](context.Background(), stub, Request{Model: "stub"})
	require.NoError(t, err)
	assert.Equal(t, "Proponent", out.Winner)
	assert.Equal(t, 8.5, out.Score)
	// The schema instruction is appended to the system prompt.
	require.Len(t, stub.Requests, 1)
	assert.Contains(t, stub.Requests[0].System, "JSON Schema")
}

func TestStructuredToleratesFences(t *testing.T) {
	stub := NewStub("```json\n{\"winner\":\"A\",\"reasoning\":\"r\",\"score\":1}\n```")
	out, _, err := Structured[verdictShape](context.Background(), stub, Request{Model: "stub"})
	require.NoError(t, err)
	assert.Equal(t, "A", out.Winner)
}

func TestStructuredRejectsSchemaViolation(t *testing.T) {
	stub := NewStub(`{"winner":"A","reasoning":"r","score":"not a number"}`)
	_, _, err := Structured[verdictShape](context.Background(), stub, Request{Model: "stub"})
	require.Error(t, err)
	assert.Equal(t, KindInvalid, KindOf(err))
}

func TestStructuredRejectsProse(t *testing.T) {
	stub := NewStub("I cannot answer that.")
	_, _, err := Structured[verdictShape](context.Background(), stub, Request{Model: "stub"})
	require.Error(t, err)
}
