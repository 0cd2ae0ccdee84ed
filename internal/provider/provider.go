// Package provider adapts LLM vendor SDKs to a single streaming interface.
package provider

import (
	"context"
)

// Message is one chat turn as sent to a model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one completion call.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Temperature float32
	MaxTokens   int
}

// Usage is the token split reported by the vendor for a completed call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Delta is one streamed increment. Text may be empty on the terminal
// delta; Usage is non-nil exactly once, on the terminal delta, when the
// vendor reports it.
type Delta struct {
	Text  string
	Usage *Usage
}

// Stream is a pull iterator over completion deltas. Recv returns io.EOF
// after the terminal delta. Close is idempotent and releases vendor
// resources; it must be called even after io.EOF.
type Stream interface {
	Recv() (Delta, error)
	Close() error
}

// Provider produces completions for a family of models.
type Provider interface {
	// Name identifies the backing vendor, e.g. "openai".
	Name() string
	// Stream opens a streaming completion. The returned Stream honors
	// ctx cancellation between Recv calls.
	Stream(ctx context.Context, req Request) (Stream, error)
	// Complete runs a non-streaming completion and returns the full text.
	Complete(ctx context.Context, req Request) (string, Usage, error)
}

// Collect drains a stream into the full text and final usage.
// The stream is closed before returning.
func Collect(s Stream) (string, Usage, error) {
	defer s.Close()
	var text []byte
	var usage Usage
	for {
		d, err := s.Recv()
		if err != nil {
			if isEOF(err) {
				return string(text), usage, nil
			}
			return string(text), usage, err
		}
		text = append(text, d.Text...)
		if d.Usage != nil {
			usage = *d.Usage
		}
	}
}
