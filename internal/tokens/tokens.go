// Package tokens estimates token usage and dollar cost for provider calls.
package tokens

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Per-message framing overhead in the chat format, plus reply priming.
const (
	perMessageOverhead = 4
	replyPriming       = 2
)

// Counter estimates token counts using the cl100k_base encoding.
// The encoder is loaded lazily; when loading fails the counter falls
// back to a length/4 heuristic.
type Counter struct {
	mu      sync.Mutex
	encoder *tiktoken.Tiktoken
	failed  bool
}

// NewCounter returns a ready Counter. No network access happens until
// the first count.
func NewCounter() *Counter {
	return &Counter{}
}

func (c *Counter) enc() *tiktoken.Tiktoken {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder == nil && !c.failed {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			c.failed = true
			return nil
		}
		c.encoder = enc
	}
	return c.encoder
}

// Count returns the token count of a single string.
func (c *Counter) Count(text string) int {
	if enc := c.enc(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return approximate(text)
}

// CountMessage returns the token cost of one chat message including
// its framing overhead.
func (c *Counter) CountMessage(role, content string) int {
	return c.Count(role) + c.Count(content) + perMessageOverhead
}

// CountMessages returns the token cost of a full prompt: every message
// plus the assistant reply priming tokens.
func (c *Counter) CountMessages(msgs []RoleContent) int {
	total := replyPriming
	for _, m := range msgs {
		total += c.CountMessage(m.Role, m.Content)
	}
	return total
}

// RoleContent is the minimal shape CountMessages needs.
type RoleContent struct {
	Role    string
	Content string
}

func approximate(text string) int {
	n := len(text) / 4
	if n == 0 && strings.TrimSpace(text) != "" {
		n = 1
	}
	return n
}
