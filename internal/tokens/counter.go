// Package tokens provides deterministic token counting with a per-message
// count cache. The encoding is fixed per model family at construction.
package tokens

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/chatflow/internal/types"
)

// Counter counts tokens under one model's encoding and caches per-message
// counts for the lifetime of the owning client. Cached counts are corrected
// in place when provider-reported usage becomes available.
type Counter struct {
	enc *tiktoken.Tiktoken

	mu     sync.RWMutex
	counts map[types.MessageID]int
}

// New creates a Counter for the given model. Unknown models fall back to
// the cl100k_base encoding.
func New(model string) (*Counter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Counter{
		enc:    enc,
		counts: make(map[types.MessageID]int),
	}, nil
}

// GetTokenCount returns the token count for a string.
func (c *Counter) GetTokenCount(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// CountMessage returns the message's token count, recounting only when no
// cached value exists or force is set (file context or vision input was
// added this turn). The stored message's own TokenCount is consulted as
// the initial cache seed but never mutated.
func (c *Counter) CountMessage(id types.MessageID, text string, force bool) int {
	if !force {
		c.mu.RLock()
		n, ok := c.counts[id]
		c.mu.RUnlock()
		if ok {
			return n
		}
	}
	n := c.GetTokenCount(text)
	c.mu.Lock()
	c.counts[id] = n
	c.mu.Unlock()
	return n
}

// Seed installs a previously persisted count without recounting. A nil
// count is ignored.
func (c *Counter) Seed(id types.MessageID, count *int) {
	if count == nil {
		return
	}
	c.mu.Lock()
	if _, ok := c.counts[id]; !ok {
		c.counts[id] = *count
	}
	c.mu.Unlock()
}

// Correct replaces a cached count with a provider-reported value.
func (c *Counter) Correct(id types.MessageID, actual int) {
	c.mu.Lock()
	c.counts[id] = actual
	c.mu.Unlock()
}

// Snapshot returns a copy of the current message-id to count map.
func (c *Counter) Snapshot() map[types.MessageID]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[types.MessageID]int, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}
