// Package memory coordinates long-term user memory around the response
// path: an asynchronous fetch before the run and a timeout-raced write
// after it. Memory is never allowed to block or fail a turn.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/chatflow/internal/types"
	"github.com/user/chatflow/pkg/llm"
)

// ErrTimeout marks a memory operation that outlived its deadline. Callers
// treat it the same as absent memory, but it is logged distinguishably
// from hard errors.
var ErrTimeout = errors.New("memory operation timed out")

// DefaultWriteTimeout bounds the post-turn memory write.
const DefaultWriteTimeout = 3 * time.Second

// Artifacts is the result of a memory write: the facts the processor
// decided to store or delete this turn.
type Artifacts struct {
	Saved   []string `json:"saved,omitempty"`
	Deleted []string `json:"deleted,omitempty"`
}

// ProcessFn extracts and persists memory from a turn's messages.
type ProcessFn func(ctx context.Context, msgs []*types.Message) (*Artifacts, error)

// Store is the consumed memory-store contract.
type Store interface {
	SetMemory(ctx context.Context, user types.UserID, key, value string) error
	DeleteMemory(ctx context.Context, user types.UserID, key string) error
	GetFormattedMemories(ctx context.Context, user types.UserID) (string, error)

	// CreateMemoryProcessor returns the user's existing memory text and a
	// process function bound to the given agent configuration.
	CreateMemoryProcessor(ctx context.Context, user types.UserID, agent *types.AgentSpec) (string, ProcessFn, error)
}

// AccessChecker gates memory per user: an opt-in flag and a feature
// permission check. Absence of either short-circuits to "no memory".
type AccessChecker interface {
	MemoryOptIn(ctx context.Context, user types.UserID) (bool, error)
	HasMemoryPermission(ctx context.Context, user types.UserID) (bool, error)
}

// Coordinator wires the store and access checks around one turn.
type Coordinator struct {
	store        Store
	access       AccessChecker
	registry     types.AgentRegistry
	memoryAgent  types.AgentID
	writeTimeout time.Duration
}

// New creates a Coordinator. memoryAgent optionally names a dedicated
// (typically cheaper) agent config for memory extraction; when empty or
// unresolvable the conversation's primary agent config is used.
func New(store Store, access AccessChecker, registry types.AgentRegistry, memoryAgent types.AgentID, writeTimeout time.Duration) *Coordinator {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Coordinator{
		store:        store,
		access:       access,
		registry:     registry,
		memoryAgent:  memoryAgent,
		writeTimeout: writeTimeout,
	}
}

// enabled reports whether memory applies to this user at all.
func (c *Coordinator) enabled(ctx context.Context, user types.UserID) bool {
	optIn, err := c.access.MemoryOptIn(ctx, user)
	if err != nil || !optIn {
		return false
	}
	allowed, err := c.access.HasMemoryPermission(ctx, user)
	if err != nil || !allowed {
		return false
	}
	return true
}

// resolveAgent picks the agent config used for memory extraction.
func (c *Coordinator) resolveAgent(primary *types.AgentSpec) *types.AgentSpec {
	if c.memoryAgent != "" && c.registry != nil {
		if spec, ok := c.registry.Get(c.memoryAgent); ok {
			return spec
		}
		slog.Warn("memory agent not found, using primary agent", "memory_agent", c.memoryAgent)
	}
	return primary
}

// Fetch returns the user's formatted memory and a ProcessFn for the
// post-turn write. ok is false when memory is disabled or unavailable;
// that is never a turn failure.
func (c *Coordinator) Fetch(ctx context.Context, user types.UserID, primary *types.AgentSpec) (memory string, process ProcessFn, ok bool) {
	if c == nil || c.store == nil {
		return "", nil, false
	}
	if !c.enabled(ctx, user) {
		return "", nil, false
	}

	existing, fn, err := c.store.CreateMemoryProcessor(ctx, user, c.resolveAgent(primary))
	if err != nil {
		slog.Warn("memory fetch failed", "user_id", string(user), "error", err)
		return "", nil, false
	}
	return existing, fn, true
}

// Write runs the processor against the turn's messages, raced against the
// configured timeout. On timeout it returns nil and ErrTimeout; the caller
// treats both timeout and hard error as "memory unavailable this turn".
func (c *Coordinator) Write(ctx context.Context, process ProcessFn, msgs []*types.Message) (*Artifacts, error) {
	if process == nil {
		return nil, nil
	}

	type result struct {
		artifacts *Artifacts
		err       error
	}
	ch := make(chan result, 1)
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		a, err := process(wctx, msgs)
		ch <- result{a, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			slog.Error("memory write failed", "error", r.err)
			return nil, r.err
		}
		return r.artifacts, nil
	case <-time.After(c.writeTimeout):
		slog.Warn("memory write timed out", "timeout", c.writeTimeout)
		return nil, fmt.Errorf("after %s: %w", c.writeTimeout, ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ContextMessages renders fetched memory as a synthetic user/assistant
// exchange placed at the start of the model-facing message list. Memory is
// deliberately not folded into system content so the system prompt stays
// byte-stable for prompt caching.
func ContextMessages(memory string) []llm.Message {
	if memory == "" {
		return nil
	}
	return []llm.Message{
		{
			Role:    "user",
			Content: "Here is what you remember about me from previous conversations:\n\n" + memory,
		},
		{
			Role:    "assistant",
			Content: "Understood. I'll keep that context in mind.",
		},
	}
}
