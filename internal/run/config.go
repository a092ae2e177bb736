package run

import (
	"context"
	"sync"

	"github.com/user/chatflow/internal/types"
)

// protocolDefaultRecursionLimit is the fallback bound on agent hops when
// neither the agent nor the tenant declares one.
const protocolDefaultRecursionLimit = 25

// TenantLimits are the tenant-wide execution bounds.
type TenantLimits struct {
	MaxRecursionLimit int
	ChainingEnabled   bool
}

// Config is the per-turn execution context. It is created once per turn
// and immutable after the run starts, except for the abort signal which is
// cleared on completion.
type Config struct {
	ThreadID  types.ConversationID
	UserID    types.UserID
	RunID     types.RunID
	Limit     int
	Streaming bool
	AgentAuth map[string]string

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewConfig creates a Config for one turn.
func NewConfig(thread types.ConversationID, user types.UserID, limit int, streaming bool) *Config {
	return &Config{
		ThreadID:  thread,
		UserID:    user,
		RunID:     types.NewRunID(),
		Limit:     limit,
		Streaming: streaming,
	}
}

// Bind derives the turn-scoped abort context. The returned context is the
// turn's only cancellation mechanism; it propagates to the streaming call
// and to the title call sharing this config's lifecycle.
func (c *Config) Bind(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	return ctx
}

// Abort cancels the turn.
func (c *Config) Abort() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ClearSignal releases the abort signal once the turn's resources are
// settled.
func (c *Config) ClearSignal() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
}

// EffectiveRecursionLimit resolves the run's hop bound as the minimum of
// the agent-declared limit, the tenant-configured maximum, and the
// protocol default. The first agent of a chain is authoritative.
func EffectiveRecursionLimit(primary *types.AgentSpec, tenant TenantLimits) int {
	limit := protocolDefaultRecursionLimit
	if tenant.MaxRecursionLimit > 0 && tenant.MaxRecursionLimit < limit {
		limit = tenant.MaxRecursionLimit
	}
	if primary.RecursionLimit != nil && *primary.RecursionLimit > 0 && *primary.RecursionLimit < limit {
		limit = *primary.RecursionLimit
	}
	return limit
}
