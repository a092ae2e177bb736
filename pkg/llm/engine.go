package llm

import "context"

// Tokenizer counts tokens for a piece of text under a model family's
// encoding. The encoding is fixed at construction time.
type Tokenizer interface {
	GetTokenCount(text string) int
}

// Agent is the engine-facing description of one agent in a chain.
type Agent struct {
	ID           string
	Name         string
	Provider     string
	Model        string
	Instructions string
	Tools        []Tool
}

// RunRequest carries the per-turn parameters for creating a Run.
type RunRequest struct {
	ThreadID       string
	UserID         string
	RecursionLimit int
	Streaming      bool
	// AgentAuth maps agent ID to the credential used for that agent's
	// tool calls.
	AgentAuth map[string]string
}

// StreamCallbacks receives events while a Run streams. Any callback may be
// nil. OnToolError is invoked once per failed tool call and must not abort
// the run.
type StreamCallbacks struct {
	OnPart      func(part ContentPart, agentID string)
	OnUsage     func(u Usage)
	OnToolError func(toolID string, err error)
}

// ContextBreakdown is the token share of each system-content section,
// captured for cost-transparency reporting.
type ContextBreakdown struct {
	Branding     int `json:"branding"`
	ToolRouting  int `json:"tool_routing"`
	Instructions int `json:"instructions"`
	MCP          int `json:"mcp"`
	Memory       int `json:"memory"`
}

// Run drives one streaming execution of an agent chain.
type Run interface {
	// ProcessStream sends the assembled messages and streams results
	// through the callbacks. It returns the context error on
	// cancellation and any provider error otherwise.
	ProcessStream(ctx context.Context, messages []Message, cb StreamCallbacks) error

	// GenerateTitle performs a short non-streaming completion to title
	// the conversation. opts is the already-filtered option set.
	GenerateTitle(ctx context.Context, prompt string, opts map[string]any) (string, Usage, error)

	// ContentPartAgentMap maps content-part index to the ID of the agent
	// that produced it.
	ContentPartAgentMap() map[int]string

	// ContextBreakdown reports the token share of each system-content
	// section for the run.
	ContextBreakdown() ContextBreakdown
}

// RunEngine creates runs. Implementations own provider selection, tool
// execution, and streaming mechanics; the orchestration layer only
// observes the callbacks.
type RunEngine interface {
	CreateRun(ctx context.Context, agents []Agent, counter Tokenizer, req *RunRequest) (Run, error)
}
