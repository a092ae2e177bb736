// Package engine provides the default llm.RunEngine implementation: a
// sequential chain driver over llm.Provider backends. Each agent in the
// chain sees the assembled history plus the accumulated output of the
// agents before it.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/user/chatflow/pkg/llm"
)

// ProviderResolver returns the Provider backend for an agent's
// provider/model pair.
type ProviderResolver func(provider, model string) (llm.Provider, error)

// Engine implements llm.RunEngine.
type Engine struct {
	resolve ProviderResolver
}

// New creates an Engine that resolves backends through fn.
func New(fn ProviderResolver) *Engine {
	return &Engine{resolve: fn}
}

// CreateRun builds a Run over the given agent chain. The chain must be
// non-empty and already ordered; the orchestration layer resolves edges
// before calling this.
func (e *Engine) CreateRun(ctx context.Context, agents []llm.Agent, counter llm.Tokenizer, req *llm.RunRequest) (llm.Run, error) {
	if len(agents) == 0 {
		return nil, fmt.Errorf("create run: no agents")
	}
	providers := make([]llm.Provider, len(agents))
	for i, a := range agents {
		p, err := e.resolve(a.Provider, a.Model)
		if err != nil {
			return nil, fmt.Errorf("create run: resolve provider for agent %s: %w", a.ID, err)
		}
		providers[i] = p
	}
	return &chainRun{
		agents:    agents,
		providers: providers,
		req:       req,
		partAgent: make(map[int]string),
	}, nil
}

type chainRun struct {
	agents    []llm.Agent
	providers []llm.Provider
	req       *llm.RunRequest

	mu        sync.Mutex
	partIndex int
	partAgent map[int]string
	breakdown llm.ContextBreakdown
}

func (r *chainRun) recordPart(agentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.partIndex
	r.partAgent[idx] = agentID
	r.partIndex++
	return idx
}

// ProcessStream runs each agent in order, streaming deltas through the
// callbacks. Later agents receive earlier agents' text output as prior
// assistant messages.
func (r *chainRun) ProcessStream(ctx context.Context, messages []llm.Message, cb llm.StreamCallbacks) error {
	hopMessages := append([]llm.Message(nil), messages...)

	for i, agent := range r.agents {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Each hop gets its own system message; the shared history
		// follows unchanged so prompt caching stays effective.
		hop := make([]llm.Message, 0, len(hopMessages)+1)
		if agent.Instructions != "" {
			hop = append(hop, llm.Message{Role: "system", Content: agent.Instructions})
		}
		hop = append(hop, hopMessages...)

		stream, err := r.providers[i].Stream(ctx, hop, agent.Tools)
		if err != nil {
			return fmt.Errorf("agent %s: %w", agent.ID, err)
		}

		var text strings.Builder
		for delta := range stream {
			if err := ctx.Err(); err != nil {
				return err
			}
			if delta.Content != "" {
				text.WriteString(delta.Content)
				r.recordPart(agent.ID)
				if cb.OnPart != nil {
					cb.OnPart(llm.ContentPart{Type: llm.PartTypeText, Text: delta.Content}, agent.ID)
				}
			}
			if delta.Thinking != "" {
				r.recordPart(agent.ID)
				if cb.OnPart != nil {
					cb.OnPart(llm.ContentPart{Type: llm.PartTypeThink, Text: delta.Thinking}, agent.ID)
				}
			}
			for _, tc := range delta.ToolCalls {
				tc := tc
				r.recordPart(agent.ID)
				if cb.OnPart != nil {
					cb.OnPart(llm.ContentPart{Type: llm.PartTypeToolCall, ToolCall: &tc}, agent.ID)
				}
			}
			if delta.Usage != nil {
				u := *delta.Usage
				if u.Model == "" {
					u.Model = agent.Model
				}
				if cb.OnUsage != nil {
					cb.OnUsage(u)
				}
			}
		}

		if out := text.String(); out != "" && i < len(r.agents)-1 {
			hopMessages = append(hopMessages, llm.Message{
				Role:    "assistant",
				Name:    agent.Name,
				Content: out,
			})
		}
	}
	return nil
}

// GenerateTitle performs a single non-streaming completion against the
// first agent's provider. opts carries per-call parameter overrides when
// the provider supports them.
func (r *chainRun) GenerateTitle(ctx context.Context, prompt string, opts map[string]any) (string, llm.Usage, error) {
	messages := []llm.Message{{Role: "user", Content: prompt}}
	var resp *llm.Response
	var err error
	if oc, ok := r.providers[0].(llm.OptionCompleter); ok && len(opts) > 0 {
		resp, err = oc.CompleteWithOptions(ctx, messages, nil, opts)
	} else {
		resp, err = r.providers[0].Complete(ctx, messages, nil)
	}
	if err != nil {
		return "", llm.Usage{}, err
	}
	title := strings.TrimSpace(strings.Trim(strings.TrimSpace(resp.Content), `"`))
	if title == "" {
		slog.Debug("title completion returned empty content")
	}
	u := resp.Usage
	if u.Model == "" {
		u.Model = r.agents[0].Model
	}
	return title, u, nil
}

func (r *chainRun) ContentPartAgentMap() map[int]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int]string, len(r.partAgent))
	for k, v := range r.partAgent {
		out[k] = v
	}
	return out
}

// SetContextBreakdown records the section shares computed by the prompt
// assembler for later retrieval.
func (r *chainRun) SetContextBreakdown(b llm.ContextBreakdown) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakdown = b
}

func (r *chainRun) ContextBreakdown() llm.ContextBreakdown {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.breakdown
}
