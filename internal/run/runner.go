// Package run executes one or a chain of agents for a single turn: a
// state machine from Configuring through Streaming to Finalizing, with
// cancellation distinguished from failure throughout.
package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/user/chatflow/internal/types"
	"github.com/user/chatflow/pkg/llm"
)

// State is the runner's lifecycle state for one turn.
type State string

const (
	StateIdle        State = "idle"
	StateConfiguring State = "configuring"
	StateStreaming   State = "streaming"
	StateFinalizing  State = "finalizing"
	StateCompleted   State = "completed"
	StateAborted     State = "aborted"
	StateFailed      State = "failed"
)

// CreationError marks a failure to create the run object. It is fatal to
// the turn; no content is produced.
type CreationError struct {
	Err error
}

func (e *CreationError) Error() string { return "run creation failed: " + e.Err.Error() }
func (e *CreationError) Unwrap() error { return e.Err }

// UserFacingError is the only error text exposed in content; internals
// stay in logs.
const UserFacingError = "Something went wrong generating this response. Please try again."

// Result is the finalized output of one turn's execution.
type Result struct {
	State State

	// Parts is the accumulated content buffer.
	Parts []llm.ContentPart

	// AgentMap maps part index to producing agent ID. Nil unless more
	// than one agent produced surviving output.
	AgentMap map[int]string

	// Records is the ordered usage sequence, one per agent hop.
	Records []llm.Usage

	Breakdown llm.ContextBreakdown

	// Run is the underlying engine run, kept alive for the title step.
	Run llm.Run
}

// contextBreakdownSetter is implemented by run objects that accept the
// assembler's section shares for later retrieval.
type contextBreakdownSetter interface {
	SetContextBreakdown(llm.ContextBreakdown)
}

// Runner executes agent chains through a RunEngine. Exactly one execution
// is in flight per turn.
type Runner struct {
	engine llm.RunEngine
	tenant TenantLimits
}

// NewRunner creates a Runner bound to the engine and tenant limits.
func NewRunner(engine llm.RunEngine, tenant TenantLimits) *Runner {
	return &Runner{engine: engine, tenant: tenant}
}

// Execute drives the full turn. chain must be the resolved agent list with
// the primary agent first; systemContent is the dispatch system string for
// the primary agent. onProgress, when non-nil, receives each content part
// as it arrives.
//
// Cancellation via ctx is not an error: the result state is Aborted and no
// error content is appended. Any other streaming failure appends a single
// ERROR part and the run is still finalized.
func (r *Runner) Execute(
	ctx context.Context,
	chain []*types.AgentSpec,
	counter llm.Tokenizer,
	messages []llm.Message,
	systemContent string,
	breakdown llm.ContextBreakdown,
	cfg *Config,
	onProgress func(llm.ContentPart),
) (*Result, error) {
	// Configuring.
	if len(chain) == 0 {
		return nil, &CreationError{Err: errors.New("empty agent chain")}
	}
	primary := chain[0]
	hide := primary.HideSequentialOutputs && len(chain) > 1
	finalAgent := string(chain[len(chain)-1].ID)

	agents := make([]llm.Agent, len(chain))
	for i, spec := range chain {
		a := llm.Agent{
			ID:       string(spec.ID),
			Name:     spec.Name,
			Provider: spec.Provider,
			Model:    spec.Model,
		}
		if i == 0 {
			a.Instructions = systemContent
		} else {
			a.Instructions = spec.Instructions
			if spec.AdditionalInstructions != "" {
				a.Instructions += "\n\n" + spec.AdditionalInstructions
			}
		}
		agents[i] = a
	}

	req := &llm.RunRequest{
		ThreadID:       string(cfg.ThreadID),
		UserID:         string(cfg.UserID),
		RecursionLimit: cfg.Limit,
		Streaming:      cfg.Streaming,
		AgentAuth:      cfg.AgentAuth,
	}

	engineRun, err := r.engine.CreateRun(ctx, agents, counter, req)
	if err != nil {
		return nil, &CreationError{Err: err}
	}
	if setter, ok := engineRun.(contextBreakdownSetter); ok {
		setter.SetContextBreakdown(breakdown)
	}

	// Streaming.
	var mu sync.Mutex
	var parts []llm.ContentPart
	partAgent := make(map[int]string)
	var records []llm.Usage

	appendPart := func(part llm.ContentPart, agentID string) {
		mu.Lock()
		partAgent[len(parts)] = agentID
		parts = append(parts, part)
		mu.Unlock()
		if onProgress != nil {
			onProgress(part)
		}
	}

	cb := llm.StreamCallbacks{
		OnPart: func(part llm.ContentPart, agentID string) {
			// With hidden intermediate outputs, only the final agent's
			// content parts (plus tool-call parts) survive in the
			// buffer; suppressed agents' usage still counts.
			if hide && agentID != finalAgent && part.Type != llm.PartTypeToolCall {
				return
			}
			appendPart(part, agentID)
		},
		OnUsage: func(u llm.Usage) {
			mu.Lock()
			records = append(records, u)
			mu.Unlock()
		},
		OnToolError: func(toolID string, err error) {
			slog.Error("tool invocation failed", "tool_id", toolID, "run_id", string(cfg.RunID), "error", err)
		},
	}

	streamErr := engineRun.ProcessStream(ctx, messages, cb)

	// Finalizing.
	state := StateCompleted
	if streamErr != nil {
		if errors.Is(streamErr, context.Canceled) || ctx.Err() != nil {
			// Cancellation is not an error: no synthetic content.
			state = StateAborted
		} else {
			state = StateFailed
			slog.Error("run stream failed", "run_id", string(cfg.RunID), "thread_id", string(cfg.ThreadID), "error", streamErr)
			appendPart(llm.ContentPart{Type: llm.PartTypeError, Text: UserFacingError}, string(primary.ID))
		}
	}

	result := &Result{
		State:     state,
		Parts:     parts,
		Records:   records,
		Breakdown: engineRun.ContextBreakdown(),
		Run:       engineRun,
	}

	// Attribution is persisted only when more than one agent produced
	// surviving output.
	distinct := make(map[string]bool, len(partAgent))
	for _, id := range partAgent {
		distinct[id] = true
	}
	if len(distinct) > 1 {
		result.AgentMap = partAgent
	}

	return result, nil
}

// Describe renders the error taxonomy class of a streaming failure for
// logs.
func Describe(err error) string {
	var ce *CreationError
	switch {
	case errors.As(err, &ce):
		return "run_creation_failure"
	case errors.Is(err, context.Canceled):
		return "stream_abort"
	default:
		return fmt.Sprintf("stream_failure(%T)", err)
	}
}
