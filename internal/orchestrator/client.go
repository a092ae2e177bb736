// Package orchestrator drives one conversation turn end to end: history
// assembly, context budgeting, memory fetch, guardrail checks, the
// multi-agent run, usage reconciliation, and the background finalize work
// (spend persistence, memory write, titling).
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/chatflow/internal/filectx"
	"github.com/user/chatflow/internal/guardrail"
	"github.com/user/chatflow/internal/ledger"
	"github.com/user/chatflow/internal/memory"
	"github.com/user/chatflow/internal/prompt"
	"github.com/user/chatflow/internal/run"
	"github.com/user/chatflow/internal/title"
	"github.com/user/chatflow/internal/tokens"
	"github.com/user/chatflow/internal/types"
	"github.com/user/chatflow/pkg/llm"
)

// ErrTurnInFlight is returned when a conversation already has a running
// turn. Turns within a conversation are strictly sequential.
var ErrTurnInFlight = errors.New("a turn is already in flight for this conversation")

// Options wires a Client's collaborators. Memory, Guardrail, Titles, and
// Summarizer-backed budgeting are all optional; a nil collaborator
// disables that step.
type Options struct {
	Messages      types.MessageStore
	Conversations types.ConversationStore
	Registry      types.AgentRegistry
	Counter       *tokens.Counter
	Budgeter      *prompt.Budgeter
	Memory        *memory.Coordinator
	Guardrail     *guardrail.Pipeline
	Runner        *run.Runner
	Ledger        *ledger.Ledger
	Titles        *title.Generator
	Tenant        run.TenantLimits
	Strategy      prompt.Strategy

	// System carries the tenant's stable system-content inputs (branding,
	// MCP instructions). The per-turn guardrail note is overlaid on a
	// copy; the stored value is never mutated.
	System prompt.SystemParts
}

// SendOptions are the per-call knobs of SendCompletion.
type SendOptions struct {
	Streaming  bool
	OnProgress func(llm.ContentPart)

	// AgentAuth maps agent ID to the credential used for that agent's
	// tool calls this turn.
	AgentAuth map[string]string

	// CompareModel, when set, logs a cost comparison between the model
	// actually used and this hypothetical one. Observability only.
	CompareModel string
}

// Completion is the user-visible result of one turn.
type Completion struct {
	MessageID types.MessageID
	Parts     []llm.ContentPart
	State     run.State
	Usage     ledger.Totals
	Metadata  *types.ResponseMetadata
}

// Client orchestrates turns. One Client serves many conversations; each
// conversation has at most one turn in flight.
type Client struct {
	opts      Options
	assembler *prompt.Assembler

	mu     sync.Mutex
	active map[types.ConversationID]*activeTurn
}

// activeTurn tracks one in-flight turn: its abort handle and a channel
// closed when the turn's resources are released.
type activeTurn struct {
	cfg      *run.Config
	released chan struct{}
}

// NewClient creates a Client from its wired collaborators.
func NewClient(opts Options) *Client {
	return &Client{
		opts:      opts,
		assembler: prompt.NewAssembler(opts.Counter),
		active:    make(map[types.ConversationID]*activeTurn),
	}
}

// Abort cancels the conversation's in-flight turn, if any. Reports whether
// a turn was found.
func (c *Client) Abort(id types.ConversationID) bool {
	c.mu.Lock()
	turn := c.active[id]
	c.mu.Unlock()
	if turn == nil {
		return false
	}
	turn.cfg.Abort()
	return true
}

// TurnReleased reports when the conversation's current turn has fully
// released its resources, background effects included. Already-released
// conversations yield a closed channel.
func (c *Client) TurnReleased(id types.ConversationID) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if turn, busy := c.active[id]; busy {
		return turn.released
	}
	return closedCh
}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func (c *Client) register(id types.ConversationID, cfg *run.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.active[id]; busy {
		return ErrTurnInFlight
	}
	c.active[id] = &activeTurn{cfg: cfg, released: make(chan struct{})}
	return nil
}

func (c *Client) unregister(id types.ConversationID) {
	c.mu.Lock()
	if turn, busy := c.active[id]; busy {
		close(turn.released)
		delete(c.active, id)
	}
	c.mu.Unlock()
}

type memoryFetch struct {
	text    string
	process memory.ProcessFn
	ok      bool
}

// SendCompletion runs one turn: the user message is stored, the prompt is
// assembled and budgeted, the agent chain streams, and the moderated
// completion is stored and returned. Spend persistence, memory write, and
// titling finish in the background; all complete-or-log before the turn's
// abort signal is released.
func (c *Client) SendCompletion(ctx context.Context, payload types.CompletionPayload, sendOpts SendOptions) (*Completion, error) {
	primary, ok := c.opts.Registry.Get(payload.AgentID)
	if !ok {
		return nil, fmt.Errorf("unknown agent %s", payload.AgentID)
	}
	chain, err := run.ResolveChain(primary, c.opts.Registry, c.opts.Tenant.ChainingEnabled)
	if err != nil {
		return nil, fmt.Errorf("resolve agent chain: %w", err)
	}

	history, err := c.opts.Messages.Messages(ctx, payload.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	needsTitle := true
	for _, m := range history {
		if m.Role == "assistant" {
			needsTitle = false
			break
		}
	}

	userMsg := &types.Message{
		ID:             types.NewMessageID(),
		ConversationID: payload.ConversationID,
		ParentID:       payload.ParentID,
		Role:           "user",
		Text:           payload.Text,
		Files:          payload.Files,
		CreatedAt:      now(),
	}
	fileContextAdded := make(map[types.MessageID]bool)
	if fc := filectx.ExtractAll(payload.Files); fc != "" {
		userMsg.FileContext = fc
		fileContextAdded[userMsg.ID] = true
	}
	if err := c.opts.Messages.Save(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("store user message: %w", err)
	}
	history = append(history, userMsg)

	// Memory fetch overlaps assembly and budgeting.
	memCh := make(chan memoryFetch, 1)
	go func() {
		var f memoryFetch
		if c.opts.Memory != nil {
			f.text, f.process, f.ok = c.opts.Memory.Fetch(ctx, payload.UserID, primary)
		}
		memCh <- f
	}()

	system := c.opts.System
	hasGuardCtx, note := c.opts.Guardrail.CheckInput(ctx, history)
	if note != "" {
		system.GuardrailNote = note
	}
	inputCtx := guardrail.InputContext{HasGuardrailContext: hasGuardCtx, SystemNote: note}

	assembled, err := c.assembler.Assemble(history, chain, prompt.Options{
		LatestID:         userMsg.ID,
		FileContextAdded: fileContextAdded,
		System:           system,
	})
	if err != nil {
		return nil, fmt.Errorf("assemble prompt: %w", err)
	}
	fit, err := c.opts.Budgeter.Fit(ctx, assembled.Messages, assembled.SystemTokens, c.opts.Strategy)
	if err != nil {
		if errors.Is(err, prompt.ErrMessageExceedsBudget) {
			slog.Error("message exceeds context budget",
				"conversation_id", payload.ConversationID,
				"agent_id", payload.AgentID)
			return failedCompletion(budgetExceededText), nil
		}
		return nil, fmt.Errorf("fit context: %w", err)
	}

	mem := <-memCh
	breakdown := assembled.Breakdown
	var payloadMsgs []llm.Message
	if mem.ok && mem.text != "" {
		payloadMsgs = append(payloadMsgs, memory.ContextMessages(mem.text)...)
		breakdown.Memory = c.opts.Counter.GetTokenCount(mem.text)
	}
	for _, m := range fit.Payload {
		payloadMsgs = append(payloadMsgs, llm.Message{Role: m.Role, Name: m.Name, Content: m.Content})
	}

	cfg := run.NewConfig(payload.ConversationID, payload.UserID,
		run.EffectiveRecursionLimit(primary, c.opts.Tenant), sendOpts.Streaming)
	cfg.AgentAuth = sendOpts.AgentAuth
	if err := c.register(payload.ConversationID, cfg); err != nil {
		return nil, err
	}
	runCtx := cfg.Bind(ctx)

	result, err := c.opts.Runner.Execute(runCtx, chain, c.opts.Counter, payloadMsgs,
		assembled.DispatchSystemContent(), breakdown, cfg, sendOpts.OnProgress)
	if err != nil {
		cfg.ClearSignal()
		c.unregister(payload.ConversationID)
		var ce *run.CreationError
		if errors.As(err, &ce) {
			slog.Error("run creation failed",
				"conversation_id", payload.ConversationID,
				"agent_id", payload.AgentID,
				"class", run.Describe(err),
				"error", err)
			return failedCompletion(run.UserFacingError), nil
		}
		return nil, err
	}

	// Moderation and persistence proceed even after an abort; the turn
	// is finalized, not torn down.
	tailCtx := context.WithoutCancel(ctx)
	outcome, finalParts := c.opts.Guardrail.CheckOutput(tailCtx, result.Parts)

	totals := c.opts.Ledger.Reconcile(result.Records)
	if sendOpts.CompareModel != "" {
		c.opts.Ledger.CompareCost(chain[len(chain)-1].Model, sendOpts.CompareModel, totals)
	}
	settled := c.opts.Ledger.Settle(runCtx, ledger.SpendMeta{
		UserID:         payload.UserID,
		ConversationID: payload.ConversationID,
		Model:          primary.Model,
		Context:        "message",
	}, result.Records)

	completion := &Completion{
		Parts: finalParts,
		State: result.State,
		Usage: totals,
		Metadata: &types.ResponseMetadata{
			AgentIDMap:        result.AgentMap,
			GuardrailTracking: guardrail.Tracking(inputCtx, outcome),
			ContextBreakdown:  &result.Breakdown,
		},
	}

	var assistantMsg *types.Message
	if len(finalParts) > 0 {
		// The message's own cost is the final hop's provider-reported
		// output, not the displayed turn total: earlier hops' usage and
		// input growth are billing, not content of this message.
		msgTokens := totals.OutputTokens
		if n := len(result.Records); n > 0 {
			msgTokens = result.Records[n-1].OutputTokens
			if msgTokens < 0 {
				msgTokens = 0
			}
		}
		assistantMsg = &types.Message{
			ID:             types.NewMessageID(),
			ConversationID: payload.ConversationID,
			ParentID:       userMsg.ID,
			Role:           "assistant",
			Text:           partsText(finalParts),
			Parts:          finalParts,
			TokenCount:     &msgTokens,
			AgentID:        chain[len(chain)-1].ID,
			CreatedAt:      now(),
		}
		c.opts.Counter.Correct(assistantMsg.ID, msgTokens)
		if err := c.opts.Messages.Save(tailCtx, assistantMsg); err != nil {
			cfg.ClearSignal()
			c.unregister(payload.ConversationID)
			return nil, fmt.Errorf("store completion: %w", err)
		}
		completion.MessageID = assistantMsg.ID
	}

	turnMsgs := history
	if assistantMsg != nil {
		turnMsgs = append(turnMsgs, assistantMsg)
	}
	go c.finalize(runCtx, tailCtx, cfg, payload, result, mem.process, turnMsgs, settled, needsTitle)

	return completion, nil
}

// finalize runs the turn's background effects. Each effect is isolated:
// one failing or timing out never suppresses the others, and all
// complete-or-log before the abort signal is released.
func (c *Client) finalize(
	runCtx, tailCtx context.Context,
	cfg *run.Config,
	payload types.CompletionPayload,
	result *run.Result,
	process memory.ProcessFn,
	turnMsgs []*types.Message,
	settled <-chan struct{},
	needsTitle bool,
) {
	defer func() {
		cfg.ClearSignal()
		c.unregister(payload.ConversationID)
	}()

	var g errgroup.Group

	g.Go(func() error {
		<-settled
		return nil
	})

	if c.opts.Memory != nil && process != nil {
		g.Go(func() error {
			// The coordinator logs timeout and failure distinguishably;
			// either way memory is simply unavailable this turn.
			_, _ = c.opts.Memory.Write(tailCtx, process, turnMsgs)
			return nil
		})
	}

	if needsTitle && c.opts.Titles != nil && result.State == run.StateCompleted {
		g.Go(func() error {
			// The title call shares the turn's abort lifecycle.
			_, err := c.opts.Titles.Generate(runCtx, result.Run, payload.ConversationID, payload.UserID, payload.Text)
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("title generation failed", "conversation_id", payload.ConversationID, "error", err)
			}
			return nil
		})
	}

	g.Wait()
}

// budgetExceededText is shown when a single message is larger than the
// whole context budget; truncating it mid-content is never done silently.
const budgetExceededText = "Your message is too long to fit in this conversation's context window. Please shorten it and try again."

// failedCompletion renders a turn-fatal failure as user-visible content:
// a single ERROR part carrying a short message, never internals.
func failedCompletion(text string) *Completion {
	return &Completion{
		Parts: []llm.ContentPart{{Type: llm.PartTypeError, Text: text}},
		State: run.StateFailed,
	}
}

func now() time.Time { return time.Now().UTC() }

func partsText(parts []llm.ContentPart) string {
	var b strings.Builder
	for _, p := range parts {
		if p.Type != llm.PartTypeText {
			continue
		}
		b.WriteString(p.Text)
	}
	return b.String()
}
