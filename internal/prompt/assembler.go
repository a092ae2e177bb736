// Package prompt assembles stored conversation history into a bounded,
// model-ready prompt: ordering, persona labeling, system-content
// concatenation, file-context placement, and context-window budgeting.
package prompt

import (
	"fmt"

	"github.com/user/chatflow/internal/tokens"
	"github.com/user/chatflow/internal/types"
	"github.com/user/chatflow/pkg/llm"
)

// Formatted is one model-facing message with its token annotation. It is
// always a derived value; the stored message is never mutated.
type Formatted struct {
	ID      types.MessageID
	Role    string
	Name    string
	Content string
	Tokens  int
	Pinned  bool
	Summary bool
}

// Options configures one assembly pass.
type Options struct {
	// LatestID is the leaf of the conversation branch being continued.
	// When empty, the most recently created message is used.
	LatestID types.MessageID

	// FileContextAdded marks messages whose file context was extracted
	// this turn, forcing a token recount.
	FileContextAdded map[types.MessageID]bool

	System SystemParts
}

// Assembled is the result of one assembly pass.
type Assembled struct {
	Messages []Formatted

	// SystemContent is the stable system string: identical across turns
	// unless the agent's instructions, branding, or tool set change.
	SystemContent string

	// FileContextSuffix is the latest message's extracted document text.
	// It is appended to the system content at dispatch time only, so the
	// recorded SystemContent stays byte-stable for prompt caching.
	FileContextSuffix string

	SystemTokens int
	Breakdown    llm.ContextBreakdown
	TokenCounts  map[types.MessageID]int
}

// DispatchSystemContent is the string actually handed to the model:
// the stable system content plus the current turn's file context.
func (a *Assembled) DispatchSystemContent() string {
	if a.FileContextSuffix == "" {
		return a.SystemContent
	}
	return a.SystemContent + "\n\n" + a.FileContextSuffix
}

// Assembler converts stored history into a labeled, token-annotated
// prompt sequence.
type Assembler struct {
	counter *tokens.Counter
}

// NewAssembler creates an Assembler that counts with the given counter.
func NewAssembler(counter *tokens.Counter) *Assembler {
	return &Assembler{counter: counter}
}

// Assemble orders the history by parent-pointer traversal, applies persona
// labels when more than one agent participates, places file context, and
// builds the system content. chain must be the resolved agent chain with
// the primary agent first.
func (a *Assembler) Assemble(history []*types.Message, chain []*types.AgentSpec, opts Options) (*Assembled, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("assemble: empty agent chain")
	}
	primary := chain[0]

	ordered, err := orderByParent(history, opts.LatestID)
	if err != nil {
		return nil, err
	}

	multiAgent := len(chain) > 1 || len(primary.Edges) > 0
	names := make(map[types.AgentID]string, len(chain))
	for _, ag := range chain {
		names[ag.ID] = ag.Name
	}

	var fileSuffix string
	formatted := make([]Formatted, 0, len(ordered))
	counts := make(map[types.MessageID]int, len(ordered))

	for i, msg := range ordered {
		latest := i == len(ordered)-1

		content := msg.Text
		if multiAgent && msg.Role == "assistant" {
			content = labelAssistant(content, msg.AgentID, names)
		}

		if msg.FileContext != "" {
			if latest {
				fileSuffix = msg.FileContext
			} else {
				// Earlier file context stays inside its own message so
				// per-message boundaries remain stable and the system
				// prompt does not grow.
				content = msg.FileContext + "\n\n" + content
			}
		}

		a.counter.Seed(msg.ID, msg.TokenCount)
		force := opts.FileContextAdded[msg.ID]
		n := a.counter.CountMessage(msg.ID, content, force)
		counts[msg.ID] = n

		formatted = append(formatted, Formatted{
			ID:      msg.ID,
			Role:    msg.Role,
			Content: content,
			Tokens:  n,
			Pinned:  latest,
			Summary: msg.Summary,
		})
	}

	systemContent, breakdown := BuildSystemContent(primary, opts.System, a.counter)

	return &Assembled{
		Messages:          formatted,
		SystemContent:     systemContent,
		FileContextSuffix: fileSuffix,
		SystemTokens:      a.counter.GetTokenCount(systemContent),
		Breakdown:         breakdown,
		TokenCounts:       counts,
	}, nil
}

// labelAssistant prefixes assistant content with the originating agent's
// display name so a model reviewing multi-agent history cannot conflate
// personas. Pure function of (content, agentID, names).
func labelAssistant(content string, agentID types.AgentID, names map[types.AgentID]string) string {
	name := names[agentID]
	if name == "" {
		return content
	}
	return name + ":\n" + content
}

// orderByParent walks the message tree from the leaf to the root through
// parent pointers and returns the branch in chronological order.
func orderByParent(history []*types.Message, latestID types.MessageID) ([]*types.Message, error) {
	if len(history) == 0 {
		return nil, nil
	}

	byID := make(map[types.MessageID]*types.Message, len(history))
	for _, m := range history {
		byID[m.ID] = m
	}

	leaf := byID[latestID]
	if leaf == nil {
		// Fall back to the newest message.
		for _, m := range history {
			if leaf == nil || m.CreatedAt.After(leaf.CreatedAt) {
				leaf = m
			}
		}
	}

	var branch []*types.Message
	seen := make(map[types.MessageID]bool, len(history))
	for cur := leaf; cur != nil; cur = byID[cur.ParentID] {
		if seen[cur.ID] {
			return nil, fmt.Errorf("order messages: parent cycle at %s", cur.ID)
		}
		seen[cur.ID] = true
		branch = append(branch, cur)
	}

	// Reverse into chronological order.
	for i, j := 0, len(branch)-1; i < j; i, j = i+1, j-1 {
		branch[i], branch[j] = branch[j], branch[i]
	}
	return branch, nil
}
