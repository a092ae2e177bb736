package prompt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/user/chatflow/internal/tokens"
	"github.com/user/chatflow/internal/types"
)

// Strategy selects how history is brought under the context budget.
type Strategy string

const (
	StrategyDiscard   Strategy = "discard"
	StrategySummarize Strategy = "summarize"
)

// ErrMessageExceedsBudget is returned when a message that cannot be
// dropped is larger than the entire context budget. Oversized messages are
// never partially truncated; the caller decides how to surface this.
var ErrMessageExceedsBudget = errors.New("message exceeds context budget")

// Summarizer produces a short summary of a dropped history span. maxTokens
// bounds the summary's token cost.
type Summarizer interface {
	Summarize(ctx context.Context, text string, maxTokens int) (string, error)
}

// summaryTokenBudget bounds the synthetic summary message's cost.
const summaryTokenBudget = 512

// FitResult is the budgeted payload.
type FitResult struct {
	Payload      []Formatted
	PromptTokens int
	TokenCounts  map[types.MessageID]int
}

// Budgeter fits assembled history inside the model's context limit. The
// budget is the configured max context tokens minus a reserve for expected
// output tokens.
type Budgeter struct {
	counter    *tokens.Counter
	maxContext int
	reserve    int
	summarizer Summarizer

	mu           sync.Mutex
	summaryCache map[types.MessageID]Formatted
}

// NewBudgeter creates a Budgeter. summarizer may be nil, in which case the
// summarize strategy falls back to discard.
func NewBudgeter(counter *tokens.Counter, maxContext, reserve int, summarizer Summarizer) *Budgeter {
	return &Budgeter{
		counter:      counter,
		maxContext:   maxContext,
		reserve:      reserve,
		summarizer:   summarizer,
		summaryCache: make(map[types.MessageID]Formatted),
	}
}

// Fit applies the strategy until the payload's estimated total fits the
// budget. Fit is idempotent: an already-fitting payload is returned
// unchanged with the same token map.
func (b *Budgeter) Fit(ctx context.Context, msgs []Formatted, systemTokens int, strategy Strategy) (*FitResult, error) {
	budget := b.maxContext - b.reserve - systemTokens
	if budget <= 0 {
		return nil, fmt.Errorf("fit: system content alone exceeds context window (budget %d)", budget)
	}

	total := 0
	for _, m := range msgs {
		total += m.Tokens
	}
	if total <= budget {
		return b.result(msgs, total), nil
	}

	for _, m := range msgs {
		if m.Pinned && m.Tokens > budget {
			return nil, fmt.Errorf("fit message %s (%d tokens, budget %d): %w", m.ID, m.Tokens, budget, ErrMessageExceedsBudget)
		}
	}

	switch strategy {
	case StrategySummarize:
		if b.summarizer != nil {
			return b.fitSummarize(ctx, msgs, budget, total)
		}
		slog.Warn("summarize strategy configured without a summarizer, discarding instead")
		fallthrough
	case StrategyDiscard, "":
		return b.fitDiscard(msgs, budget, total)
	default:
		return nil, fmt.Errorf("fit: unknown strategy %q", strategy)
	}
}

// fitDiscard drops oldest non-pinned messages until the total fits.
func (b *Budgeter) fitDiscard(msgs []Formatted, budget, total int) (*FitResult, error) {
	kept := make([]Formatted, 0, len(msgs))
	dropIdx := 0
	for total > budget && dropIdx < len(msgs) {
		if msgs[dropIdx].Pinned {
			dropIdx++
			continue
		}
		total -= msgs[dropIdx].Tokens
		dropIdx++
	}
	if total > budget {
		return nil, fmt.Errorf("fit: %d tokens remain over budget %d after discarding history: %w", total, budget, ErrMessageExceedsBudget)
	}
	for i, m := range msgs {
		if i < dropIdx && !m.Pinned {
			continue
		}
		kept = append(kept, m)
	}
	return b.result(kept, total), nil
}

// fitSummarize replaces the dropped span with a single synthetic summary
// message whose cost is bounded and cached by the span's last message ID.
func (b *Budgeter) fitSummarize(ctx context.Context, msgs []Formatted, budget, total int) (*FitResult, error) {
	// Determine the span to drop, leaving room for the summary itself.
	spanEnd := 0
	for total+summaryTokenBudget > budget && spanEnd < len(msgs) {
		if msgs[spanEnd].Pinned {
			break
		}
		total -= msgs[spanEnd].Tokens
		spanEnd++
	}
	if spanEnd == 0 {
		return b.fitDiscard(msgs, budget, total)
	}
	if total+summaryTokenBudget > budget {
		return nil, fmt.Errorf("fit: history does not fit beside summary (budget %d): %w", budget, ErrMessageExceedsBudget)
	}

	span := msgs[:spanEnd]
	cacheKey := span[spanEnd-1].ID

	b.mu.Lock()
	summary, ok := b.summaryCache[cacheKey]
	b.mu.Unlock()

	if !ok {
		var text string
		for _, m := range span {
			text += m.Role + ": " + m.Content + "\n"
		}
		summarized, err := b.summarizer.Summarize(ctx, text, summaryTokenBudget)
		if err != nil {
			slog.Warn("summarize failed, discarding span instead", "error", err)
			return b.fitDiscard(msgs, budget, total+spanTokens(span))
		}
		summary = Formatted{
			ID:      types.NewMessageID(),
			Role:    "assistant",
			Content: summarized,
			Tokens:  b.counter.CountMessage(types.MessageID("summary:"+string(cacheKey)), summarized, true),
			Summary: true,
		}
		b.mu.Lock()
		b.summaryCache[cacheKey] = summary
		b.mu.Unlock()
	}

	kept := make([]Formatted, 0, len(msgs)-spanEnd+1)
	kept = append(kept, summary)
	kept = append(kept, msgs[spanEnd:]...)
	return b.result(kept, total+summary.Tokens), nil
}

func spanTokens(span []Formatted) int {
	n := 0
	for _, m := range span {
		n += m.Tokens
	}
	return n
}

func (b *Budgeter) result(payload []Formatted, total int) *FitResult {
	counts := make(map[types.MessageID]int, len(payload))
	for _, m := range payload {
		counts[m.ID] = m.Tokens
	}
	return &FitResult{
		Payload:      payload,
		PromptTokens: total,
		TokenCounts:  counts,
	}
}
