// Package ledger reconciles streamed usage records into billable totals
// and persists spend. Reconciliation is synchronous and pure; persistence
// is fire-and-forget with per-record failure logging.
package ledger

import (
	"context"
	"log/slog"

	"github.com/user/chatflow/internal/types"
	"github.com/user/chatflow/pkg/llm"
)

// SpendMeta identifies who and what a spend entry belongs to. Context
// separates conversation cost ("message") from titling overhead ("title").
type SpendMeta struct {
	UserID         types.UserID
	ConversationID types.ConversationID
	Model          string
	Context        string
}

// StructuredPrompt splits prompt tokens by cache activity for rates that
// bill cache reads and writes differently.
type StructuredPrompt struct {
	Input int
	Write int
	Read  int
}

// SpendStore is the consumed spend-persistence contract.
type SpendStore interface {
	SpendTokens(ctx context.Context, meta SpendMeta, promptTokens, completionTokens int) error
	SpendStructuredTokens(ctx context.Context, meta SpendMeta, prompt StructuredPrompt, completionTokens int) error
}

// Totals is the reconciled, displayable token accounting for one turn.
type Totals struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Ledger reconciles and settles usage records.
type Ledger struct {
	store  SpendStore
	prices PriceTable
}

// New creates a Ledger over the given store. prices may be nil to disable
// cost comparison.
func New(store SpendStore, prices PriceTable) *Ledger {
	return &Ledger{store: store, prices: prices}
}

func hopInput(r llm.Usage) int {
	return r.InputTokens + r.CacheWriteTokens + r.CacheReadTokens
}

// Reconcile folds an ordered usage sequence (one record per agent hop)
// into turn totals. The first record establishes the baseline input size.
// Each later hop contributes its own output tokens plus the growth of its
// reported input over everything accounted so far, which captures earlier
// hops' output becoming the next hop's input.
//
// A negative hop delta indicates an accounting bug (or provider-side
// context pruning, see the anomaly log): it is logged with the full record
// dump and excluded from the displayed total, never silently clamped away
// from detection. The running account is never rewound, so one anomalous
// hop cannot poison later deltas.
func (l *Ledger) Reconcile(records []llm.Usage) Totals {
	if len(records) == 0 {
		return Totals{}
	}

	first := records[0]
	input := hopInput(first)
	accounted := input + first.OutputTokens
	display := first.OutputTokens

	for i, r := range records[1:] {
		hop := hopInput(r)
		delta := hop - accounted
		if delta < 0 {
			slog.Error("usage reconciliation anomaly: hop input below running account",
				"hop", i+1,
				"hop_input", hop,
				"accounted", accounted,
				"delta", delta,
				"records", records,
			)
		} else {
			display += delta
			accounted = hop
		}
		display += r.OutputTokens
		accounted += r.OutputTokens
	}

	if display < 0 {
		// Clamp the displayed total only; the anomaly is already logged.
		display = 0
	}
	return Totals{InputTokens: input, OutputTokens: display}
}

// Settle persists spend for every record. Records with cache activity use
// the structured spend path; others the simple prompt/completion path.
// Settlement is fire-and-forget relative to the response: the returned
// channel closes once every record was attempted, and each failure is
// logged individually.
func (l *Ledger) Settle(ctx context.Context, meta SpendMeta, records []llm.Usage) <-chan struct{} {
	done := make(chan struct{})
	if l.store == nil || len(records) == 0 {
		close(done)
		return done
	}

	// Spend must survive the turn's cancellation.
	sctx := context.WithoutCancel(ctx)

	go func() {
		defer close(done)
		for i, r := range records {
			recMeta := meta
			if r.Model != "" {
				recMeta.Model = r.Model
			}

			var err error
			if r.CacheWriteTokens > 0 || r.CacheReadTokens > 0 {
				err = l.store.SpendStructuredTokens(sctx, recMeta, StructuredPrompt{
					Input: r.InputTokens,
					Write: r.CacheWriteTokens,
					Read:  r.CacheReadTokens,
				}, r.OutputTokens)
			} else {
				err = l.store.SpendTokens(sctx, recMeta, r.InputTokens, r.OutputTokens)
			}
			if err != nil {
				slog.Error("spend persistence failed",
					"record", i,
					"conversation_id", string(meta.ConversationID),
					"context", meta.Context,
					"model", recMeta.Model,
					"error", err,
				)
			}
		}
	}()
	return done
}

// CompareCost logs the cost difference between the model actually used and
// a hypothetically requested model. Pure observability: it never affects
// the reconciled totals.
func (l *Ledger) CompareCost(actualModel, requestedModel string, t Totals) {
	if l.prices == nil || requestedModel == "" || actualModel == requestedModel {
		return
	}
	actual, ok1 := l.prices.Cost(actualModel, t)
	requested, ok2 := l.prices.Cost(requestedModel, t)
	if !ok1 || !ok2 {
		return
	}
	slog.Info("model routing cost comparison",
		"actual_model", actualModel,
		"requested_model", requestedModel,
		"actual_usd", actual,
		"requested_usd", requested,
		"saved_usd", requested-actual,
	)
}
