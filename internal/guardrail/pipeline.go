// Package guardrail applies input and output content-policy checks around
// a turn. The decision engine is a constructor-injected collaborator;
// this package owns outcome tracking, enforcement, and fail-open behavior.
package guardrail

import (
	"context"
	"log/slog"
	"strings"

	"github.com/user/chatflow/internal/types"
	"github.com/user/chatflow/pkg/llm"
)

// OutcomeKind is the detected policy classification of a piece of content.
type OutcomeKind string

const (
	OutcomePassed     OutcomeKind = "passed"
	OutcomeAnonymized OutcomeKind = "anonymized"
	OutcomeIntervened OutcomeKind = "intervened"
	OutcomeBlocked    OutcomeKind = "blocked"
)

// Outcome is the result of one moderation decision. ActionApplied reports
// whether the policy action was enforced; in observe-only mode an outcome
// is detected and tracked without being applied.
type Outcome struct {
	Outcome       OutcomeKind `json:"outcome"`
	Violations    []string    `json:"violations,omitempty"`
	ModifiedText  string      `json:"modified_text,omitempty"`
	ActionApplied bool        `json:"action_applied"`
}

// InputContext is the input check's result: whether relevant prior policy
// context exists and the system note describing it.
type InputContext struct {
	HasGuardrailContext bool
	SystemNote          string
}

// Service is the consumed guardrail decision engine.
type Service interface {
	ExtractGuardrailContext(ctx context.Context, history []*types.Message) (InputContext, error)
	HandleOutputModeration(ctx context.Context, text string) (Outcome, error)
}

// defaultBlockNotice replaces content when a response is blocked and no
// replacement text was supplied by the decision engine.
const defaultBlockNotice = "This response was blocked by content policy."

// Pipeline runs the input and output checks for one turn.
type Pipeline struct {
	service Service
}

// New creates a Pipeline over the given decision engine. A nil service
// disables all checks.
func New(service Service) *Pipeline {
	return &Pipeline{service: service}
}

// CheckInput runs before the model call. When the decision engine finds
// relevant prior context, the returned note is injected into system
// content; the user-visible transcript is never rewritten. Errors fail
// open with no note.
func (p *Pipeline) CheckInput(ctx context.Context, history []*types.Message) (bool, string) {
	if p == nil || p.service == nil {
		return false, ""
	}
	ic, err := p.service.ExtractGuardrailContext(ctx, history)
	if err != nil {
		slog.Warn("guardrail input check failed open", "error", err)
		return false, ""
	}
	return ic.HasGuardrailContext, ic.SystemNote
}

// CheckOutput moderates the assembled response. Only TEXT parts are
// concatenated for the check; extended-thinking parts are excluded. Any
// failure inside moderation fails open: the original parts are returned
// with a passed outcome. The detected outcome is returned for tracking
// regardless of whether it was applied.
func (p *Pipeline) CheckOutput(ctx context.Context, parts []llm.ContentPart) (outcome Outcome, result []llm.ContentPart) {
	outcome = Outcome{Outcome: OutcomePassed}
	result = parts
	if p == nil || p.service == nil {
		return outcome, result
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("output moderation panicked, failing open", "panic", r)
			outcome = Outcome{Outcome: OutcomePassed}
			result = parts
		}
	}()

	text := concatText(parts)
	if text == "" {
		return outcome, result
	}

	detected, err := p.service.HandleOutputModeration(ctx, text)
	if err != nil {
		slog.Error("output moderation failed open", "error", err)
		return outcome, result
	}

	outcome = detected
	if !detected.ActionApplied {
		return outcome, parts
	}
	return outcome, Apply(parts, detected)
}

// Apply enforces an outcome on the content parts. Blocked replaces all
// parts with a single notice part. Anonymized replaces TEXT parts with the
// sanitized text while preserving non-text parts unchanged. Everything
// else passes through.
func Apply(parts []llm.ContentPart, o Outcome) []llm.ContentPart {
	switch o.Outcome {
	case OutcomeBlocked:
		notice := o.ModifiedText
		if notice == "" {
			notice = defaultBlockNotice
		}
		return []llm.ContentPart{{Type: llm.PartTypeText, Text: notice}}

	case OutcomeAnonymized:
		out := make([]llm.ContentPart, 0, len(parts))
		replaced := false
		for _, part := range parts {
			if part.Type != llm.PartTypeText {
				out = append(out, part)
				continue
			}
			if !replaced {
				out = append(out, llm.ContentPart{Type: llm.PartTypeText, Text: o.ModifiedText})
				replaced = true
			}
		}
		return out

	default:
		return parts
	}
}

// Tracking renders the audit metadata recorded on the response. The
// detected outcome is recorded whether or not it was applied.
func Tracking(input InputContext, output Outcome) map[string]any {
	return map[string]any{
		"input": map[string]any{
			"has_context": input.HasGuardrailContext,
		},
		"output": map[string]any{
			"outcome":        string(output.Outcome),
			"violations":     output.Violations,
			"action_applied": output.ActionApplied,
		},
	}
}

func concatText(parts []llm.ContentPart) string {
	var b strings.Builder
	for _, part := range parts {
		if part.Type != llm.PartTypeText {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(part.Text)
	}
	return b.String()
}
