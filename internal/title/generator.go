// Package title produces a conversation title through a secondary,
// short-lived completion after the main turn finishes. It never affects
// the turn's returned content: a failed title is logged and dropped.
package title

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/user/chatflow/internal/ledger"
	"github.com/user/chatflow/internal/types"
	"github.com/user/chatflow/pkg/llm"
)

const (
	maxPromptChars = 2000
	maxTitleRunes  = 80

	titleInstruction = "Write a short title (at most six words) for a conversation that starts with the following message. Reply with the title only, no quotes or punctuation around it."
)

// Endpoint names a provider/model pair the tenant redirects titling to.
// The zero value means no redirect: the turn's own provider is used.
type Endpoint struct {
	Provider string
	Model    string
}

// Resolver returns the backend for a provider/model pair, or an error when
// that endpoint's config cannot be resolved.
type Resolver func(provider, model string) (llm.Provider, error)

// allowedOptions are the completion options a title call may carry over
// from tenant config. Everything else is dropped: streaming and thinking
// controls are meaningless for a one-shot short completion, and
// token-limit parameters are stripped separately.
var allowedOptions = map[string]bool{
	"temperature":       true,
	"top_p":             true,
	"frequency_penalty": true,
	"presence_penalty":  true,
	"stop":              true,
	"seed":              true,
	"user":              true,
}

var deniedOptions = map[string]bool{
	"stream":           true,
	"stream_options":   true,
	"thinking":         true,
	"reasoning_effort": true,
}

// tokenLimitShaped reports whether an option key is a token-limit
// parameter (max_tokens, max_completion_tokens, and friends).
func tokenLimitShaped(key string) bool {
	k := strings.ToLower(key)
	return strings.HasPrefix(k, "max_") && strings.Contains(k, "token")
}

// FilterOptions reduces tenant-supplied completion options to the set a
// title call may use.
func FilterOptions(opts map[string]any) map[string]any {
	out := make(map[string]any, len(opts))
	for k, v := range opts {
		if tokenLimitShaped(k) || deniedOptions[k] || !allowedOptions[k] {
			continue
		}
		out[k] = v
	}
	return out
}

// Generator titles conversations after their first completed turn.
type Generator struct {
	resolve       Resolver
	endpoint      Endpoint
	conversations types.ConversationStore
	ledger        *ledger.Ledger
	options       map[string]any
}

// New creates a Generator. endpoint may be the zero value to always use
// the turn's own provider; resolve may be nil when no redirect is
// configured.
func New(resolve Resolver, endpoint Endpoint, conversations types.ConversationStore, l *ledger.Ledger, options map[string]any) *Generator {
	return &Generator{
		resolve:       resolve,
		endpoint:      endpoint,
		conversations: conversations,
		ledger:        l,
		options:       FilterOptions(options),
	}
}

// Generate produces and stores a title for the conversation. run is the
// completed turn's run object and supplies the fallback provider. The
// title call's usage is settled under the "title" billing context.
func (g *Generator) Generate(ctx context.Context, run llm.Run, conversationID types.ConversationID, userID types.UserID, firstUserText string) (string, error) {
	prompt := buildPrompt(firstUserText)

	text, usage, err := g.complete(ctx, run, prompt)
	if err != nil {
		return "", fmt.Errorf("title completion: %w", err)
	}

	title := Sanitize(text)
	if title == "" {
		return "", fmt.Errorf("title completion returned empty content")
	}

	totals := g.ledger.Reconcile([]llm.Usage{usage})
	g.ledger.Settle(ctx, ledger.SpendMeta{
		UserID:         userID,
		ConversationID: conversationID,
		Model:          usage.Model,
		Context:        "title",
	}, []llm.Usage{usage})
	slog.Debug("generated conversation title",
		"conversation_id", conversationID,
		"input_tokens", totals.InputTokens,
		"output_tokens", totals.OutputTokens)

	if err := g.conversations.SetTitle(ctx, conversationID, title); err != nil {
		return "", fmt.Errorf("store title: %w", err)
	}
	return title, nil
}

// complete tries the tenant's redirected title endpoint first and falls
// back to the turn's own provider when that endpoint cannot be resolved.
func (g *Generator) complete(ctx context.Context, run llm.Run, prompt string) (string, llm.Usage, error) {
	if g.endpoint.Provider != "" && g.resolve != nil {
		provider, err := g.resolve(g.endpoint.Provider, g.endpoint.Model)
		if err == nil {
			messages := []llm.Message{{Role: "user", Content: prompt}}
			var resp *llm.Response
			if oc, ok := provider.(llm.OptionCompleter); ok && len(g.options) > 0 {
				resp, err = oc.CompleteWithOptions(ctx, messages, nil, g.options)
			} else {
				resp, err = provider.Complete(ctx, messages, nil)
			}
			if err != nil {
				return "", llm.Usage{}, err
			}
			u := resp.Usage
			if u.Model == "" {
				u.Model = g.endpoint.Model
			}
			return resp.Content, u, nil
		}
		slog.Warn("title endpoint unresolvable, falling back to turn provider",
			"provider", g.endpoint.Provider,
			"model", g.endpoint.Model,
			"error", err)
	}
	return run.GenerateTitle(ctx, prompt, g.options)
}

func buildPrompt(firstUserText string) string {
	text := strings.TrimSpace(firstUserText)
	if len(text) > maxPromptChars {
		text = truncate(text, maxPromptChars)
	}
	return titleInstruction + "\n\n" + text
}

// truncate cuts s at max bytes, backing up so no UTF-8 sequence is split.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// Sanitize normalizes a model-produced title: surrounding quotes and
// whitespace are stripped, newlines collapse to the first line, and the
// result is capped at a display length.
func Sanitize(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	title = strings.Trim(title, `"'`)
	title = strings.TrimSpace(title)
	runes := []rune(title)
	if len(runes) > maxTitleRunes {
		title = strings.TrimSpace(string(runes[:maxTitleRunes]))
	}
	return title
}
