package title

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/user/chatflow/internal/ledger"
	"github.com/user/chatflow/internal/types"
	"github.com/user/chatflow/pkg/llm"
)

type fakeRun struct {
	title string
	usage llm.Usage
	err   error

	called bool
	opts   map[string]any
}

func (f *fakeRun) ProcessStream(ctx context.Context, messages []llm.Message, cb llm.StreamCallbacks) error {
	return nil
}

func (f *fakeRun) GenerateTitle(ctx context.Context, prompt string, opts map[string]any) (string, llm.Usage, error) {
	f.called = true
	f.opts = opts
	return f.title, f.usage, f.err
}

func (f *fakeRun) ContentPartAgentMap() map[int]string    { return nil }
func (f *fakeRun) ContextBreakdown() llm.ContextBreakdown { return llm.ContextBreakdown{} }

type fakeProvider struct {
	resp   *llm.Response
	err    error
	called bool
}

func (f *fakeProvider) Complete(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*llm.Response, error) {
	f.called = true
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeProvider) Stream(ctx context.Context, messages []llm.Message, tools []llm.Tool) (<-chan llm.Delta, error) {
	return nil, errors.New("not supported")
}

type fakeConversations struct {
	mu     sync.Mutex
	titles map[types.ConversationID]string
}

func (f *fakeConversations) SetTitle(ctx context.Context, id types.ConversationID, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.titles == nil {
		f.titles = make(map[types.ConversationID]string)
	}
	f.titles[id] = title
	return nil
}

type contextSpendStore struct {
	mu       sync.Mutex
	contexts []string
}

func (s *contextSpendStore) SpendTokens(ctx context.Context, meta ledger.SpendMeta, promptTokens, completionTokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts = append(s.contexts, meta.Context)
	return nil
}

func (s *contextSpendStore) SpendStructuredTokens(ctx context.Context, meta ledger.SpendMeta, prompt ledger.StructuredPrompt, completionTokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts = append(s.contexts, meta.Context)
	return nil
}

func (s *contextSpendStore) waitFor(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		if len(s.contexts) >= n {
			out := append([]string(nil), s.contexts...)
			s.mu.Unlock()
			return out
		}
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("spend store never saw %d entries", n)
	return nil
}

func TestGenerateUsesRedirectedEndpoint(t *testing.T) {
	provider := &fakeProvider{resp: &llm.Response{
		Content: `"Trip Planning"`,
		Usage:   llm.Usage{InputTokens: 30, OutputTokens: 4},
	}}
	run := &fakeRun{title: "should not be used"}
	convos := &fakeConversations{}
	store := &contextSpendStore{}

	resolve := func(p, m string) (llm.Provider, error) {
		if p != "titleco" || m != "tiny-1" {
			t.Errorf("unexpected resolve args %s/%s", p, m)
		}
		return provider, nil
	}
	g := New(resolve, Endpoint{Provider: "titleco", Model: "tiny-1"}, convos, ledger.New(store, nil), nil)

	id := types.NewConversationID()
	got, err := g.Generate(context.Background(), run, id, types.NewUserID(), "help me plan a trip to Lisbon")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got != "Trip Planning" {
		t.Errorf("expected sanitized title, got %q", got)
	}
	if !provider.called {
		t.Error("redirected endpoint was not used")
	}
	if run.called {
		t.Error("turn provider must not be used when the redirect resolves")
	}
	if convos.titles[id] != "Trip Planning" {
		t.Errorf("title not stored, got %q", convos.titles[id])
	}
}

func TestGenerateFallsBackToTurnProvider(t *testing.T) {
	run := &fakeRun{title: "Lisbon Itinerary", usage: llm.Usage{InputTokens: 20, OutputTokens: 3, Model: "gpt-4o"}}
	convos := &fakeConversations{}
	store := &contextSpendStore{}

	resolve := func(p, m string) (llm.Provider, error) {
		return nil, errors.New("no config for endpoint")
	}
	g := New(resolve, Endpoint{Provider: "titleco", Model: "tiny-1"}, convos, ledger.New(store, nil), nil)

	got, err := g.Generate(context.Background(), run, types.NewConversationID(), types.NewUserID(), "plan a trip")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got != "Lisbon Itinerary" {
		t.Errorf("expected fallback title, got %q", got)
	}
	if !run.called {
		t.Error("fallback to turn provider did not happen")
	}
}

func TestGenerateSettlesUnderTitleContext(t *testing.T) {
	run := &fakeRun{title: "Weekly Sync Notes", usage: llm.Usage{InputTokens: 15, OutputTokens: 4}}
	store := &contextSpendStore{}
	g := New(nil, Endpoint{}, &fakeConversations{}, ledger.New(store, nil), nil)

	if _, err := g.Generate(context.Background(), run, types.NewConversationID(), types.NewUserID(), "notes"); err != nil {
		t.Fatalf("generate: %v", err)
	}
	contexts := store.waitFor(t, 1)
	if contexts[0] != "title" {
		t.Errorf("expected spend under title context, got %q", contexts[0])
	}
}

func TestGenerateEmptyTitleIsError(t *testing.T) {
	run := &fakeRun{title: "   "}
	g := New(nil, Endpoint{}, &fakeConversations{}, ledger.New(&contextSpendStore{}, nil), nil)

	if _, err := g.Generate(context.Background(), run, types.NewConversationID(), types.NewUserID(), "hi"); err == nil {
		t.Fatal("expected error for empty title")
	}
}

func TestFilterOptions(t *testing.T) {
	got := FilterOptions(map[string]any{
		"temperature":           0.3,
		"top_p":                 0.9,
		"max_tokens":            500,
		"max_completion_tokens": 500,
		"stream":                true,
		"stream_options":        map[string]any{"include_usage": true},
		"thinking":              "extended",
		"reasoning_effort":      "high",
		"unknown_knob":          1,
	})
	if len(got) != 2 {
		t.Fatalf("expected 2 surviving options, got %v", got)
	}
	if got["temperature"] != 0.3 || got["top_p"] != 0.9 {
		t.Errorf("allowed options dropped: %v", got)
	}
}

func TestFilteredOptionsReachTitleCall(t *testing.T) {
	run := &fakeRun{title: "A Title"}
	g := New(nil, Endpoint{}, &fakeConversations{}, ledger.New(&contextSpendStore{}, nil),
		map[string]any{"temperature": 0.2, "max_tokens": 100})

	if _, err := g.Generate(context.Background(), run, types.NewConversationID(), types.NewUserID(), "hi"); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, ok := run.opts["max_tokens"]; ok {
		t.Error("token-limit option leaked into the title call")
	}
	if run.opts["temperature"] != 0.2 {
		t.Errorf("temperature missing from title options: %v", run.opts)
	}
}

func TestBuildPromptTruncatesOnRuneBoundary(t *testing.T) {
	// Three-byte runes never divide the byte limit evenly; the cut must
	// back up instead of splitting a sequence.
	prompt := buildPrompt(strings.Repeat("日", 1000))
	if !utf8.ValidString(prompt) {
		t.Error("truncated prompt must remain valid UTF-8")
	}
	if len(prompt) > len(titleInstruction)+2+maxPromptChars {
		t.Errorf("prompt exceeds the byte limit: %d bytes", len(prompt))
	}
}

func TestSanitize(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{`"Quoted Title"`, "Quoted Title"},
		{"'Single Quoted'", "Single Quoted"},
		{"First Line\nSecond Line", "First Line"},
		{"  spaced  ", "spaced"},
		{strings.Repeat("x", 200), strings.Repeat("x", 80)},
	}
	for _, tc := range cases {
		if got := Sanitize(tc.in); got != tc.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
