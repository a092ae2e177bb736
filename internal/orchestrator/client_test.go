package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

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

// --- fakes ---

type memStore struct {
	mu     sync.Mutex
	msgs   map[types.ConversationID][]*types.Message
	titles map[types.ConversationID]string
}

func newMemStore() *memStore {
	return &memStore{
		msgs:   make(map[types.ConversationID][]*types.Message),
		titles: make(map[types.ConversationID]string),
	}
}

func (s *memStore) Messages(ctx context.Context, id types.ConversationID) ([]*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*types.Message(nil), s.msgs[id]...), nil
}

func (s *memStore) Save(ctx context.Context, msg *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[msg.ConversationID] = append(s.msgs[msg.ConversationID], msg)
	return nil
}

func (s *memStore) SetTitle(ctx context.Context, id types.ConversationID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles[id] = title
	return nil
}

func (s *memStore) stored(id types.ConversationID) []*types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*types.Message(nil), s.msgs[id]...)
}

type mapRegistry map[types.AgentID]*types.AgentSpec

func (r mapRegistry) Get(id types.AgentID) (*types.AgentSpec, bool) {
	spec, ok := r[id]
	return spec, ok
}

func (r mapRegistry) List() []*types.AgentSpec {
	out := make([]*types.AgentSpec, 0, len(r))
	for _, spec := range r {
		out = append(out, spec)
	}
	return out
}

type scriptedEvent struct {
	part    *llm.ContentPart
	agentID string
	usage   *llm.Usage
}

type fakeRun struct {
	events    []scriptedEvent
	streamErr error
	title     string

	// block, when set, holds the stream open until closed.
	block chan struct{}

	mu          sync.Mutex
	gotMessages []llm.Message
	breakdown   llm.ContextBreakdown
}

func (f *fakeRun) ProcessStream(ctx context.Context, messages []llm.Message, cb llm.StreamCallbacks) error {
	f.mu.Lock()
	f.gotMessages = append([]llm.Message(nil), messages...)
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, ev := range f.events {
		if ev.part != nil && cb.OnPart != nil {
			cb.OnPart(*ev.part, ev.agentID)
		}
		if ev.usage != nil && cb.OnUsage != nil {
			cb.OnUsage(*ev.usage)
		}
	}
	return f.streamErr
}

func (f *fakeRun) GenerateTitle(ctx context.Context, prompt string, opts map[string]any) (string, llm.Usage, error) {
	if f.title == "" {
		return "", llm.Usage{}, errors.New("no title scripted")
	}
	return f.title, llm.Usage{InputTokens: 10, OutputTokens: 2}, nil
}

func (f *fakeRun) ContentPartAgentMap() map[int]string { return nil }

func (f *fakeRun) SetContextBreakdown(b llm.ContextBreakdown) {
	f.mu.Lock()
	f.breakdown = b
	f.mu.Unlock()
}

func (f *fakeRun) ContextBreakdown() llm.ContextBreakdown {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.breakdown
}

func (f *fakeRun) messages() []llm.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gotMessages
}

type fakeEngine struct {
	run       *fakeRun
	createErr error
	gotAgents []llm.Agent
}

func (f *fakeEngine) CreateRun(ctx context.Context, agents []llm.Agent, counter llm.Tokenizer, req *llm.RunRequest) (llm.Run, error) {
	f.gotAgents = agents
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.run, nil
}

type guardService struct {
	input     guardrail.InputContext
	inputErr  error
	output    guardrail.Outcome
	outputErr error
}

func (g *guardService) ExtractGuardrailContext(ctx context.Context, history []*types.Message) (guardrail.InputContext, error) {
	return g.input, g.inputErr
}

func (g *guardService) HandleOutputModeration(ctx context.Context, text string) (guardrail.Outcome, error) {
	return g.output, g.outputErr
}

type recordingSpendStore struct {
	mu       sync.Mutex
	contexts []string
}

func (s *recordingSpendStore) SpendTokens(ctx context.Context, meta ledger.SpendMeta, promptTokens, completionTokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts = append(s.contexts, meta.Context)
	return nil
}

func (s *recordingSpendStore) SpendStructuredTokens(ctx context.Context, meta ledger.SpendMeta, prompt ledger.StructuredPrompt, completionTokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts = append(s.contexts, meta.Context)
	return nil
}

type openMemoryAccess struct{}

func (openMemoryAccess) MemoryOptIn(ctx context.Context, user types.UserID) (bool, error) {
	return true, nil
}
func (openMemoryAccess) HasMemoryPermission(ctx context.Context, user types.UserID) (bool, error) {
	return true, nil
}

type scriptedMemoryStore struct {
	existing string
	process  memory.ProcessFn
}

func (s *scriptedMemoryStore) SetMemory(ctx context.Context, user types.UserID, key, value string) error {
	return nil
}
func (s *scriptedMemoryStore) DeleteMemory(ctx context.Context, user types.UserID, key string) error {
	return nil
}
func (s *scriptedMemoryStore) GetFormattedMemories(ctx context.Context, user types.UserID) (string, error) {
	return s.existing, nil
}
func (s *scriptedMemoryStore) CreateMemoryProcessor(ctx context.Context, user types.UserID, agent *types.AgentSpec) (string, memory.ProcessFn, error) {
	return s.existing, s.process, nil
}

// --- harness ---

func newCounter(t *testing.T) *tokens.Counter {
	t.Helper()
	c, err := tokens.New("gpt-4")
	if err != nil {
		t.Fatal(err)
	}
	return c
}

type harness struct {
	client *Client
	store  *memStore
	engine *fakeEngine
	spend  *recordingSpendStore
}

func newHarness(t *testing.T, fr *fakeRun, mutate func(*Options)) *harness {
	t.Helper()
	counter := newCounter(t)
	store := newMemStore()
	engine := &fakeEngine{run: fr}
	spend := &recordingSpendStore{}

	agent := &types.AgentSpec{ID: "a1", Name: "Primary", Provider: "openai", Model: "gpt-4o",
		Instructions: "You are helpful."}
	opts := Options{
		Messages:      store,
		Conversations: store,
		Registry:      mapRegistry{"a1": agent},
		Counter:       counter,
		Budgeter:      prompt.NewBudgeter(counter, 8000, 1000, nil),
		Runner:        run.NewRunner(engine, run.TenantLimits{MaxRecursionLimit: 50}),
		Ledger:        ledger.New(spend, nil),
		Strategy:      prompt.StrategyDiscard,
		System:        prompt.SystemParts{Branding: "You are the Chatflow assistant."},
	}
	if mutate != nil {
		mutate(&opts)
	}
	return &harness{client: NewClient(opts), store: store, engine: engine, spend: spend}
}

func (h *harness) waitSpends(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		h.spend.mu.Lock()
		if len(h.spend.contexts) >= n {
			out := append([]string(nil), h.spend.contexts...)
			h.spend.mu.Unlock()
			return out
		}
		h.spend.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("spend store never saw %d entries", n)
	return nil
}

func textPart(s string) *llm.ContentPart {
	return &llm.ContentPart{Type: llm.PartTypeText, Text: s}
}

func payloadFor(text string) types.CompletionPayload {
	return types.CompletionPayload{
		ConversationID: types.NewConversationID(),
		UserID:         types.NewUserID(),
		AgentID:        "a1",
		Text:           text,
	}
}

// --- tests ---

func TestSendCompletionHappyPath(t *testing.T) {
	fr := &fakeRun{events: []scriptedEvent{
		{part: textPart("The answer is 42."), agentID: "a1"},
		{usage: &llm.Usage{InputTokens: 120, OutputTokens: 8, Model: "gpt-4o"}},
	}}
	h := newHarness(t, fr, nil)

	payload := payloadFor("What is the answer?")
	completion, err := h.client.SendCompletion(context.Background(), payload, SendOptions{})
	if err != nil {
		t.Fatalf("send completion: %v", err)
	}

	if completion.State != run.StateCompleted {
		t.Errorf("expected completed state, got %s", completion.State)
	}
	if len(completion.Parts) != 1 || completion.Parts[0].Text != "The answer is 42." {
		t.Errorf("unexpected parts: %+v", completion.Parts)
	}
	if completion.Usage.InputTokens != 120 || completion.Usage.OutputTokens != 8 {
		t.Errorf("unexpected usage: %+v", completion.Usage)
	}
	if completion.Metadata == nil || completion.Metadata.GuardrailTracking == nil {
		t.Error("metadata with guardrail tracking must be attached")
	}

	stored := h.store.stored(payload.ConversationID)
	if len(stored) != 2 {
		t.Fatalf("expected user and assistant messages stored, got %d", len(stored))
	}
	if stored[0].Role != "user" || stored[1].Role != "assistant" {
		t.Errorf("roles = %s, %s", stored[0].Role, stored[1].Role)
	}
	if stored[1].ParentID != stored[0].ID {
		t.Error("assistant message must parent-link to the user message")
	}
	if stored[1].TokenCount == nil || *stored[1].TokenCount != 8 {
		t.Error("assistant token count must be the reconciled output total")
	}

	// The system content goes to the primary agent, not the message list.
	if len(h.engine.gotAgents) != 1 || !strings.Contains(h.engine.gotAgents[0].Instructions, "Chatflow assistant") {
		t.Error("primary agent must carry the system content")
	}
	for _, m := range fr.messages() {
		if m.Role == "system" {
			t.Error("system content must not appear in the assembled message list")
		}
	}

	spends := h.waitSpends(t, 1)
	if spends[0] != "message" {
		t.Errorf("turn spend must settle under the message context, got %q", spends[0])
	}
}

func TestSendCompletionBlockedOutput(t *testing.T) {
	fr := &fakeRun{events: []scriptedEvent{
		{part: textPart("something disallowed"), agentID: "a1"},
		{usage: &llm.Usage{InputTokens: 50, OutputTokens: 5}},
	}}
	h := newHarness(t, fr, func(o *Options) {
		o.Guardrail = guardrail.New(&guardService{output: guardrail.Outcome{
			Outcome:       guardrail.OutcomeBlocked,
			ModifiedText:  "blocked",
			ActionApplied: true,
		}})
	})

	completion, err := h.client.SendCompletion(context.Background(), payloadFor("hi"), SendOptions{})
	if err != nil {
		t.Fatalf("send completion: %v", err)
	}
	if len(completion.Parts) != 1 || completion.Parts[0].Type != llm.PartTypeText || completion.Parts[0].Text != "blocked" {
		t.Fatalf("blocked turn must return exactly one notice part, got %+v", completion.Parts)
	}
}

func TestSendCompletionModerationFailsOpen(t *testing.T) {
	fr := &fakeRun{events: []scriptedEvent{
		{part: textPart("original text"), agentID: "a1"},
		{usage: &llm.Usage{InputTokens: 50, OutputTokens: 5}},
	}}
	h := newHarness(t, fr, func(o *Options) {
		o.Guardrail = guardrail.New(&guardService{outputErr: errors.New("moderation backend down")})
	})

	completion, err := h.client.SendCompletion(context.Background(), payloadFor("hi"), SendOptions{})
	if err != nil {
		t.Fatalf("moderation failure must not fail the turn: %v", err)
	}
	if len(completion.Parts) != 1 || completion.Parts[0].Text != "original text" {
		t.Errorf("failed-open moderation must return the original content, got %+v", completion.Parts)
	}
}

func TestSendCompletionInjectsGuardrailNote(t *testing.T) {
	fr := &fakeRun{events: []scriptedEvent{
		{part: textPart("ok"), agentID: "a1"},
	}}
	h := newHarness(t, fr, func(o *Options) {
		o.Guardrail = guardrail.New(&guardService{input: guardrail.InputContext{
			HasGuardrailContext: true,
			SystemNote:          "A prior message in this conversation was flagged.",
		}})
	})

	if _, err := h.client.SendCompletion(context.Background(), payloadFor("hi"), SendOptions{}); err != nil {
		t.Fatalf("send completion: %v", err)
	}
	if !strings.Contains(h.engine.gotAgents[0].Instructions, "was flagged") {
		t.Error("guardrail note must be injected into system content")
	}
	for _, m := range fr.messages() {
		if strings.Contains(m.Content, "was flagged") {
			t.Error("guardrail note must not rewrite the transcript")
		}
	}
}

func TestSendCompletionInjectsMemoryAsMessages(t *testing.T) {
	fr := &fakeRun{events: []scriptedEvent{
		{part: textPart("ok"), agentID: "a1"},
	}}
	h := newHarness(t, fr, func(o *Options) {
		store := &scriptedMemoryStore{existing: "- The user lives in Lisbon."}
		o.Memory = memory.New(store, openMemoryAccess{}, o.Registry, "", time.Second)
	})

	if _, err := h.client.SendCompletion(context.Background(), payloadFor("hi"), SendOptions{}); err != nil {
		t.Fatalf("send completion: %v", err)
	}

	msgs := fr.messages()
	if len(msgs) < 3 {
		t.Fatalf("expected memory pair plus user message, got %d messages", len(msgs))
	}
	if msgs[0].Role != "user" || !strings.Contains(msgs[0].Content, "Lisbon") {
		t.Errorf("memory must lead the message list as a user message, got %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" {
		t.Errorf("memory acknowledgement must follow, got role %s", msgs[1].Role)
	}
	if strings.Contains(h.engine.gotAgents[0].Instructions, "Lisbon") {
		t.Error("memory must never enter system content")
	}
}

func TestSendCompletionMemoryWriteTimeoutDoesNotAffectTurn(t *testing.T) {
	fr := &fakeRun{events: []scriptedEvent{
		{part: textPart("done"), agentID: "a1"},
		{usage: &llm.Usage{InputTokens: 10, OutputTokens: 2}},
	}}
	h := newHarness(t, fr, func(o *Options) {
		store := &scriptedMemoryStore{
			existing: "- fact",
			process: func(ctx context.Context, msgs []*types.Message) (*memory.Artifacts, error) {
				<-ctx.Done() // never resolves on its own
				return nil, ctx.Err()
			},
		}
		o.Memory = memory.New(store, openMemoryAccess{}, o.Registry, "", 20*time.Millisecond)
	})

	start := time.Now()
	completion, err := h.client.SendCompletion(context.Background(), payloadFor("hi"), SendOptions{})
	if err != nil {
		t.Fatalf("send completion: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("memory write must not block the returned completion")
	}
	if len(completion.Parts) != 1 || completion.Parts[0].Text != "done" {
		t.Errorf("completion must be unaffected by the memory timeout, got %+v", completion.Parts)
	}
}

func TestSendCompletionAbortedTurn(t *testing.T) {
	fr := &fakeRun{}
	h := newHarness(t, fr, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	completion, err := h.client.SendCompletion(ctx, payloadFor("hi"), SendOptions{})
	if err != nil {
		t.Fatalf("cancellation is not an error: %v", err)
	}
	if completion.State != run.StateAborted {
		t.Errorf("expected aborted state, got %s", completion.State)
	}
	for _, p := range completion.Parts {
		if p.Type == llm.PartTypeError {
			t.Error("aborted turn must not carry synthetic error content")
		}
	}
}

func TestSendCompletionRejectsConcurrentTurn(t *testing.T) {
	fr := &fakeRun{
		block: make(chan struct{}),
		events: []scriptedEvent{
			{part: &llm.ContentPart{Type: llm.PartTypeText, Text: "ok"}, agentID: "a1"},
			{usage: &llm.Usage{InputTokens: 10, OutputTokens: 2, Model: "gpt-4o"}},
		},
	}
	h := newHarness(t, fr, nil)
	payload := payloadFor("hi")

	firstErr := make(chan error, 1)
	go func() {
		_, err := h.client.SendCompletion(context.Background(), payload, SendOptions{})
		firstErr <- err
	}()

	inFlight := func() bool {
		select {
		case <-h.client.TurnReleased(payload.ConversationID):
			return false
		default:
			return true
		}
	}
	deadline := time.Now().Add(time.Second)
	for !inFlight() {
		if time.Now().After(deadline) {
			t.Fatal("first turn never registered")
		}
		time.Sleep(time.Millisecond)
	}
	released := h.client.TurnReleased(payload.ConversationID)

	_, err := h.client.SendCompletion(context.Background(), payload, SendOptions{})
	if !errors.Is(err, ErrTurnInFlight) {
		t.Fatalf("expected ErrTurnInFlight, got %v", err)
	}

	close(fr.block)
	if err := <-firstErr; err != nil {
		t.Fatalf("first turn failed: %v", err)
	}
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("turn resources never released")
	}

	if _, err := h.client.SendCompletion(context.Background(), payload, SendOptions{}); err != nil {
		t.Fatalf("turn after release failed: %v", err)
	}
}

func TestSendCompletionStreamFailure(t *testing.T) {
	fr := &fakeRun{
		events:    []scriptedEvent{{usage: &llm.Usage{InputTokens: 30, OutputTokens: 0}}},
		streamErr: errors.New("provider 500"),
	}
	h := newHarness(t, fr, nil)

	completion, err := h.client.SendCompletion(context.Background(), payloadFor("hi"), SendOptions{})
	if err != nil {
		t.Fatalf("stream failure must still finalize the turn: %v", err)
	}
	if completion.State != run.StateFailed {
		t.Errorf("expected failed state, got %s", completion.State)
	}
	errorParts := 0
	for _, p := range completion.Parts {
		if p.Type == llm.PartTypeError {
			errorParts++
		}
	}
	if errorParts != 1 {
		t.Errorf("expected exactly one error part, got %d", errorParts)
	}
	// Usage from before the failure is still settled.
	h.waitSpends(t, 1)
}

func TestSendCompletionCorrectsAssistantTokenCount(t *testing.T) {
	// Two hops: the stored assistant message is priced by the final hop's
	// provider-reported output alone, while the displayed total covers both.
	fr := &fakeRun{events: []scriptedEvent{
		{part: textPart("working on it"), agentID: "a1"},
		{usage: &llm.Usage{InputTokens: 100, OutputTokens: 40, Model: "gpt-4o"}},
		{part: textPart("final answer"), agentID: "a1"},
		{usage: &llm.Usage{InputTokens: 140, OutputTokens: 6, Model: "gpt-4o"}},
	}}
	counter := newCounter(t)
	h := newHarness(t, fr, func(o *Options) { o.Counter = counter })

	payload := payloadFor("hi")
	completion, err := h.client.SendCompletion(context.Background(), payload, SendOptions{})
	if err != nil {
		t.Fatalf("send completion: %v", err)
	}
	if completion.Usage.OutputTokens != 46 {
		t.Errorf("displayed output must cover both hops, got %d", completion.Usage.OutputTokens)
	}

	stored := h.store.stored(payload.ConversationID)
	assistant := stored[len(stored)-1]
	if assistant.TokenCount == nil || *assistant.TokenCount != 6 {
		t.Fatalf("assistant token count must be the final hop's output, got %v", assistant.TokenCount)
	}
	// Later turns budget against the corrected cached count, not a recount.
	if n := counter.Snapshot()[assistant.ID]; n != 6 {
		t.Errorf("counter cache must carry the provider-reported count, got %d", n)
	}
}

func TestSendCompletionCreationFailureReturnsErrorPart(t *testing.T) {
	h := newHarness(t, &fakeRun{}, nil)
	h.engine.createErr = errors.New("no such model")

	payload := payloadFor("hi")
	completion, err := h.client.SendCompletion(context.Background(), payload, SendOptions{})
	if err != nil {
		t.Fatalf("creation failure must surface as content, not an error: %v", err)
	}
	if completion.State != run.StateFailed {
		t.Errorf("expected failed state, got %s", completion.State)
	}
	if len(completion.Parts) != 1 || completion.Parts[0].Type != llm.PartTypeError {
		t.Fatalf("expected exactly one error part, got %+v", completion.Parts)
	}
	if strings.Contains(completion.Parts[0].Text, "no such model") {
		t.Error("internal error detail must not reach user-visible content")
	}

	// The turn's slot is released; a retry can start immediately.
	select {
	case <-h.client.TurnReleased(payload.ConversationID):
	default:
		t.Error("failed turn must release the conversation slot")
	}
}

func TestSendCompletionOversizedMessageReturnsErrorPart(t *testing.T) {
	h := newHarness(t, &fakeRun{}, func(o *Options) {
		o.Budgeter = prompt.NewBudgeter(o.Counter, 200, 50, nil)
	})

	completion, err := h.client.SendCompletion(context.Background(),
		payloadFor(strings.Repeat("far too many tokens for this window ", 60)), SendOptions{})
	if err != nil {
		t.Fatalf("oversized message must surface as content, not an error: %v", err)
	}
	if completion.State != run.StateFailed {
		t.Errorf("expected failed state, got %s", completion.State)
	}
	if len(completion.Parts) != 1 || completion.Parts[0].Type != llm.PartTypeError {
		t.Fatalf("expected exactly one error part, got %+v", completion.Parts)
	}
	if !strings.Contains(completion.Parts[0].Text, "too long") {
		t.Errorf("error part must tell the user to shorten the message, got %q", completion.Parts[0].Text)
	}
}

func TestSendCompletionGeneratesTitleOnFirstTurn(t *testing.T) {
	fr := &fakeRun{
		events: []scriptedEvent{{part: textPart("hello"), agentID: "a1"}},
		title:  "Greetings",
	}
	h := newHarness(t, fr, func(o *Options) {
		o.Titles = title.New(nil, title.Endpoint{}, o.Conversations, o.Ledger, nil)
	})

	payload := payloadFor("hi there")
	if _, err := h.client.SendCompletion(context.Background(), payload, SendOptions{}); err != nil {
		t.Fatalf("send completion: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		h.store.mu.Lock()
		title := h.store.titles[payload.ConversationID]
		h.store.mu.Unlock()
		if title == "Greetings" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("title was never stored")
}

func TestSendCompletionUnknownAgent(t *testing.T) {
	h := newHarness(t, &fakeRun{}, nil)
	payload := payloadFor("hi")
	payload.AgentID = "nope"
	if _, err := h.client.SendCompletion(context.Background(), payload, SendOptions{}); err == nil {
		t.Fatal("expected error for unknown agent")
	}
}
