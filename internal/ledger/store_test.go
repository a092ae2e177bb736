package ledger

import (
	"context"
	"testing"

	"github.com/user/chatflow/internal/types"
)

func TestSQLiteStoreRoundtrip(t *testing.T) {
	store, err := OpenStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	convo := types.NewConversationID()
	meta := SpendMeta{UserID: types.NewUserID(), ConversationID: convo, Model: "gpt-4o", Context: "message"}

	if err := store.SpendTokens(ctx, meta, 100, 20); err != nil {
		t.Fatalf("spend: %v", err)
	}
	if err := store.SpendStructuredTokens(ctx, meta, StructuredPrompt{Input: 50, Write: 30, Read: 200}, 10); err != nil {
		t.Fatalf("structured spend: %v", err)
	}

	titleMeta := meta
	titleMeta.Context = "title"
	if err := store.SpendTokens(ctx, titleMeta, 40, 8); err != nil {
		t.Fatalf("title spend: %v", err)
	}

	sums, err := store.ConversationSpend(ctx, convo)
	if err != nil {
		t.Fatalf("conversation spend: %v", err)
	}
	if len(sums) != 2 {
		t.Fatalf("expected two context tags, got %d", len(sums))
	}
	// 100 + (50+30+200) prompt-side tokens, 20 + 10 completion.
	if got := sums["message"]; got.InputTokens != 380 || got.OutputTokens != 30 {
		t.Errorf("message totals = %+v", got)
	}
	if got := sums["title"]; got.InputTokens != 40 || got.OutputTokens != 8 {
		t.Errorf("title totals = %+v", got)
	}
}

func TestSQLiteStoreIsolatesConversations(t *testing.T) {
	store, err := OpenStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	a := types.NewConversationID()
	b := types.NewConversationID()

	if err := store.SpendTokens(ctx, SpendMeta{ConversationID: a, Context: "message"}, 10, 1); err != nil {
		t.Fatalf("spend: %v", err)
	}

	sums, err := store.ConversationSpend(ctx, b)
	if err != nil {
		t.Fatalf("conversation spend: %v", err)
	}
	if len(sums) != 0 {
		t.Errorf("expected no spend for other conversation, got %+v", sums)
	}
}
