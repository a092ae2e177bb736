package state

import (
	"context"
	"testing"

	"github.com/user/chatflow/internal/types"
)

func TestPrefsStoreDefaults(t *testing.T) {
	store := NewPrefsStore(t.TempDir(), true)
	ctx := context.Background()
	user := types.NewUserID()

	optIn, err := store.MemoryOptIn(ctx, user)
	if err != nil {
		t.Fatalf("opt-in: %v", err)
	}
	if optIn {
		t.Error("memory must default to opted out")
	}
}

func TestPrefsStoreOptIn(t *testing.T) {
	store := NewPrefsStore(t.TempDir(), true)
	ctx := context.Background()
	user := types.NewUserID()

	if err := store.Set(user, UserPrefs{MemoryOptIn: true}); err != nil {
		t.Fatalf("set: %v", err)
	}
	optIn, err := store.MemoryOptIn(ctx, user)
	if err != nil {
		t.Fatalf("opt-in: %v", err)
	}
	if !optIn {
		t.Error("opt-in not persisted")
	}

	allowed, err := store.HasMemoryPermission(ctx, user)
	if err != nil || !allowed {
		t.Errorf("expected tenant permission, got %v %v", allowed, err)
	}
}

func TestPrefsStorePermissionDisabled(t *testing.T) {
	store := NewPrefsStore(t.TempDir(), false)
	allowed, err := store.HasMemoryPermission(context.Background(), types.NewUserID())
	if err != nil {
		t.Fatalf("permission: %v", err)
	}
	if allowed {
		t.Error("permission must follow the tenant flag")
	}
}
