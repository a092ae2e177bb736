// Package state provides filesystem-backed storage implementations.
package state

import "github.com/user/chatflow/internal/types"

// Compile-time interface compliance checks.
var _ types.MessageStore = (*ConversationStore)(nil)
var _ types.ConversationStore = (*ConversationStore)(nil)
