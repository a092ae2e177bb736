// internal/types/interfaces.go
package types

import (
	"context"
)

// MessageStore loads and saves the messages of a conversation. The storage
// schema is owned elsewhere; the orchestration layer only consumes this
// contract.
type MessageStore interface {
	// Messages returns every stored message of the conversation.
	Messages(ctx context.Context, id ConversationID) ([]*Message, error)
	Save(ctx context.Context, msg *Message) error
}

// ConversationStore covers conversation-level metadata the pipeline
// touches: currently only the generated title.
type ConversationStore interface {
	SetTitle(ctx context.Context, id ConversationID, title string) error
}

// AgentRegistry resolves agent specs by ID.
type AgentRegistry interface {
	Get(id AgentID) (*AgentSpec, bool)
	List() []*AgentSpec
}
