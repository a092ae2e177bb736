// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

type ConversationID string
type MessageID string
type RunID string
type AgentID string
type UserID string
type TenantKey string

func NewConversationID() ConversationID {
	return ConversationID(uuid.New().String())
}

func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

func NewRunID() RunID {
	return RunID(uuid.New().String())
}

func NewUserID() UserID {
	return UserID(uuid.New().String())
}

func NewTenantKey(parts ...string) TenantKey {
	return TenantKey(strings.Join(parts, ":"))
}
