// internal/types/models_test.go
package types

import (
	"encoding/json"
	"testing"
	"time"
)

func TestMessageSerialization(t *testing.T) {
	n := 42
	msg := Message{
		ID:             NewMessageID(),
		ConversationID: NewConversationID(),
		ParentID:       NewMessageID(),
		Role:           "user",
		Text:           "hello",
		TokenCount:     &n,
		CreatedAt:      time.Now(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}

	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}

	if decoded.Text != msg.Text {
		t.Errorf("expected text %s, got %s", msg.Text, decoded.Text)
	}
	if decoded.TokenCount == nil || *decoded.TokenCount != 42 {
		t.Errorf("expected token count 42, got %v", decoded.TokenCount)
	}
}
