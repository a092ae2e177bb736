package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/chatflow/internal/types"
)

// ConversationStore is a JSON-file-backed conversation store. Each
// conversation gets its own directory at conversations/<id>/ holding
// messages.json and meta.json.
type ConversationStore struct {
	root string
	mu   sync.RWMutex
}

// NewConversationStore creates a file-backed ConversationStore rooted at
// the given directory.
func NewConversationStore(root string) *ConversationStore {
	return &ConversationStore{root: root}
}

type conversationMeta struct {
	Title     string    `json:"title,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *ConversationStore) conversationDir(id types.ConversationID) string {
	return filepath.Join(s.root, "conversations", string(id))
}

func (s *ConversationStore) messagesPath(id types.ConversationID) string {
	return filepath.Join(s.conversationDir(id), "messages.json")
}

func (s *ConversationStore) metaPath(id types.ConversationID) string {
	return filepath.Join(s.conversationDir(id), "meta.json")
}

func (s *ConversationStore) loadMessages(id types.ConversationID) ([]*types.Message, error) {
	data, err := os.ReadFile(s.messagesPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read messages: %w", err)
	}
	var msgs []*types.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("unmarshal messages: %w", err)
	}
	return msgs, nil
}

// writeJSON marshals with indentation and writes atomically.
func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Messages returns every stored message of the conversation in insertion
// order. A conversation that does not exist yet yields an empty slice.
func (s *ConversationStore) Messages(ctx context.Context, id types.ConversationID) ([]*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadMessages(id)
}

// Save appends the message to its conversation's file. Message bodies are
// stored as given; turn-time annotations (labels, derived token maps) are
// never written back.
func (s *ConversationStore) Save(ctx context.Context, msg *types.Message) error {
	if msg.ConversationID == "" {
		return fmt.Errorf("save message: missing conversation id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, err := s.loadMessages(msg.ConversationID)
	if err != nil {
		return err
	}
	msgs = append(msgs, msg)
	return writeJSON(s.messagesPath(msg.ConversationID), msgs)
}

// SetTitle stores the conversation's generated title.
func (s *ConversationStore) SetTitle(ctx context.Context, id types.ConversationID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta := conversationMeta{}
	if data, err := os.ReadFile(s.metaPath(id)); err == nil {
		if err := json.Unmarshal(data, &meta); err != nil {
			return fmt.Errorf("unmarshal conversation meta: %w", err)
		}
	}
	meta.Title = title
	meta.UpdatedAt = time.Now().UTC()
	return writeJSON(s.metaPath(id), meta)
}

// Title returns the stored title, empty if none was generated yet.
func (s *ConversationStore) Title(id types.ConversationID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read conversation meta: %w", err)
	}
	var meta conversationMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return "", fmt.Errorf("unmarshal conversation meta: %w", err)
	}
	return meta.Title, nil
}
