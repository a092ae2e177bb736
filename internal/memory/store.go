package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/user/chatflow/internal/types"
)

// FileStore is a simple per-user memory store kept as markdown list files
// under a data directory. It implements Store; production tenants swap in
// their own backend.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a FileStore rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) path(user types.UserID) string {
	return filepath.Join(s.dir, string(user)+".md")
}

func (s *FileStore) read(user types.UserID) (string, error) {
	data, err := os.ReadFile(s.path(user))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// SetMemory appends a fact, deduplicating exact matches.
func (s *FileStore) SetMemory(ctx context.Context, user types.UserID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.read(user)
	if err != nil {
		return err
	}

	line := "- " + key + ": " + value
	for _, l := range strings.Split(existing, "\n") {
		if strings.TrimSpace(l) == strings.TrimSpace(line) {
			return nil
		}
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path(user), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}

// DeleteMemory removes every fact stored under key.
func (s *FileStore) DeleteMemory(ctx context.Context, user types.UserID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.read(user)
	if err != nil {
		return err
	}

	prefix := "- " + key + ":"
	var kept []string
	for _, l := range strings.Split(existing, "\n") {
		if l == "" || strings.HasPrefix(strings.TrimSpace(l), prefix) {
			continue
		}
		kept = append(kept, l)
	}

	out := strings.Join(kept, "\n")
	if out != "" {
		out += "\n"
	}
	return os.WriteFile(s.path(user), []byte(out), 0644)
}

// GetFormattedMemories returns the user's memory block, or empty.
func (s *FileStore) GetFormattedMemories(ctx context.Context, user types.UserID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, err := s.read(user)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// CreateMemoryProcessor returns the existing memory text plus a ProcessFn
// that scans the turn for remember/forget phrasing and applies it. The
// agent parameter selects the extraction model in richer backends; the
// file store's heuristic processor ignores it.
func (s *FileStore) CreateMemoryProcessor(ctx context.Context, user types.UserID, agent *types.AgentSpec) (string, ProcessFn, error) {
	existing, err := s.GetFormattedMemories(ctx, user)
	if err != nil {
		return "", nil, fmt.Errorf("load memories: %w", err)
	}

	process := func(ctx context.Context, msgs []*types.Message) (*Artifacts, error) {
		var artifacts Artifacts
		for _, m := range msgs {
			if m.Role != "user" {
				continue
			}
			text := strings.TrimSpace(m.Text)
			lower := strings.ToLower(text)
			switch {
			case strings.HasPrefix(lower, "remember that "):
				fact := strings.TrimSpace(text[len("remember that "):])
				if fact == "" {
					continue
				}
				if err := s.SetMemory(ctx, user, "fact", fact); err != nil {
					return nil, err
				}
				artifacts.Saved = append(artifacts.Saved, fact)
			case strings.HasPrefix(lower, "forget "):
				if err := s.DeleteMemory(ctx, user, "fact"); err != nil {
					return nil, err
				}
				artifacts.Deleted = append(artifacts.Deleted, strings.TrimSpace(text[len("forget "):]))
			}
		}
		if len(artifacts.Saved) == 0 && len(artifacts.Deleted) == 0 {
			return nil, nil
		}
		return &artifacts, nil
	}

	return existing, process, nil
}
