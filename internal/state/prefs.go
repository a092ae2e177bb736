package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/chatflow/internal/types"
)

// UserPrefs are the per-user settings the pipeline consults.
type UserPrefs struct {
	MemoryOptIn bool `json:"memory_opt_in"`
}

// PrefsStore is a JSON-file-backed user preference store. It also acts as
// the memory access checker: opt-in comes from the per-user file, the
// feature permission from a tenant-wide flag fixed at construction.
type PrefsStore struct {
	root          string
	memoryAllowed bool
	mu            sync.RWMutex
}

// NewPrefsStore creates a PrefsStore rooted at the given directory.
// memoryAllowed is the tenant-wide memory feature permission.
func NewPrefsStore(root string, memoryAllowed bool) *PrefsStore {
	return &PrefsStore{root: root, memoryAllowed: memoryAllowed}
}

func (s *PrefsStore) prefsPath(user types.UserID) string {
	return filepath.Join(s.root, "users", string(user), "prefs.json")
}

// Get returns the user's preferences, zero-valued when none are stored.
func (s *PrefsStore) Get(user types.UserID) (UserPrefs, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.prefsPath(user))
	if err != nil {
		if os.IsNotExist(err) {
			return UserPrefs{}, nil
		}
		return UserPrefs{}, fmt.Errorf("read user prefs: %w", err)
	}
	var prefs UserPrefs
	if err := json.Unmarshal(data, &prefs); err != nil {
		return UserPrefs{}, fmt.Errorf("unmarshal user prefs: %w", err)
	}
	return prefs, nil
}

// Set stores the user's preferences atomically.
func (s *PrefsStore) Set(user types.UserID, prefs UserPrefs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.prefsPath(user), prefs)
}

// MemoryOptIn reports whether the user opted in to long-term memory.
func (s *PrefsStore) MemoryOptIn(ctx context.Context, user types.UserID) (bool, error) {
	prefs, err := s.Get(user)
	if err != nil {
		return false, err
	}
	return prefs.MemoryOptIn, nil
}

// HasMemoryPermission reports the tenant-wide memory feature permission.
func (s *PrefsStore) HasMemoryPermission(ctx context.Context, user types.UserID) (bool, error) {
	return s.memoryAllowed, nil
}
