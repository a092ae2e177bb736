package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/user/chatflow/internal/types"
)

// SQLiteStore persists spend entries in a SQLite database, one row per
// settled usage record.
type SQLiteStore struct {
	db *sql.DB
}

// OpenStore opens (or creates) the spend database at path. Use ":memory:"
// for tests.
func OpenStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create spend db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open spend db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS spend (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			model TEXT NOT NULL,
			context TEXT NOT NULL,
			prompt_tokens INTEGER NOT NULL,
			completion_tokens INTEGER NOT NULL,
			cache_write_tokens INTEGER NOT NULL DEFAULT 0,
			cache_read_tokens INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_spend_conversation ON spend(conversation_id);
		CREATE INDEX IF NOT EXISTS idx_spend_user ON spend(user_id);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create spend schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) insert(ctx context.Context, meta SpendMeta, prompt, completion, cacheWrite, cacheRead int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO spend (user_id, conversation_id, model, context, prompt_tokens, completion_tokens, cache_write_tokens, cache_read_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(meta.UserID), string(meta.ConversationID), meta.Model, meta.Context,
		prompt, completion, cacheWrite, cacheRead,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert spend: %w", err)
	}
	return nil
}

// SpendTokens records a simple prompt/completion spend entry.
func (s *SQLiteStore) SpendTokens(ctx context.Context, meta SpendMeta, promptTokens, completionTokens int) error {
	return s.insert(ctx, meta, promptTokens, completionTokens, 0, 0)
}

// SpendStructuredTokens records a spend entry with cache activity.
func (s *SQLiteStore) SpendStructuredTokens(ctx context.Context, meta SpendMeta, prompt StructuredPrompt, completionTokens int) error {
	return s.insert(ctx, meta, prompt.Input, completionTokens, prompt.Write, prompt.Read)
}

// ConversationSpend sums a conversation's stored spend by context tag.
func (s *SQLiteStore) ConversationSpend(ctx context.Context, id types.ConversationID) (map[string]Totals, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT context,
		       SUM(prompt_tokens + cache_write_tokens + cache_read_tokens),
		       SUM(completion_tokens)
		FROM spend WHERE conversation_id = ? GROUP BY context`,
		string(id),
	)
	if err != nil {
		return nil, fmt.Errorf("query conversation spend: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Totals)
	for rows.Next() {
		var tag string
		var t Totals
		if err := rows.Scan(&tag, &t.InputTokens, &t.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan spend row: %w", err)
		}
		out[tag] = t
	}
	return out, rows.Err()
}
