package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Noah-Wu66/vectaix-relay/internal/chat"

	_ "modernc.org/sqlite" // pure-Go SQLite driver for database/sql
)

// timeLayout preserves sub-second precision so permit comparisons are
// exact across a write/read round trip.
const timeLayout = time.RFC3339Nano

// SQLite is a SQLite-backed persistence gateway. Messages are stored as
// one JSON document per conversation, matching the upstream store's
// replace-the-list contract for regenerate and edit.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the conversation database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		settings TEXT NOT NULL DEFAULT '',
		messages TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateConversation inserts a new conversation row.
func (s *SQLite) CreateConversation(ctx context.Context, conv *chat.Conversation) error {
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = now
	}

	msgs, err := json.Marshal(conv.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	if conv.Messages == nil {
		msgs = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, model, settings, messages, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, conv.ID, conv.UserID, conv.Model, conv.Settings, string(msgs),
		conv.CreatedAt.Format(timeLayout), conv.UpdatedAt.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

// GetConversation returns the conversation scoped to userID.
func (s *SQLite) GetConversation(ctx context.Context, id, userID string) (*chat.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, model, settings, messages, created_at, updated_at
		FROM conversations WHERE id = ? AND user_id = ?
	`, id, userID)
	return scanConversation(row)
}

// AppendUserMessage appends msg and returns the new UpdatedAt as the
// turn's write permit.
func (s *SQLite) AppendUserMessage(ctx context.Context, convID, userID string, msg chat.Message) (Permit, error) {
	var permit Permit
	err := s.withConversation(ctx, convID, userID, func(conv *chat.Conversation) (bool, error) {
		conv.Messages = append(conv.Messages, msg)
		permit = nextUpdatedAt(conv.UpdatedAt)
		conv.UpdatedAt = permit
		return true, nil
	})
	return permit, err
}

// ConditionallyAppend appends msg only while the conversation has not
// advanced past permit. A stale permit returns (false, nil).
func (s *SQLite) ConditionallyAppend(ctx context.Context, convID, userID string, msg chat.Message, permit Permit) (bool, error) {
	accepted := false
	err := s.withConversation(ctx, convID, userID, func(conv *chat.Conversation) (bool, error) {
		if conv.UpdatedAt.After(permit) {
			return false, nil
		}
		conv.Messages = append(conv.Messages, msg)
		conv.UpdatedAt = nextUpdatedAt(conv.UpdatedAt)
		accepted = true
		return true, nil
	})
	return accepted, err
}

// ReplaceMessages swaps the full stored message list and returns the new
// UpdatedAt as the permit.
func (s *SQLite) ReplaceMessages(ctx context.Context, convID, userID string, msgs []chat.Message) (Permit, error) {
	var permit Permit
	err := s.withConversation(ctx, convID, userID, func(conv *chat.Conversation) (bool, error) {
		conv.Messages = msgs
		permit = nextUpdatedAt(conv.UpdatedAt)
		conv.UpdatedAt = permit
		return true, nil
	})
	return permit, err
}

// RollbackLastUserMessage removes the trailing message if it is a user
// message. A conversation whose tail is not a user message is untouched.
func (s *SQLite) RollbackLastUserMessage(ctx context.Context, convID, userID string) error {
	return s.withConversation(ctx, convID, userID, func(conv *chat.Conversation) (bool, error) {
		n := len(conv.Messages)
		if n == 0 || conv.Messages[n-1].Role != chat.RoleUser {
			return false, nil
		}
		conv.Messages = conv.Messages[:n-1]
		conv.UpdatedAt = nextUpdatedAt(conv.UpdatedAt)
		return true, nil
	})
}

// withConversation runs fn against the stored conversation inside one
// transaction. fn returns whether the row should be written back.
func (s *SQLite) withConversation(ctx context.Context, convID, userID string, fn func(*chat.Conversation) (bool, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, user_id, model, settings, messages, created_at, updated_at
		FROM conversations WHERE id = ? AND user_id = ?
	`, convID, userID)
	conv, err := scanConversation(row)
	if err != nil {
		return err
	}

	write, err := fn(conv)
	if err != nil {
		return err
	}
	if !write {
		return tx.Commit()
	}

	msgs, err := json.Marshal(conv.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET messages = ?, updated_at = ? WHERE id = ? AND user_id = ?
	`, string(msgs), conv.UpdatedAt.Format(timeLayout), convID, userID)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*chat.Conversation, error) {
	var conv chat.Conversation
	var msgs, createdAt, updatedAt string
	err := row.Scan(&conv.ID, &conv.UserID, &conv.Model, &conv.Settings, &msgs, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}

	if err := json.Unmarshal([]byte(msgs), &conv.Messages); err != nil {
		return nil, fmt.Errorf("parse messages: %w", err)
	}
	if conv.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if conv.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &conv, nil
}

// nextUpdatedAt returns a timestamp strictly after prev. The permit
// comparison needs UpdatedAt to advance on every write even when the
// wall clock has not ticked.
func nextUpdatedAt(prev time.Time) time.Time {
	now := time.Now().UTC()
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	return now
}
