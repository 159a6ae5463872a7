package store

import (
	"context"
	"sync"
	"time"

	"github.com/Noah-Wu66/vectaix-relay/internal/chat"
)

// Memory is an in-memory gateway with the same conditional-update
// semantics as the SQLite store. Used in tests and for ephemeral
// development runs without a data directory.
type Memory struct {
	mu    sync.Mutex
	convs map[string]*chat.Conversation
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{convs: make(map[string]*chat.Conversation)}
}

func (m *Memory) lookup(id, userID string) (*chat.Conversation, error) {
	conv, ok := m.convs[id]
	if !ok || conv.UserID != userID {
		return nil, ErrNotFound
	}
	return conv, nil
}

// CreateConversation inserts a new conversation.
func (m *Memory) CreateConversation(_ context.Context, conv *chat.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = now
	}
	cp := *conv
	cp.Messages = append([]chat.Message(nil), conv.Messages...)
	m.convs[conv.ID] = &cp
	return nil
}

// GetConversation returns a copy of the conversation.
func (m *Memory) GetConversation(_ context.Context, id, userID string) (*chat.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, err := m.lookup(id, userID)
	if err != nil {
		return nil, err
	}
	cp := *conv
	cp.Messages = append([]chat.Message(nil), conv.Messages...)
	return &cp, nil
}

// AppendUserMessage appends msg and returns the new UpdatedAt.
func (m *Memory) AppendUserMessage(_ context.Context, convID, userID string, msg chat.Message) (Permit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, err := m.lookup(convID, userID)
	if err != nil {
		return time.Time{}, err
	}
	conv.Messages = append(conv.Messages, msg)
	conv.UpdatedAt = nextUpdatedAt(conv.UpdatedAt)
	return conv.UpdatedAt, nil
}

// ConditionallyAppend appends msg unless the permit is stale.
func (m *Memory) ConditionallyAppend(_ context.Context, convID, userID string, msg chat.Message, permit Permit) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, err := m.lookup(convID, userID)
	if err != nil {
		return false, err
	}
	if conv.UpdatedAt.After(permit) {
		return false, nil
	}
	conv.Messages = append(conv.Messages, msg)
	conv.UpdatedAt = nextUpdatedAt(conv.UpdatedAt)
	return true, nil
}

// ReplaceMessages swaps the full message list.
func (m *Memory) ReplaceMessages(_ context.Context, convID, userID string, msgs []chat.Message) (Permit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, err := m.lookup(convID, userID)
	if err != nil {
		return time.Time{}, err
	}
	conv.Messages = append([]chat.Message(nil), msgs...)
	conv.UpdatedAt = nextUpdatedAt(conv.UpdatedAt)
	return conv.UpdatedAt, nil
}

// RollbackLastUserMessage removes the trailing user message, if any.
func (m *Memory) RollbackLastUserMessage(_ context.Context, convID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, err := m.lookup(convID, userID)
	if err != nil {
		return err
	}
	n := len(conv.Messages)
	if n == 0 || conv.Messages[n-1].Role != chat.RoleUser {
		return nil
	}
	conv.Messages = conv.Messages[:n-1]
	conv.UpdatedAt = nextUpdatedAt(conv.UpdatedAt)
	return nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error { return nil }
